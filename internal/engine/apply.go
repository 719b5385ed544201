package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/internal/ir"
	"github.com/tidemark-io/tidemark/internal/logging"
	"github.com/tidemark-io/tidemark/internal/provider"
	"github.com/tidemark-io/tidemark/internal/state"
)

const defaultParallelism = 10

// Event represents a progress event during apply or destroy.
type Event struct {
	Node     string
	Action   ir.Action
	Status   string // "started", "completed", "failed", "skipped", "cancelled"
	Duration time.Duration
	Error    error
}

// EventCallback is called for each event if set.
type EventCallback func(event Event)

// Apply executes a plan. Entries run concurrently up to the engine's
// parallelism ceiling; an entry is dispatched only once every predecessor
// reached a terminal outcome. A predecessor failure marks all transitive
// dependents skipped, never failed. Phase N+1 entries do not start unless
// every phase N entry succeeded or was a no-op.
//
// Node-level failures are reported in the RunResult, not as the returned
// error; the error is reserved for run-level problems such as an
// unreadable state store.
func (e *Engine) Apply(ctx context.Context, plan *ir.Plan, store state.Store) (*ir.RunResult, error) {
	result := &ir.RunResult{}

	var forward, destroys []*ir.NodeChange
	for _, c := range plan.Changes {
		switch c.Action {
		case ir.ActionNoOp:
			result.Outcomes = append(result.Outcomes, &ir.Outcome{
				Node: c.Node, Action: c.Action, Status: ir.OutcomeNoOp,
			})
		case ir.ActionDestroy:
			destroys = append(destroys, c)
		default:
			forward = append(forward, c)
		}
	}

	// Phase barrier: run forward entries phase by phase; any entry of
	// phase N not ending succeeded aborts the run before phase N+1.
	// Entries never started because of the abort are skipped, unless the
	// run itself was cancelled, in which case they are cancelled.
	aborted := false
	for _, phase := range phasesOf(forward) {
		batch := entriesInPhase(forward, phase)
		if aborted {
			e.markAll(batch, result, abortStatus(ctx))
			continue
		}
		e.runBatch(ctx, batch, plan.Deployment, store, result)
		for _, c := range batch {
			o := result.Outcome(c.Node)
			if o == nil || (o.Status != ir.OutcomeSucceeded && o.Status != ir.OutcomeNoOp) {
				aborted = true
			}
		}
		if aborted {
			logging.Warn("phase incomplete, not starting later phases", "phase", phase)
		}
	}

	if aborted {
		e.markAll(destroys, result, abortStatus(ctx))
		return result, nil
	}

	e.runBatch(ctx, destroys, plan.Deployment, store, result)
	return result, nil
}

// Destroy executes a destroy plan: reverse dependency order, and a failed
// destroy blocks the destroy of its own dependencies, since they may
// still be referenced.
func (e *Engine) Destroy(ctx context.Context, plan *ir.Plan, store state.Store) (*ir.RunResult, error) {
	result := &ir.RunResult{}
	var destroys []*ir.NodeChange
	for _, c := range plan.Changes {
		if c.Action == ir.ActionDestroy {
			destroys = append(destroys, c)
		}
	}
	e.runBatch(ctx, destroys, plan.Deployment, store, result)
	return result, nil
}

func phasesOf(changes []*ir.NodeChange) []int {
	seen := make(map[int]bool)
	var phases []int
	for _, c := range changes {
		if !seen[c.Phase] {
			seen[c.Phase] = true
			phases = append(phases, c.Phase)
		}
	}
	sort.Ints(phases)
	return phases
}

func entriesInPhase(changes []*ir.NodeChange, phase int) []*ir.NodeChange {
	var out []*ir.NodeChange
	for _, c := range changes {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

// abortStatus maps an aborted run to the outcome of its never-started
// entries: cancelled when the run context was cancelled, skipped when an
// earlier phase failed.
func abortStatus(ctx context.Context) ir.OutcomeStatus {
	if ctx.Err() != nil {
		return ir.OutcomeCancelled
	}
	return ir.OutcomeSkipped
}

func (e *Engine) markAll(changes []*ir.NodeChange, result *ir.RunResult, status ir.OutcomeStatus) {
	for _, c := range changes {
		result.Outcomes = append(result.Outcomes, &ir.Outcome{Node: c.Node, Action: c.Action, Status: status})
		e.emit(Event{Node: c.Node, Action: c.Action, Status: string(status)})
	}
}

func (e *Engine) emit(event Event) {
	if e.Callback != nil {
		e.Callback(event)
	}
}

// runBatch executes one batch of entries concurrently, respecting the
// dependency edges between entries of the batch. Edges to nodes outside
// the batch were settled in an earlier phase or planned NoOp.
func (e *Engine) runBatch(ctx context.Context, changes []*ir.NodeChange, deployment string, store state.Store, result *ir.RunResult) {
	if len(changes) == 0 {
		return
	}

	inBatch := make(map[string]*ir.NodeChange, len(changes))
	for _, c := range changes {
		inBatch[c.Node] = c
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	var (
		mu        sync.Mutex
		cond      = sync.NewCond(&mu)
		completed = make(map[string]bool)
		failed    = make(map[string]bool)
		skipped   = make(map[string]bool)
		cancelled = make(map[string]bool)
	)
	sem := make(chan struct{}, parallelism)

	record := func(c *ir.NodeChange, status ir.OutcomeStatus, err error, d time.Duration) {
		result.Outcomes = append(result.Outcomes, &ir.Outcome{
			Node: c.Node, Action: c.Action, Status: status, Err: err, Duration: d,
		})
	}

	var wg sync.WaitGroup
	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.NodeChange) {
			defer wg.Done()

			mu.Lock()
			for {
				if ctx.Err() != nil {
					// run-level cancellation: stop dispatching, mark
					// the queued entry cancelled
					cancelled[c.Node] = true
					record(c, ir.OutcomeCancelled, ctx.Err(), 0)
					mu.Unlock()
					e.emit(Event{Node: c.Node, Action: c.Action, Status: "cancelled"})
					cond.Broadcast()
					return
				}

				allReady := true
				depCancelled := false
				depFailed := false
				for _, dep := range c.Dependencies {
					if _, ok := inBatch[dep]; !ok {
						continue // settled before this batch
					}
					if cancelled[dep] {
						depCancelled = true
						break
					}
					if failed[dep] || skipped[dep] {
						depFailed = true
						break
					}
					if !completed[dep] {
						allReady = false
						break
					}
				}
				if depCancelled {
					cancelled[c.Node] = true
					record(c, ir.OutcomeCancelled, nil, 0)
					mu.Unlock()
					e.emit(Event{Node: c.Node, Action: c.Action, Status: "cancelled"})
					cond.Broadcast()
					return
				}
				if depFailed {
					skipped[c.Node] = true
					record(c, ir.OutcomeSkipped, nil, 0)
					mu.Unlock()
					e.emit(Event{Node: c.Node, Action: c.Action, Status: "skipped"})
					cond.Broadcast()
					return
				}
				if allReady {
					break
				}
				cond.Wait()
			}
			mu.Unlock()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			e.emit(Event{Node: c.Node, Action: c.Action, Status: "started"})

			var err error
			if c.Action == ir.ActionDestroy {
				err = e.destroyEntry(ctx, c, deployment, store)
			} else {
				err = e.applyEntry(ctx, c, deployment, store)
			}

			mu.Lock()
			if err != nil {
				failed[c.Node] = true
				record(c, ir.OutcomeFailed, err, time.Since(start))
			} else {
				completed[c.Node] = true
				record(c, ir.OutcomeSucceeded, nil, time.Since(start))
			}
			mu.Unlock()

			if err != nil {
				e.emit(Event{Node: c.Node, Action: c.Action, Status: "failed", Duration: time.Since(start), Error: err})
			} else {
				e.emit(Event{Node: c.Node, Action: c.Action, Status: "completed", Duration: time.Since(start)})
			}
			cond.Broadcast()
		}(change)
	}
	wg.Wait()
}

// applyEntry converges a single node and writes its applied record. An
// in-flight provider call is never aborted by run-level cancellation; the
// per-node timeout is the only deadline, so a half-created resource with
// no recorded identity cannot result from a ctrl-C.
func (e *Engine) applyEntry(ctx context.Context, c *ir.NodeChange, deployment string, store state.Store) error {
	timeout := nodeTimeout(c.Timeout)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	logging.Debug("applying node", "deployment", deployment, "node", c.Node, "action", c.Action)

	prior, err := store.Get(cctx, deployment, c.Node)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("failed to read record for %s: %w", c.Node, err)
	}

	// Re-resolve references now that producers of this run have fresh
	// records in the store.
	resolvedAny, err := resolveValue(c.Inputs, func(producer, output, ref string) (any, error) {
		rec, gerr := store.Get(cctx, deployment, producer)
		if gerr != nil {
			return nil, fmt.Errorf("output %s of %s unavailable: %w", output, producer, gerr)
		}
		if !rec.HasOutputs() {
			return nil, fmt.Errorf("node %s has no outputs (status %s)", producer, rec.Status)
		}
		v, ok := rec.Outputs[output]
		if !ok {
			return nil, &UnresolvedReferenceError{Node: c.Node, Ref: ref}
		}
		return v, nil
	})
	if err != nil {
		return err
	}
	resolved, _ := resolvedAny.(map[string]any)
	fingerprint := Fingerprint(c.Kind, resolved)

	prov, err := e.registry.Get(c.Provider)
	if err != nil {
		return fmt.Errorf("provider not loaded: %s", c.Provider)
	}

	resp, callErr := e.callProvider(cctx, prov, c, deployment, store, resolved, prior)

	rec := &ir.AppliedRecord{
		Kind:         c.Kind,
		Provider:     c.Provider,
		Fingerprint:  fingerprint,
		Inputs:       resolved,
		Dependencies: c.Dependencies,
		UpdatedAt:    time.Now().UTC(),
	}
	if prior != nil {
		rec.Version = prior.Version
		// keep the previous identity and outputs on failure, so siblings
		// relying on the prior successful apply are not starved
		rec.ProviderID = prior.ProviderID
		rec.Outputs = prior.Outputs
		rec.Fingerprint = prior.Fingerprint
		rec.Inputs = prior.Inputs
	}

	if callErr != nil {
		if cctx.Err() == context.DeadlineExceeded {
			callErr = fmt.Errorf("%w: %v", &TimeoutError{Node: c.Node, Timeout: timeout.String()}, callErr)
		}
		rec.Status = ir.StatusFailed
		if perr := store.Put(cctx, deployment, c.Node, rec); perr != nil {
			logging.Error("failed to record node failure", "node", c.Node, "error", perr)
		}
		return fmt.Errorf("apply failed for %s: %w", c.Node, callErr)
	}

	rec.Status = ir.StatusSucceeded
	rec.Fingerprint = fingerprint
	rec.Inputs = resolved
	rec.ProviderID = resp.ProviderID
	rec.Outputs = resp.Outputs
	if err := store.Put(cctx, deployment, c.Node, rec); err != nil {
		var stale *state.StaleWriteError
		if errors.As(err, &stale) {
			return &ConflictError{Err: err}
		}
		return fmt.Errorf("failed to record apply of %s: %w", c.Node, err)
	}
	return nil
}

// callProvider issues the provisioning call with the retry policy.
// Role-assignment nodes route through the access binder so grants stay
// idempotent by composite identity.
func (e *Engine) callProvider(ctx context.Context, prov provider.Interface, c *ir.NodeChange, deployment string, store state.Store, resolved map[string]any, prior *ir.AppliedRecord) (*provider.Response, error) {
	policy := e.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	if c.Kind == KindRoleAssignment {
		binder, ok := prov.(provider.AccessBinder)
		if !ok {
			return nil, &PermanentProviderError{Err: fmt.Errorf("provider %s cannot issue access grants", c.Provider)}
		}
		grant, err := grantFromInputs(c.Node, resolved)
		if err != nil {
			return nil, err
		}
		b := &Binder{Store: store, Provider: binder}
		var resp *provider.Response
		rerr := RetryWithBackoff(ctx, policy, func() error {
			var gerr error
			resp, gerr = b.Grant(ctx, deployment, grant)
			return ClassifyProviderError(gerr)
		}, shouldRetry)
		return resp, rerr
	}

	req := &provider.Request{
		Deployment: deployment,
		Node:       c.Node,
		Kind:       c.Kind,
		Inputs:     resolved,
	}
	if prior != nil {
		req.PriorID = prior.ProviderID
		req.PriorOutputs = prior.Outputs
	}

	var resp *provider.Response
	err := RetryWithBackoff(ctx, policy, func() error {
		var applyErr error
		resp, applyErr = prov.CreateOrUpdate(ctx, req)
		return ClassifyProviderError(applyErr)
	}, shouldRetry)
	return resp, err
}

// destroyEntry tears down a single node and deletes its record. Destroy
// failures are surfaced, not retried beyond the transient policy, and
// never roll back previously completed destroys.
func (e *Engine) destroyEntry(ctx context.Context, c *ir.NodeChange, deployment string, store state.Store) error {
	timeout := nodeTimeout(c.Timeout)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	logging.Debug("destroying node", "deployment", deployment, "node", c.Node)

	prior, err := store.Get(cctx, deployment, c.Node)
	if errors.Is(err, state.ErrNotFound) {
		return nil // already gone
	}
	if err != nil {
		return fmt.Errorf("failed to read record for %s: %w", c.Node, err)
	}

	prov, err := e.registry.Get(c.Provider)
	if err != nil {
		return fmt.Errorf("provider not loaded: %s", c.Provider)
	}

	policy := e.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	if c.Kind == KindRoleAssignment {
		if binder, ok := prov.(provider.AccessBinder); ok {
			grant, gerr := grantFromInputs(c.Node, prior.Inputs)
			if gerr == nil {
				b := &Binder{Store: store, Provider: binder}
				if rerr := b.Revoke(cctx, deployment, grant); rerr != nil {
					return fmt.Errorf("revoke failed for %s: %w", c.Node, rerr)
				}
			}
		}
	} else {
		err = RetryWithBackoff(cctx, policy, func() error {
			derr := prov.Destroy(cctx, &provider.DestroyRequest{
				Deployment: deployment,
				Node:       c.Node,
				Kind:       c.Kind,
				ProviderID: prior.ProviderID,
				Outputs:    prior.Outputs,
			})
			return ClassifyProviderError(derr)
		}, shouldRetry)
		if err != nil {
			return fmt.Errorf("destroy failed for %s: %w", c.Node, err)
		}
	}

	if err := store.Delete(cctx, deployment, c.Node); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("failed to delete record for %s: %w", c.Node, err)
	}
	return nil
}
