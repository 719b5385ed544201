package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidemark-io/tidemark/internal/ir"
	"github.com/tidemark-io/tidemark/internal/logging"
	"github.com/tidemark-io/tidemark/internal/provider"
	"github.com/tidemark-io/tidemark/internal/state"
)

// Engine orchestrates planning and execution of a deployment.
type Engine struct {
	registry    *provider.Registry
	Parallelism int           // concurrency ceiling for independent entries
	Retry       *RetryPolicy  // nil means DefaultRetryPolicy
	Callback    EventCallback // optional progress events
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:    registry,
		Parallelism: defaultParallelism,
	}
}

// CreatePlan diffs the desired deployment against the state store and
// returns an ordered change set: create/update entries in topological
// order, then destroy entries for nodes that left the desired graph, in
// reverse topological order. Planning makes no provider call and writes
// nothing.
func (e *Engine) CreatePlan(ctx context.Context, dep *ir.Deployment, store state.Store) (*ir.Plan, error) {
	graph, err := BuildGraph(dep.Nodes)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	records, err := store.List(ctx, dep.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for deployment %s: %w", dep.Name, err)
	}
	logging.Debug("creating plan", "deployment", dep.Name, "nodes", len(dep.Nodes), "records", len(records))

	plan := &ir.Plan{
		Deployment: dep.Name,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Changes:    []*ir.NodeChange{},
		Summary:    &ir.PlanSummary{},
		Outputs:    dep.Outputs,
	}

	nodeByName := make(map[string]*ir.ResourceNode, len(dep.Nodes))
	for _, n := range dep.Nodes {
		nodeByName[n.Name] = n
	}

	// Planned action and fingerprint per node, filled as we walk the
	// topological order. Consumers of a changing producer see its planned
	// fingerprint through an unknown sentinel, so change cascades.
	plannedAction := make(map[string]ir.Action)
	plannedFP := make(map[string]string)

	for _, name := range graph.ApplyOrder() {
		node := nodeByName[name]

		resolved, err := resolveForPlan(node, records, plannedAction, plannedFP)
		if err != nil {
			return nil, &ConfigurationError{Err: err}
		}
		fp := Fingerprint(node.Kind, resolved)
		plannedFP[name] = fp

		rec := records[name]
		var action ir.Action
		var reason string
		switch {
		case rec == nil || rec.Status == ir.StatusDestroyed:
			action = ir.ActionCreate
			reason = "no applied record"
		case rec.Status == ir.StatusFailed:
			action = ir.ActionCreate
			reason = "last apply failed"
		case rec.Fingerprint == fp:
			action = ir.ActionNoOp
			reason = "inputs unchanged"
		default:
			action = ir.ActionUpdate
			reason = "inputs changed"
		}
		plannedAction[name] = action

		change := &ir.NodeChange{
			Node:         name,
			Kind:         node.Kind,
			Provider:     node.ProviderName(),
			Phase:        node.Phase,
			Action:       action,
			Reason:       reason,
			Fingerprint:  fp,
			Inputs:       node.Inputs,
			Dependencies: graph.Dependencies(name),
			Timeout:      node.Timeout,
		}
		switch action {
		case ir.ActionCreate:
			change.Diff = buildCreateDiff(resolved)
			plan.Summary.Create++
		case ir.ActionUpdate:
			change.Diff = buildPropertyDiff(rec.Inputs, resolved)
			plan.Summary.Update++
		case ir.ActionNoOp:
			plan.Summary.NoOp++
		}
		plan.Changes = append(plan.Changes, change)
	}

	destroys, err := planDestroys(records, func(name string) bool {
		_, inGraph := nodeByName[name]
		return inGraph && nodeByName[name].IsEnabled()
	})
	if err != nil {
		return nil, err
	}
	plan.Changes = append(plan.Changes, destroys...)
	plan.Summary.Destroy += len(destroys)

	return plan, nil
}

// CreateDestroyPlan plans teardown of every recorded node, dependents
// before their dependencies.
func (e *Engine) CreateDestroyPlan(ctx context.Context, dep *ir.Deployment, store state.Store) (*ir.Plan, error) {
	records, err := store.List(ctx, dep.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for deployment %s: %w", dep.Name, err)
	}

	plan := &ir.Plan{
		Deployment: dep.Name,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Changes:    []*ir.NodeChange{},
		Summary:    &ir.PlanSummary{},
	}

	destroys, err := planDestroys(records, func(string) bool { return false })
	if err != nil {
		return nil, err
	}
	plan.Changes = destroys
	plan.Summary.Destroy = len(destroys)
	return plan, nil
}

// planDestroys emits destroy entries, in reverse topological order of the
// recorded dependency edges, for every record whose node the keep
// predicate rejects.
func planDestroys(records map[string]*ir.AppliedRecord, keep func(string) bool) ([]*ir.NodeChange, error) {
	stale := make(map[string]*ir.AppliedRecord)
	for name, rec := range records {
		if strings.HasPrefix(name, grantKeyPrefix) {
			continue // binder bookkeeping, removed by the revoke path
		}
		if !keep(name) && rec.Status != ir.StatusDestroyed {
			stale[name] = rec
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	graph, err := BuildGraphFromRecords(records)
	if err != nil {
		return nil, fmt.Errorf("recorded state is inconsistent: %w", err)
	}

	var changes []*ir.NodeChange
	for _, name := range graph.DestroyOrder() {
		rec, ok := stale[name]
		if !ok {
			continue
		}
		// dependencies restricted to nodes being destroyed in this plan,
		// so the executor's ordering only waits on entries that exist
		var deps []string
		for _, d := range graph.Dependents(name) {
			if _, being := stale[d]; being {
				deps = append(deps, d)
			}
		}
		sort.Strings(deps)
		changes = append(changes, &ir.NodeChange{
			Node:         name,
			Kind:         rec.Kind,
			Provider:     rec.Provider,
			Action:       ir.ActionDestroy,
			Reason:       "not in desired graph",
			Dependencies: deps,
			Diff:         buildDestroyDiff(rec.Inputs),
		})
	}
	return changes, nil
}

// resolveForPlan substitutes references in a node's inputs. A reference
// to a producer planned NoOp resolves to the recorded output value; a
// reference to a changing producer resolves to a sentinel carrying that
// producer's planned fingerprint, since its future outputs are unknown.
func resolveForPlan(node *ir.ResourceNode, records map[string]*ir.AppliedRecord, plannedAction map[string]ir.Action, plannedFP map[string]string) (map[string]any, error) {
	resolved, err := resolveValue(node.Inputs, func(producer, output, ref string) (any, error) {
		if plannedAction[producer] == ir.ActionNoOp {
			rec := records[producer]
			if rec.HasOutputs() {
				if v, ok := rec.Outputs[output]; ok {
					return v, nil
				}
			}
			return nil, &UnresolvedReferenceError{Node: node.Name, Ref: ref}
		}
		return fmt.Sprintf("<unknown:%s/%s@%.12s>", producer, output, plannedFP[producer]), nil
	})
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

// resolveValue walks a value and replaces every ref:// string through the
// lookup function.
func resolveValue(v any, lookup func(producer, output, ref string) (any, error)) (any, error) {
	switch val := v.(type) {
	case string:
		if node, output := SplitRef(val); node != "" {
			return lookup(node, output, val)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", k)] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

// buildPropertyDiff compares prior and desired inputs key by key.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		if !inPrior {
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		} else if !inDesired {
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		} else if fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal) {
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func buildCreateDiff(inputs map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range inputs {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDestroyDiff(inputs map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range inputs {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}

// ResolveOutputs materializes a deployment's declared outputs against the
// applied records in the store. An output referencing a node that has no
// successful record yet is an error.
func ResolveOutputs(ctx context.Context, dep *ir.Deployment, store state.Store) (map[string]any, error) {
	if len(dep.Outputs) == 0 {
		return map[string]any{}, nil
	}
	records, err := store.List(ctx, dep.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for deployment %s: %w", dep.Name, err)
	}

	out := make(map[string]any, len(dep.Outputs))
	for k, v := range dep.Outputs {
		rv, err := resolveValue(v, func(producer, output, ref string) (any, error) {
			rec := records[producer]
			if rec == nil || !rec.HasOutputs() {
				return nil, fmt.Errorf("output %q: %s refers to a node with no applied outputs", k, ref)
			}
			val, ok := rec.Outputs[output]
			if !ok {
				return nil, fmt.Errorf("output %q: %s: no such output on %s", k, ref, producer)
			}
			return val, nil
		})
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}
