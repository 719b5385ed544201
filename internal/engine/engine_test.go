package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/internal/ir"
	"github.com/tidemark-io/tidemark/internal/provider"
	"github.com/tidemark-io/tidemark/internal/state"
)

// memStore is an in-memory state.Store with the same CAS semantics as
// the file-backed store.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string]*ir.AppliedRecord
	locked  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]map[string]*ir.AppliedRecord),
		locked:  make(map[string]bool),
	}
}

func (s *memStore) Get(ctx context.Context, deployment, node string) (*ir.AppliedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deployment][node]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Put(ctx context.Context, deployment, node string, rec *ir.AppliedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[deployment] == nil {
		s.records[deployment] = make(map[string]*ir.AppliedRecord)
	}
	if current, ok := s.records[deployment][node]; ok {
		if current.Version != rec.Version {
			return &state.StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: current.Version}
		}
	} else if rec.Version != 0 {
		return &state.StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: 0}
	}
	stored := *rec
	stored.Version = rec.Version + 1
	s.records[deployment][node] = &stored
	return nil
}

func (s *memStore) Delete(ctx context.Context, deployment, node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[deployment][node]; !ok {
		return state.ErrNotFound
	}
	delete(s.records[deployment], node)
	return nil
}

func (s *memStore) List(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ir.AppliedRecord, len(s.records[deployment]))
	for node, rec := range s.records[deployment] {
		cp := *rec
		out[node] = &cp
	}
	return out, nil
}

func (s *memStore) Lock(deployment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[deployment] {
		return fmt.Errorf("deployment %s is already locked", deployment)
	}
	s.locked[deployment] = true
	return nil
}

func (s *memStore) Unlock(deployment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, deployment)
	return nil
}

// seed writes a succeeded record the way an earlier apply would have.
func (s *memStore) seed(deployment, node string, rec *ir.AppliedRecord) {
	if rec.Status == "" {
		rec.Status = ir.StatusSucceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[deployment] == nil {
		s.records[deployment] = make(map[string]*ir.AppliedRecord)
	}
	stored := *rec
	stored.Version = rec.Version + 1
	s.records[deployment][node] = &stored
}

// fakeProvider is a scripted in-process provider. Failures are consumed
// per call, so a node can fail twice and then succeed.
type fakeProvider struct {
	mu        sync.Mutex
	applied   []string
	destroyed []string
	failures  map[string][]error        // node -> errors to return, in order
	outputs   map[string]map[string]any // node -> extra outputs
	delays    map[string]time.Duration  // node -> apply latency
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failures: make(map[string][]error),
		outputs:  make(map[string]map[string]any),
		delays:   make(map[string]time.Duration),
	}
}

func (f *fakeProvider) failWith(node string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[node] = append(f.failures[node], errs...)
}

func (f *fakeProvider) nextFailure(node string) error {
	if errs := f.failures[node]; len(errs) > 0 {
		f.failures[node] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeProvider) Kinds() []string { return []string{"test"} }

func (f *fakeProvider) CreateOrUpdate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	delay := f.delays[req.Node]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextFailure(req.Node); err != nil {
		return nil, err
	}
	f.applied = append(f.applied, req.Node)

	outputs := map[string]any{"id": "fake-" + req.Node}
	for k, v := range f.outputs[req.Node] {
		outputs[k] = v
	}
	return &provider.Response{ProviderID: "fake-" + req.Node, Outputs: outputs}, nil
}

func (f *fakeProvider) Destroy(ctx context.Context, req *provider.DestroyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextFailure(req.Node); err != nil {
		return err
	}
	f.destroyed = append(f.destroyed, req.Node)
	return nil
}

func (f *fakeProvider) appliedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeProvider) destroyedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// newTestEngine wires a fake provider under the name "test" and disables
// retry delays.
func newTestEngine(f *fakeProvider) *Engine {
	reg := provider.NewRegistry()
	reg.Register("test", func() (provider.Interface, error) { return f, nil })
	if err := reg.Load("test"); err != nil {
		panic(err)
	}
	eng := NewEngine(reg)
	eng.Retry = &RetryPolicy{MaxRetries: 0}
	return eng
}

func testNode(name, kind string, phase int, inputs map[string]any, deps ...string) *ir.ResourceNode {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ir.ResourceNode{
		Name:      name,
		Kind:      kind,
		Provider:  "test",
		Phase:     phase,
		DependsOn: deps,
		Inputs:    inputs,
	}
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
