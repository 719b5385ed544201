package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidemark-io/tidemark/internal/ir"
	"github.com/tidemark-io/tidemark/internal/state"
)

func planAndApply(t *testing.T, eng *Engine, dep *ir.Deployment, store state.Store) *ir.RunResult {
	t.Helper()
	ctx := context.Background()
	plan, err := eng.CreatePlan(ctx, dep, store)
	require.NoError(t, err)
	result, err := eng.Apply(ctx, plan, store)
	require.NoError(t, err)
	return result
}

func TestApply_ConvergesGraphInOrder(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("group", "test", 0, map[string]any{"location": "westeurope"}),
			testNode("vault", "test", 0, map[string]any{"group": "ref://group/id"}),
			testNode("app", "test", 0, map[string]any{"vault": "ref://vault/id"}),
		},
	}

	result := planAndApply(t, eng, dep, store)
	assert.True(t, result.Clean())
	assert.Equal(t, 3, result.Count(ir.OutcomeSucceeded))

	order := prov.appliedOrder()
	assert.Less(t, indexOf(order, "group"), indexOf(order, "vault"))
	assert.Less(t, indexOf(order, "vault"), indexOf(order, "app"))

	// references were materialized from fresh records
	rec, err := store.Get(context.Background(), "dev", "app")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSucceeded, rec.Status)
	assert.Equal(t, "fake-vault", rec.Inputs["vault"])
	assert.Equal(t, "fake-app", rec.ProviderID)
}

func TestApply_PhaseBarrier(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("identity", "test", 1, nil),
			testNode("vault", "test", 1, nil),
			testNode("app", "test", 2, map[string]any{"id": "ref://identity/id"}),
		},
	}

	result := planAndApply(t, eng, dep, store)
	assert.True(t, result.Clean())

	order := prov.appliedOrder()
	assert.Less(t, indexOf(order, "identity"), indexOf(order, "app"))
	assert.Less(t, indexOf(order, "vault"), indexOf(order, "app"))
}

func TestApply_FailureSkipsDependentsAndLaterPhases(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.failWith("vault", fmt.Errorf("quota exceeded for vaults"))
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("identity", "test", 1, nil),
			testNode("vault", "test", 1, nil),
			testNode("secrets", "test", 1, map[string]any{"vault": "ref://vault/id"}),
			testNode("app", "test", 2, nil),
		},
	}

	result := planAndApply(t, eng, dep, store)

	assert.Equal(t, ir.OutcomeSucceeded, result.Outcome("identity").Status)
	assert.Equal(t, ir.OutcomeFailed, result.Outcome("vault").Status)
	assert.Equal(t, ir.OutcomeSkipped, result.Outcome("secrets").Status)
	// phase 2 never starts after an incomplete phase 1
	assert.Equal(t, ir.OutcomeSkipped, result.Outcome("app").Status)

	// the failure is durable
	rec, err := store.Get(context.Background(), "dev", "vault")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, rec.Status)

	// siblings on their own branch still completed
	rec, err = store.Get(context.Background(), "dev", "identity")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSucceeded, rec.Status)

	// nothing was recorded for skipped nodes
	_, err = store.Get(context.Background(), "dev", "secrets")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestApply_FailedNodePreservesPriorOutputs(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	inputs := map[string]any{"location": "westeurope"}
	priorInputs := map[string]any{"location": "northeurope"}
	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, inputs)},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", priorInputs),
		Inputs:      priorInputs,
		ProviderID:  "g-prior",
		Outputs:     map[string]any{"id": "g-prior"},
	})

	prov.failWith("group", fmt.Errorf("not allowed"))
	result := planAndApply(t, eng, dep, store)
	assert.Equal(t, ir.OutcomeFailed, result.Outcome("group").Status)

	rec, err := store.Get(context.Background(), "dev", "group")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, rec.Status)
	// identity and outputs from the last success survive the failure
	assert.Equal(t, "g-prior", rec.ProviderID)
	assert.Equal(t, "g-prior", rec.Outputs["id"])
	assert.Equal(t, priorInputs, rec.Inputs)
}

func TestApply_ReapplyIsIdempotent(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("group", "test", 0, map[string]any{"location": "westeurope"}),
			testNode("vault", "test", 0, map[string]any{"group": "ref://group/id"}),
		},
	}

	result := planAndApply(t, eng, dep, store)
	assert.True(t, result.Clean())
	assert.Len(t, prov.appliedOrder(), 2)

	// second run converges with zero provider calls
	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	result, err = eng.Apply(context.Background(), plan, store)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count(ir.OutcomeNoOp))
	assert.Len(t, prov.appliedOrder(), 2)
}

func TestApply_RetryAfterFailureConverges(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.failWith("vault", fmt.Errorf("bad request"))
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("vault", "test", 0, map[string]any{"name": "kv"}),
		},
	}

	result := planAndApply(t, eng, dep, store)
	assert.True(t, result.Failed())

	// next run sees the failed record and re-creates
	result = planAndApply(t, eng, dep, store)
	assert.True(t, result.Clean())

	rec, err := store.Get(context.Background(), "dev", "vault")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSucceeded, rec.Status)
}

func TestApply_TransientErrorIsRetried(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.failWith("group", fmt.Errorf("429 too many requests"))
	eng := newTestEngine(prov)
	eng.Retry = &RetryPolicy{MaxRetries: 2, BaseDelay: 1, MaxDelay: 1}

	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, nil)},
	}

	result := planAndApply(t, eng, dep, store)
	assert.True(t, result.Clean())
}

func TestApply_RunCancellation(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("group", "test", 0, nil),
			testNode("vault", "test", 0, nil),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	plan, err := eng.CreatePlan(ctx, dep, store)
	require.NoError(t, err)
	cancel()

	result, err := eng.Apply(ctx, plan, store)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count(ir.OutcomeCancelled))
	assert.Empty(t, prov.appliedOrder())
}

func TestDestroy_ReverseOrder(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("base", "test", 0, nil),
			testNode("leaf", "test", 0, nil, "base"),
		},
	}
	result := planAndApply(t, eng, dep, store)
	require.True(t, result.Clean())

	plan, err := eng.CreateDestroyPlan(context.Background(), dep, store)
	require.NoError(t, err)
	result, err = eng.Destroy(context.Background(), plan, store)
	require.NoError(t, err)
	assert.True(t, result.Clean())

	order := prov.destroyedOrder()
	assert.Less(t, indexOf(order, "leaf"), indexOf(order, "base"))

	records, err := store.List(context.Background(), "dev")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDestroy_FailedDependentBlocksDependency(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("base", "test", 0, nil),
			testNode("leaf", "test", 0, nil, "base"),
		},
	}
	result := planAndApply(t, eng, dep, store)
	require.True(t, result.Clean())

	prov.failWith("leaf", errors.New("deletion denied"))

	plan, err := eng.CreateDestroyPlan(context.Background(), dep, store)
	require.NoError(t, err)
	result, err = eng.Destroy(context.Background(), plan, store)
	require.NoError(t, err)

	assert.Equal(t, ir.OutcomeFailed, result.Outcome("leaf").Status)
	assert.Equal(t, ir.OutcomeSkipped, result.Outcome("base").Status)

	// base's record survives so a later destroy still sees it
	_, err = store.Get(context.Background(), "dev", "base")
	assert.NoError(t, err)
}

func TestDestroy_MissingRecordIsNoError(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	plan := &ir.Plan{
		Deployment: "dev",
		Changes: []*ir.NodeChange{{
			Node: "ghost", Kind: "test", Provider: "test", Action: ir.ActionDestroy,
		}},
		Summary: &ir.PlanSummary{Destroy: 1},
	}

	result, err := eng.Destroy(context.Background(), plan, store)
	require.NoError(t, err)
	assert.True(t, result.Clean())
	assert.Empty(t, prov.destroyedOrder())
}

func TestApply_EnablingNodeLeavesSettledNodesAlone(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.outputs["identity"] = map[string]any{"principalId": "sp-1"}
	eng := newTestEngine(prov)

	off := false
	appNode := testNode("app", "test", 1, map[string]any{"vault": "ref://vault/id"})
	appNode.Enabled = &off

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("identity", "test", 0, map[string]any{"location": "westeurope"}),
			testNode("vault", "test", 0, map[string]any{"admin": "ref://identity/principalId"}),
			appNode,
		},
	}

	ctx := context.Background()
	plan, err := eng.CreatePlan(ctx, dep, store)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, ir.ActionCreate, changeFor(t, plan, "identity").Action)
	assert.Equal(t, ir.ActionCreate, changeFor(t, plan, "vault").Action)

	result, err := eng.Apply(ctx, plan, store)
	require.NoError(t, err)
	require.True(t, result.Clean())

	on := true
	appNode.Enabled = &on

	plan, err = eng.CreatePlan(ctx, dep, store)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionNoOp, changeFor(t, plan, "identity").Action)
	assert.Equal(t, ir.ActionNoOp, changeFor(t, plan, "vault").Action)
	assert.Equal(t, ir.ActionCreate, changeFor(t, plan, "app").Action)

	result, err = eng.Apply(ctx, plan, store)
	require.NoError(t, err)
	assert.True(t, result.Clean())

	// the settled nodes were applied exactly once across both runs
	order := prov.appliedOrder()
	assert.Equal(t, []string{"identity", "vault", "app"}, order)
}

func TestApply_NodeTimeoutFailsAndSkipsDependents(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.delays["slow"] = 5 * time.Second
	eng := newTestEngine(prov)

	slow := testNode("slow", "test", 0, nil)
	slow.Timeout = "50ms"
	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			slow,
			testNode("child", "test", 0, map[string]any{"parent": "ref://slow/id"}),
		},
	}

	result := planAndApply(t, eng, dep, store)

	so := result.Outcome("slow")
	require.NotNil(t, so)
	assert.Equal(t, ir.OutcomeFailed, so.Status)
	var te *TimeoutError
	require.True(t, errors.As(so.Err, &te))
	assert.Equal(t, "slow", te.Node)

	co := result.Outcome("child")
	require.NotNil(t, co)
	assert.Equal(t, ir.OutcomeSkipped, co.Status)
	assert.Empty(t, prov.appliedOrder())

	rec, err := store.Get(context.Background(), "dev", "slow")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, rec.Status)
}

func TestApply_TransientRetriesExhaustedFailsNode(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)
	eng.Retry = &RetryPolicy{MaxRetries: 1, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}

	throttle := errors.New("503 service unavailable")
	prov.failWith("vault", throttle, throttle)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("vault", "test", 0, nil),
			testNode("secrets", "test", 0, map[string]any{"vault": "ref://vault/id"}),
			testNode("app", "test", 1, nil),
		},
	}

	result := planAndApply(t, eng, dep, store)

	vo := result.Outcome("vault")
	require.NotNil(t, vo)
	assert.Equal(t, ir.OutcomeFailed, vo.Status)
	var te *TransientProviderError
	assert.True(t, errors.As(vo.Err, &te))

	assert.Equal(t, ir.OutcomeSkipped, result.Outcome("secrets").Status)
	assert.Equal(t, ir.OutcomeSkipped, result.Outcome("app").Status)
	assert.Empty(t, prov.failures["vault"]) // every attempt of the budget was spent
	assert.Empty(t, prov.appliedOrder())
}

func TestApply_CancellationMarksLaterPhasesCancelled(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	eng := newTestEngine(prov)

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("group", "test", 0, nil),
			testNode("app", "test", 1, nil),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	plan, err := eng.CreatePlan(ctx, dep, store)
	require.NoError(t, err)
	cancel()

	result, err := eng.Apply(ctx, plan, store)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count(ir.OutcomeCancelled))
	assert.Zero(t, result.Count(ir.OutcomeSkipped))
	assert.Empty(t, prov.appliedOrder())
}
