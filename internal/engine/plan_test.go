package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidemark-io/tidemark/internal/ir"
)

func changeFor(t *testing.T, plan *ir.Plan, node string) *ir.NodeChange {
	t.Helper()
	for _, c := range plan.Changes {
		if c.Node == node {
			return c
		}
	}
	t.Fatalf("no change for node %s", node)
	return nil
}

func TestCreatePlan_NewNodeIsCreate(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, map[string]any{"location": "westeurope"})},
	}

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)

	c := plan.Changes[0]
	assert.Equal(t, ir.ActionCreate, c.Action)
	assert.NotEmpty(t, c.Fingerprint)
	assert.Equal(t, 1, plan.Summary.Create)
	assert.Contains(t, c.Diff, "location")
	assert.Equal(t, "create", c.Diff["location"].Action)
}

func TestCreatePlan_UnchangedNodeIsNoOp(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	inputs := map[string]any{"location": "westeurope"}
	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, inputs)},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind:        "test",
		Provider:    "test",
		Fingerprint: Fingerprint("test", inputs),
		Inputs:      inputs,
		Outputs:     map[string]any{"id": "g1"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionNoOp, plan.Changes[0].Action)
	assert.True(t, plan.Empty())
}

func TestCreatePlan_ChangedInputsIsUpdate(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	prior := map[string]any{"location": "westeurope"}
	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, map[string]any{"location": "northeurope"})},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind:        "test",
		Provider:    "test",
		Fingerprint: Fingerprint("test", prior),
		Inputs:      prior,
		Outputs:     map[string]any{"id": "g1"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)

	c := plan.Changes[0]
	assert.Equal(t, ir.ActionUpdate, c.Action)
	require.Contains(t, c.Diff, "location")
	assert.Equal(t, "update", c.Diff["location"].Action)
	assert.Equal(t, "westeurope", c.Diff["location"].Before)
	assert.Equal(t, "northeurope", c.Diff["location"].After)
}

func TestCreatePlan_FailedRecordIsCreate(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	inputs := map[string]any{"location": "westeurope"}
	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, inputs)},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind:        "test",
		Provider:    "test",
		Fingerprint: Fingerprint("test", inputs),
		Inputs:      inputs,
		Status:      ir.StatusFailed,
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionCreate, plan.Changes[0].Action)
	assert.Equal(t, "last apply failed", plan.Changes[0].Reason)
}

func TestCreatePlan_ChangeCascadesThroughRefs(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	groupInputs := map[string]any{"location": "westeurope"}
	appInputs := map[string]any{"group": "ref://group/id"}

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("group", "test", 0, map[string]any{"location": "northeurope"}),
			testNode("app", "test", 0, appInputs),
		},
	}

	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", groupInputs),
		Inputs:      groupInputs,
		Outputs:     map[string]any{"id": "g1"},
	})
	store.seed("dev", "app", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", map[string]any{"group": "g1"}),
		Inputs:      map[string]any{"group": "g1"},
		Outputs:     map[string]any{"id": "a1"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)

	// group changed, so app's reference resolves to an unknown value and
	// app reconverges too.
	assert.Equal(t, ir.ActionUpdate, changeFor(t, plan, "group").Action)
	assert.Equal(t, ir.ActionUpdate, changeFor(t, plan, "app").Action)
}

func TestCreatePlan_NoOpProducerKeepsConsumerSettled(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	groupInputs := map[string]any{"location": "westeurope"}
	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("group", "test", 0, groupInputs),
			testNode("app", "test", 0, map[string]any{"group": "ref://group/id"}),
		},
	}

	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", groupInputs),
		Inputs:      groupInputs,
		Outputs:     map[string]any{"id": "g1"},
	})
	store.seed("dev", "app", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", map[string]any{"group": "g1"}),
		Inputs:      map[string]any{"group": "g1"},
		Outputs:     map[string]any{"id": "a1"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestCreatePlan_RemovedNodeIsDestroyed(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, nil)},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", map[string]any{}),
		Inputs:      map[string]any{},
		Outputs:     map[string]any{"id": "g1"},
	})
	store.seed("dev", "orphan", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: "stale",
		Outputs:     map[string]any{"id": "o1"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)

	c := changeFor(t, plan, "orphan")
	assert.Equal(t, ir.ActionDestroy, c.Action)
	assert.Equal(t, 1, plan.Summary.Destroy)
}

func TestCreatePlan_DisabledNodeWithRecordIsDestroyed(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	off := false
	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			{Name: "group", Kind: "test", Provider: "test", Enabled: &off},
		},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: "old",
		Outputs:     map[string]any{"id": "g1"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionDestroy, plan.Changes[0].Action)
}

func TestCreatePlan_DestroyOrderReversesRecordedEdges(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	dep := &ir.Deployment{Name: "dev", Nodes: nil}
	store.seed("dev", "base", &ir.AppliedRecord{
		Kind: "test", Provider: "test", Fingerprint: "x",
		Outputs: map[string]any{"id": "b"},
	})
	store.seed("dev", "leaf", &ir.AppliedRecord{
		Kind: "test", Provider: "test", Fingerprint: "y",
		Dependencies: []string{"base"},
		Outputs:      map[string]any{"id": "l"},
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "leaf", plan.Changes[0].Node)
	assert.Equal(t, "base", plan.Changes[1].Node)

	// base's destroy must wait for leaf's destroy
	assert.Contains(t, plan.Changes[1].Dependencies, "leaf")
}

func TestCreatePlan_CycleIsConfigurationError(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	dep := &ir.Deployment{
		Name: "dev",
		Nodes: []*ir.ResourceNode{
			testNode("a", "test", 0, nil, "b"),
			testNode("b", "test", 0, nil, "a"),
		},
	}

	_, err := eng.CreatePlan(context.Background(), dep, store)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestCreateDestroyPlan_CoversAllRecords(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, nil)},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test", Fingerprint: "x",
		Outputs: map[string]any{"id": "g"},
	})

	plan, err := eng.CreateDestroyPlan(context.Background(), dep, store)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionDestroy, plan.Changes[0].Action)
}

func TestCreatePlan_DestroyedRecordPlansCreate(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(newFakeProvider())

	inputs := map[string]any{"location": "westeurope"}
	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("group", "test", 0, inputs)},
	}
	store.seed("dev", "group", &ir.AppliedRecord{
		Kind: "test", Provider: "test",
		Fingerprint: Fingerprint("test", inputs),
		Inputs:      inputs,
		Status:      ir.StatusDestroyed,
	})

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionCreate, plan.Changes[0].Action)
}

func TestResolveOutputs(t *testing.T) {
	store := newMemStore()

	dep := &ir.Deployment{
		Name:  "dev",
		Nodes: []*ir.ResourceNode{testNode("vault", "test", 0, nil)},
		Outputs: map[string]any{
			"vaultUri": "ref://vault/uri",
			"static":   "fixed",
		},
	}
	store.seed("dev", "vault", &ir.AppliedRecord{
		Kind: "test", Provider: "test", Fingerprint: "x",
		Outputs: map[string]any{"uri": "https://kv.example"},
	})

	out, err := ResolveOutputs(context.Background(), dep, store)
	require.NoError(t, err)
	assert.Equal(t, "https://kv.example", out["vaultUri"])
	assert.Equal(t, "fixed", out["static"])
}

func TestResolveOutputs_UnappliedReferenceFails(t *testing.T) {
	store := newMemStore()
	dep := &ir.Deployment{
		Name:    "dev",
		Outputs: map[string]any{"vaultUri": "ref://vault/uri"},
	}

	_, err := ResolveOutputs(context.Background(), dep, store)
	require.Error(t, err)
}

func TestCreatePlan_IgnoresGrantRecords(t *testing.T) {
	store := newMemStore()
	store.seed("dev", "grant:4kq0z9m2x7c1p", &ir.AppliedRecord{
		Kind:        KindRoleAssignment,
		Fingerprint: "4kq0z9m2x7c1p",
	})
	eng := newTestEngine(newFakeProvider())

	dep := &ir.Deployment{Name: "dev"}

	plan, err := eng.CreatePlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Zero(t, plan.Summary.Destroy)

	dplan, err := eng.CreateDestroyPlan(context.Background(), dep, store)
	require.NoError(t, err)
	assert.Empty(t, dplan.Changes)
}
