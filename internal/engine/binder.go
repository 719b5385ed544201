package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/internal/ir"
	"github.com/tidemark-io/tidemark/internal/logging"
	"github.com/tidemark-io/tidemark/internal/provider"
	"github.com/tidemark-io/tidemark/internal/state"
)

// KindRoleAssignment is the node kind the executor routes through the
// access binder instead of the generic provisioning path.
const KindRoleAssignment = "role-assignment"

// grantKeyPrefix marks binder-owned records in the state store. They
// live next to node records but are not nodes; the planner ignores them.
const grantKeyPrefix = "grant:"

// Binder issues idempotent access grants. The composite key derived from
// (subject, role, scope) makes repeated applies converge on the same
// grant rather than piling up duplicates: with a Store attached, an
// already-recorded grant never reaches the provider at all; without one,
// the provider's deterministic grant identity still dedupes.
type Binder struct {
	Store    state.Store // optional record-keeping, keyed by GrantKey
	Provider provider.AccessBinder
}

// GrantKey is the stable composite identity of a grant.
func GrantKey(g provider.Grant) string {
	return grantKeyPrefix + NamingToken(g.Subject, g.Role, g.Scope)
}

// Grant ensures the access relationship exists. Idempotent by
// construction: the grant's provider-side name is derived from the same
// composite key, so re-issuing converges on the existing assignment.
func (b *Binder) Grant(ctx context.Context, deployment string, g provider.Grant) (*provider.Response, error) {
	key := GrantKey(g)

	if b.Store != nil {
		rec, err := b.Store.Get(ctx, deployment, key)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("failed to read grant record %s: %w", key, err)
		}
		if rec.HasOutputs() {
			logging.Debug("grant already recorded", "key", key)
			return &provider.Response{ProviderID: rec.ProviderID, Outputs: rec.Outputs}, nil
		}
	}

	resp, err := b.Provider.GrantAccess(ctx, deployment, g)
	if err != nil {
		return nil, err
	}

	if b.Store != nil {
		var version int64
		if rec, gerr := b.Store.Get(ctx, deployment, key); gerr == nil {
			version = rec.Version
		}
		rec := &ir.AppliedRecord{
			Kind:        KindRoleAssignment,
			Fingerprint: NamingToken(g.Subject, g.Role, g.Scope),
			ProviderID:  resp.ProviderID,
			Outputs:     resp.Outputs,
			Status:      ir.StatusSucceeded,
			Version:     version,
			UpdatedAt:   time.Now().UTC(),
		}
		if perr := b.Store.Put(ctx, deployment, key, rec); perr != nil {
			return nil, fmt.Errorf("failed to record grant %s: %w", key, perr)
		}
	}
	return resp, nil
}

// Revoke removes the access relationship. A revoke with no matching
// record is a no-op when a Store is attached.
func (b *Binder) Revoke(ctx context.Context, deployment string, g provider.Grant) error {
	key := GrantKey(g)

	if b.Store != nil {
		if _, err := b.Store.Get(ctx, deployment, key); errors.Is(err, state.ErrNotFound) {
			return nil
		}
	}

	if err := b.Provider.RevokeAccess(ctx, deployment, g); err != nil {
		return err
	}

	if b.Store != nil {
		if err := b.Store.Delete(ctx, deployment, key); err != nil && !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("failed to delete grant record %s: %w", key, err)
		}
	}
	return nil
}

// grantFromInputs reads the binder triple out of a role-assignment
// node's resolved inputs.
func grantFromInputs(node string, inputs map[string]any) (provider.Grant, error) {
	g := provider.Grant{}
	var ok bool
	if g.Subject, ok = inputs["subject"].(string); !ok || g.Subject == "" {
		return g, &PermanentProviderError{Err: fmt.Errorf("node %s: role assignment requires a subject input", node)}
	}
	if g.Role, ok = inputs["role"].(string); !ok || g.Role == "" {
		return g, &PermanentProviderError{Err: fmt.Errorf("node %s: role assignment requires a role input", node)}
	}
	if g.Scope, ok = inputs["scope"].(string); !ok || g.Scope == "" {
		return g, &PermanentProviderError{Err: fmt.Errorf("node %s: role assignment requires a scope input", node)}
	}
	return g, nil
}
