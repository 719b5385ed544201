package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidemark-io/tidemark/internal/ir"
)

// ErrNotFound is returned by Get when no record exists for the node.
var ErrNotFound = errors.New("record not found")

// StaleWriteError is returned by Put when the record's version does not
// match the stored one: a concurrent or retried apply raced us. It is
// surfaced immediately, never retried.
type StaleWriteError struct {
	Deployment string
	Node       string
	Expected   int64
	Actual     int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for %s/%s: version %d, store has %d",
		e.Deployment, e.Node, e.Expected, e.Actual)
}

// Store is the durable record of last-applied node identities and output
// values. Single-key operations are linearizable with respect to one
// deployment; no two executors run against the same deployment at once,
// which Lock enforces.
//
// Put is compare-and-set: the record's Version must equal the stored
// version (0 for a new record). On success the stored version is bumped
// by one.
type Store interface {
	Get(ctx context.Context, deployment, node string) (*ir.AppliedRecord, error)
	Put(ctx context.Context, deployment, node string, rec *ir.AppliedRecord) error
	Delete(ctx context.Context, deployment, node string) error
	List(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, error)

	Lock(deployment string) error
	Unlock(deployment string) error
}
