package ir

import "time"

// OutcomeStatus is the terminal status of one change-set entry.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"   // never attempted: a predecessor failed
	OutcomeCancelled OutcomeStatus = "cancelled" // never attempted: run cancelled
	OutcomeNoOp      OutcomeStatus = "noop"
)

// Outcome is the per-node result of an apply or destroy run.
type Outcome struct {
	Node     string
	Action   Action
	Status   OutcomeStatus
	Err      error
	Duration time.Duration
}

// RunResult aggregates per-node outcomes for one run. Node-level failures
// never abort sibling branches; the caller decides whether a partial
// success is acceptable.
type RunResult struct {
	Outcomes []*Outcome
}

// Outcome returns the outcome for a node, or nil.
func (r *RunResult) Outcome(node string) *Outcome {
	for _, o := range r.Outcomes {
		if o.Node == node {
			return o
		}
	}
	return nil
}

// Failed reports whether any entry reached a Failed terminal outcome.
func (r *RunResult) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == OutcomeFailed {
			return true
		}
	}
	return false
}

// Clean reports whether every entry succeeded or was a no-op.
func (r *RunResult) Clean() bool {
	for _, o := range r.Outcomes {
		if o.Status != OutcomeSucceeded && o.Status != OutcomeNoOp {
			return false
		}
	}
	return true
}

// Count returns the number of outcomes with the given status.
func (r *RunResult) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
