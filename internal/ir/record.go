package ir

import "time"

// RecordStatus is the terminal status of a node's last provisioning call.
type RecordStatus string

const (
	StatusSucceeded RecordStatus = "succeeded"
	StatusFailed    RecordStatus = "failed"
	StatusDestroyed RecordStatus = "destroyed"
)

// AppliedRecord is the durable per-node record kept by the state store.
// It is written only by the executor, after a provisioning call completes.
type AppliedRecord struct {
	Kind         string         `json:"kind"`
	Provider     string         `json:"provider"`
	Fingerprint  string         `json:"fingerprint"`
	ProviderID   string         `json:"providerId,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"` // last resolved inputs, kept for diffing
	Outputs      map[string]any `json:"outputs,omitempty"`
	Status       RecordStatus   `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Version      int64          `json:"version"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// HasOutputs reports whether the record exposes outputs to dependents.
// Outputs are defined iff the last apply succeeded.
func (r *AppliedRecord) HasOutputs() bool {
	return r != nil && r.Status == StatusSucceeded
}
