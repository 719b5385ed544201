package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// ConfigurationError marks fatal desired-state errors detected before
// planning. They are never retried.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// CyclicDependencyError reports a dependency cycle in the node graph.
type CyclicDependencyError struct {
	Cycle []string // node names along the cycle, first repeated last
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// DisabledDependencyError reports an enabled node depending on a node
// that was pruned because its enabled flag is false.
type DisabledDependencyError struct {
	Node       string
	Dependency string
}

func (e *DisabledDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on disabled node %q", e.Node, e.Dependency)
}

// UnresolvedReferenceError reports a reference to a node or output that
// does not exist in the deployment.
type UnresolvedReferenceError struct {
	Node string
	Ref  string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("node %q references %q which does not exist", e.Node, e.Ref)
}

// TimeoutError reports that a node apply exceeded its per-node timeout.
type TimeoutError struct {
	Node    string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %q timed out after %s", e.Node, e.Timeout)
}

// TransientProviderError wraps a provider error worth retrying: rate
// limits, timeouts, transport failures.
type TransientProviderError struct {
	Err error
}

func (e *TransientProviderError) Error() string { return e.Err.Error() }
func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentProviderError wraps a provider error that retrying cannot fix:
// invalid input, quota exhausted.
type PermanentProviderError struct {
	Err error
}

func (e *PermanentProviderError) Error() string { return e.Err.Error() }
func (e *PermanentProviderError) Unwrap() error { return e.Err }

// ConflictError wraps an error signalling that an external actor mutated
// state underneath us. Surfaced immediately, never retried.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err belongs to the fatal pre-plan
// class (cycles, disabled or unresolved references).
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	var cyc *CyclicDependencyError
	var dis *DisabledDependencyError
	var unres *UnresolvedReferenceError
	return errors.As(err, &ce) || errors.As(err, &cyc) || errors.As(err, &dis) || errors.As(err, &unres)
}

// ClassifyProviderError wraps a raw provider error into the taxonomy.
// HTTP-aware classification uses the ARM response status; anything else
// falls back to message-based heuristics.
func ClassifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *TransientProviderError, *PermanentProviderError, *ConflictError:
		return err
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 409:
			return &ConflictError{Err: err}
		case respErr.StatusCode == 429 || respErr.StatusCode >= 500:
			return &TransientProviderError{Err: err}
		default:
			return &PermanentProviderError{Err: err}
		}
	}

	if IsTransientError(err) {
		return &TransientProviderError{Err: err}
	}
	return &PermanentProviderError{Err: err}
}

// IsTransientError checks if an error message looks like a throttling or
// network failure. Used when no structured status is available.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"throttl",
		"rate exceed",
		"too many requests",
		"request limit",
		"service unavailable",
		"internal server error",
		"connection reset",
		"connection refused",
		"timeout",
		"tls handshake",
		"i/o timeout",
		"temporary failure",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldRetry reports whether the executor's retry loop should try again.
func shouldRetry(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}
