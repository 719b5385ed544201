package provider

import "context"

// Request carries a node's resolved inputs to a provider. All calls must
// be safely retryable: providers are idempotent per their own identity or
// derive one deterministically from the request.
type Request struct {
	Deployment   string
	Node         string
	Kind         string
	Inputs       map[string]any
	PriorID      string // provider identity from the last successful apply, if any
	PriorOutputs map[string]any
}

// Response is the result of a successful create-or-update.
type Response struct {
	ProviderID string
	Outputs    map[string]any
}

// DestroyRequest identifies a previously provisioned resource.
type DestroyRequest struct {
	Deployment string
	Node       string
	Kind       string
	ProviderID string
	Outputs    map[string]any
}

// Interface is the narrow contract between the engine and a cloud
// control plane.
type Interface interface {
	// Kinds lists the node kinds this provider can provision.
	Kinds() []string

	// CreateOrUpdate converges one resource toward its resolved inputs.
	CreateOrUpdate(ctx context.Context, req *Request) (*Response, error)

	// Destroy tears down a previously provisioned resource. Destroying a
	// resource that is already gone is not an error.
	Destroy(ctx context.Context, req *DestroyRequest) error
}

// Grant is an access relationship: subject gets role at scope.
type Grant struct {
	Subject string // principal object ID
	Role    string // role definition, name or full ID
	Scope   string // resource or scope path the role applies to
}

// AccessBinder is implemented by providers that can issue access grants.
// GrantAccess must be idempotent per (subject, role, scope); the engine
// additionally keys grants in the state store so repeated applies never
// reach the provider at all.
type AccessBinder interface {
	GrantAccess(ctx context.Context, deployment string, g Grant) (*Response, error)
	RevokeAccess(ctx context.Context, deployment string, g Grant) error
}
