package ir

// ResourceNode describes a single provisionable unit. Nodes are loaded
// from the manifest and immutable within one planning cycle.
type ResourceNode struct {
	Name      string         `pkl:"name"`     // stable logical identity, unique per deployment
	Kind      string         `pkl:"kind"`     // e.g. "storage-account", "key-vault"
	Provider  string         `pkl:"provider"` // provider name; defaults to "azure"
	Phase     int            `pkl:"phase"`
	Enabled   *bool          `pkl:"enabled"` // nil means enabled
	DependsOn []string       `pkl:"dependsOn"`
	Inputs    map[string]any `pkl:"inputs"` // literal values or ref:// references
	Timeout   string         `pkl:"timeout"`
}

// IsEnabled reports whether the node participates in the graph.
func (n *ResourceNode) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// ProviderName returns the provider, defaulting to "azure".
func (n *ResourceNode) ProviderName() string {
	if n.Provider == "" {
		return "azure"
	}
	return n.Provider
}
