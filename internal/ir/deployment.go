package ir

// Deployment is the top-level desired-state description. One deployment
// maps 1:1 to one target environment and one state store namespace.
type Deployment struct {
	Name    string          `pkl:"name"`
	Nodes   []*ResourceNode `pkl:"nodes"`
	Outputs map[string]any  `pkl:"outputs"`
}

// Node returns the node with the given logical name, or nil.
func (d *Deployment) Node(name string) *ResourceNode {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// EnabledNodes returns the nodes whose enabled flag is unset or true.
func (d *Deployment) EnabledNodes() []*ResourceNode {
	out := make([]*ResourceNode, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.IsEnabled() {
			out = append(out, n)
		}
	}
	return out
}
