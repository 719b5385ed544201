package ir

// Action is the planned operation for a single node.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
	ActionNoOp    Action = "noop"
)

// NodeChange is one entry of a change set. It is produced by the planner
// and never mutated afterwards.
type NodeChange struct {
	Node         string         `json:"node"`
	Kind         string         `json:"kind"`
	Provider     string         `json:"provider"`
	Phase        int            `json:"phase"`
	Action       Action         `json:"action"`
	Reason       string         `json:"reason"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"` // declared inputs; references re-resolved at apply time
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`
	Diff         map[string]*PropertyDiff
}

// PropertyDiff describes the change of a single input between the last
// applied record and the desired state.
type PropertyDiff struct {
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Action string `json:"action"` // "create", "update", "delete"
}

// Plan is an ordered change set: create/update entries in topological
// order followed by destroy entries in reverse topological order.
type Plan struct {
	Deployment string         `json:"deployment"`
	Timestamp  string         `json:"timestamp"`
	Changes    []*NodeChange  `json:"changes"`
	Summary    *PlanSummary   `json:"summary"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// Empty reports whether the plan contains no actionable change.
func (p *Plan) Empty() bool {
	for _, c := range p.Changes {
		if c.Action != ActionNoOp {
			return false
		}
	}
	return true
}
