// ABOUTME: Builds a run's dataflow graph: marker and step nodes with edges derived from recorded bindings.
// ABOUTME: The graph is an arena of integer-indexed node records plus an explicit edge list, rebuilt on demand.
package pipeline

// FlowNodeKind distinguishes the two node types in a flow graph.
type FlowNodeKind string

const (
	FlowStep   FlowNodeKind = "step"
	FlowMarker FlowNodeKind = "marker"
)

// FlowNode is one node in the arena. ID is its index in Flow.Nodes.
type FlowNode struct {
	ID     int          `json:"id"`
	Kind   FlowNodeKind `json:"kind"`
	Name   string       `json:"name"`
	Status string       `json:"status"`
	Tool   string       `json:"tool,omitempty"`
}

// FlowEdge connects two nodes by arena index. Param names the tool input
// for marker-to-step edges; it is empty on output edges.
type FlowEdge struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Param string `json:"param,omitempty"`
}

// Flow is the dataflow graph of one run.
type Flow struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

// BuildFlow reconstructs the graph from a run's step history. Step inputs
// are matched to markers by recorded backing path (literal bindings produce
// no edge); step outputs are matched by marker name.
func BuildFlow(run *Run) *Flow {
	flow := &Flow{}

	byName := make(map[string]int, len(run.Nodes))
	byPath := make(map[string]int, len(run.Nodes))
	for _, mk := range run.Nodes {
		id := len(flow.Nodes)
		flow.Nodes = append(flow.Nodes, FlowNode{
			ID:     id,
			Kind:   FlowMarker,
			Name:   mk.Name,
			Status: string(mk.State),
		})
		byName[mk.Name] = id
		byPath[mk.FileName] = id
	}

	for _, step := range run.StateSteps {
		stepID := len(flow.Nodes)
		flow.Nodes = append(flow.Nodes, FlowNode{
			ID:     stepID,
			Kind:   FlowStep,
			Name:   step.Name,
			Status: string(step.Status),
			Tool:   step.ToolName,
		})

		for _, param := range sortedKeys(step.Data.In) {
			if markerID, ok := byPath[step.Data.In[param]]; ok {
				flow.Edges = append(flow.Edges, FlowEdge{From: markerID, To: stepID, Param: param})
			}
		}
		for _, name := range sortedKeys(step.Data.Out) {
			if markerID, ok := byName[name]; ok {
				flow.Edges = append(flow.Edges, FlowEdge{From: stepID, To: markerID})
			}
		}
	}
	return flow
}
