// Package graph models the node-graph workflow format accepted by the
// execution engine: a map of node IDs to declared node types and inputs.
package graph

// Node is a single unit of work inside a workflow. Inputs hold either JSON
// literals or upstream links of the form ["node_id", output_index].
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is a workflow keyed by node ID.
type Graph map[string]Node

// Clone returns a deep copy of the graph so callers can keep an immutable
// snapshot while the submitted copy is mutated (seed injection).
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	out := make(Graph, len(g))
	for id, node := range g {
		cp := Node{ClassType: node.ClassType}
		if node.Inputs != nil {
			cp.Inputs = make(map[string]any, len(node.Inputs))
			for k, v := range node.Inputs {
				cp.Inputs[k] = v
			}
		}
		out[id] = cp
	}
	return out
}

// NodeIDs returns the node IDs in map order. Callers that need a stable
// order must sort the result.
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	return ids
}

// ClassTypeOf resolves a node's declared type, falling back to the node ID
// when the node is unknown or has no type.
func (g Graph) ClassTypeOf(nodeID string) string {
	node, ok := g[nodeID]
	if !ok || node.ClassType == "" {
		return nodeID
	}
	return node.ClassType
}

// Validator checks a workflow before submission. Validation semantics belong
// to the execution engine; this package only defines the contract.
type Validator interface {
	Validate(g Graph) error
}
