// Package models defines the core domain models for patient journey flow execution.
package models

import (
	"fmt"
	"time"
)

// FlowDefinition is a directed graph of typed steps authored for a clinic.
// The execution engine treats a definition as immutable for the lifetime of
// every execution started against it.
type FlowDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"       validate:"required,min=3"`
	Nodes     []*Node   `json:"nodes"      validate:"required,min=1"`
	Edges     []*Edge   `json:"edges"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Edge connects two nodes. SourceHandle identifies which condition or option
// emitted the edge on branching nodes (e.g. "condition-0").
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source" validate:"required"`
	Target       string `json:"target" validate:"required"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// ConditionHandle returns the source handle assigned to the condition at the
// given position of a conditions node.
func ConditionHandle(index int) string {
	return fmt.Sprintf("condition-%d", index)
}

// Node returns the node with the given ID, or nil.
func (f *FlowDefinition) Node(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// StartNode returns the flow's entry node, or nil if the definition has none.
func (f *FlowDefinition) StartNode() *Node {
	for _, n := range f.Nodes {
		if n.Type == NodeTypeStart {
			return n
		}
	}

	return nil
}

// OutgoingEdges returns every edge leaving the given node, in declaration order.
func (f *FlowDefinition) OutgoingEdges(nodeID string) []*Edge {
	edges := make([]*Edge, 0)

	for _, e := range f.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}

	return edges
}

// OutgoingEdge resolves the edge leaving nodeID. With a handle it returns the
// edge carrying that source handle. Without one it returns the node's single
// default edge; more than one candidate is ambiguous and an error rather than
// a silent "first edge wins".
func (f *FlowDefinition) OutgoingEdge(nodeID, handle string) (*Edge, error) {
	if handle != "" {
		for _, e := range f.Edges {
			if e.Source == nodeID && e.SourceHandle == handle {
				return e, nil
			}
		}

		return nil, nil
	}

	var found *Edge

	for _, e := range f.Edges {
		if e.Source != nodeID {
			continue
		}

		if found != nil {
			return nil, fmt.Errorf("node %s has more than one default outgoing edge", nodeID)
		}

		found = e
	}

	return found, nil
}

// TotalSteps counts the nodes reachable from the start node, excluding the
// start node itself. This is the denominator for execution progress.
func (f *FlowDefinition) TotalSteps() int {
	start := f.StartNode()
	if start == nil {
		return 0
	}

	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range f.Edges {
			if e.Source != current || seen[e.Target] {
				continue
			}

			seen[e.Target] = true
			queue = append(queue, e.Target)
		}
	}

	return len(seen) - 1
}

// Validate checks the structural invariants the engine relies on: exactly one
// start node, unique node IDs, edges referencing existing nodes, one edge per
// configured condition, and a single default edge on non-branching nodes.
func (f *FlowDefinition) Validate() error {
	starts := 0
	ids := make(map[string]bool, len(f.Nodes))

	for _, n := range f.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}

		ids[n.ID] = true

		if n.Type == NodeTypeStart {
			starts++
		}
	}

	if starts != 1 {
		return fmt.Errorf("flow must have exactly one start node, found %d", starts)
	}

	for _, e := range f.Edges {
		if !ids[e.Source] {
			return fmt.Errorf("edge %s references unknown source node %s", e.ID, e.Source)
		}

		if !ids[e.Target] {
			return fmt.Errorf("edge %s references unknown target node %s", e.ID, e.Target)
		}
	}

	for _, n := range f.Nodes {
		if err := f.validateNodeEdges(n); err != nil {
			return err
		}
	}

	return nil
}

func (f *FlowDefinition) validateNodeEdges(n *Node) error {
	edges := f.OutgoingEdges(n.ID)

	switch n.Type {
	case NodeTypeEnd:
		if len(edges) > 0 {
			return fmt.Errorf("end node %s must not have outgoing edges", n.ID)
		}
	case NodeTypeConditions:
		cfg, err := n.ConditionsConfig()
		if err != nil {
			return fmt.Errorf("conditions node %s: %w", n.ID, err)
		}

		handles := make(map[string]bool, len(edges))
		for _, e := range edges {
			handles[e.SourceHandle] = true
		}

		for i := range cfg.Entries() {
			if !handles[ConditionHandle(i)] {
				return fmt.Errorf("conditions node %s: condition %d has no outgoing edge", n.ID, i)
			}
		}
	case NodeTypeSpecialConditions:
		if len(edges) > 1 {
			return fmt.Errorf("special conditions node %s must have a single outgoing edge", n.ID)
		}
	default:
		if len(edges) > 1 {
			return fmt.Errorf("node %s (%s) has %d outgoing edges, expected at most one", n.ID, n.Type, len(edges))
		}
	}

	return nil
}
