package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Node statuses used by the overlay.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusPending   = "pending"
)

// Build constructs a DiagramModel from a workflow graph and an optional
// execution. It uses engine.ValidateGraph for the stage layout, so invalid
// graphs are rejected with the same errors as at execute time.
func Build(title string, nodes []schema.Node, edges []schema.Edge, exec *schema.Execution) (*DiagramModel, error) {
	plan, err := engine.ValidateGraph(nodes, edges)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	if title == "" {
		title = "Workflow"
	}

	model := &DiagramModel{Title: title}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, stage := range plan.Stages {
		for _, id := range stage {
			n := plan.Nodes[id]
			node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type)}
			overlayStatus(node, exec)
			model.Nodes = append(model.Nodes, node)
		}
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(plan)
	model.Levels = buildLevels(plan)
	return model, nil
}

// BuildWorkflow is Build over a stored workflow.
func BuildWorkflow(wf *schema.Workflow, exec *schema.Execution) (*DiagramModel, error) {
	return Build(wf.Name, wf.Nodes, wf.Edges, exec)
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeAgent:
		return NodeKindAgent
	case schema.NodeTypeConditional:
		return NodeKindConditional
	case schema.NodeTypeTransform:
		return NodeKindTransform
	default:
		return NodeKindTool
	}
}

// nodeLabel is "id\n(type)"; renderers that need one line use the id only.
func nodeLabel(n *schema.Node) string {
	return fmt.Sprintf("%s\n(%s)", n.ID, n.Type)
}

// overlayStatus applies the recorded state of node in exec.
func overlayStatus(node *Node, exec *schema.Execution) {
	if exec == nil {
		return
	}
	for _, o := range exec.Outputs {
		if o.NodeID == node.ID {
			node.Status = &StatusOverlay{Status: StatusCompleted, DurationMs: o.DurationMs, Attempts: o.Attempts}
			return
		}
	}
	if e, ok := exec.Errors[node.ID]; ok {
		node.Status = &StatusOverlay{Status: StatusFailed, Attempts: e.Attempts, Error: e.Message}
		return
	}
	for _, id := range exec.Skipped {
		if id == node.ID {
			node.Status = &StatusOverlay{Status: StatusSkipped}
			return
		}
	}
	node.Status = &StatusOverlay{Status: StatusPending}
}

// buildEdges returns the graph edges plus start→root and leaf→end edges, in
// a stable order.
func buildEdges(plan *engine.StagePlan) []Edge {
	var edges []Edge
	for _, stage := range plan.Stages {
		for _, id := range stage {
			if len(plan.Incoming[id]) == 0 {
				edges = append(edges, Edge{From: startID, To: id})
			}
		}
	}
	for _, stage := range plan.Stages {
		for _, id := range stage {
			out := append([]schema.Edge(nil), plan.Outgoing[id]...)
			sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
			for _, e := range out {
				edges = append(edges, Edge{From: e.Source, To: e.Target, Label: e.Guard})
			}
		}
	}
	for _, stage := range plan.Stages {
		for _, id := range stage {
			if len(plan.Outgoing[id]) == 0 {
				edges = append(edges, Edge{From: id, To: endID})
			}
		}
	}
	return edges
}

// buildLevels wraps the stages with virtual start/end levels.
func buildLevels(plan *engine.StagePlan) [][]string {
	levels := make([][]string, 0, len(plan.Stages)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, plan.Stages...)
	levels = append(levels, []string{endID})
	return levels
}
