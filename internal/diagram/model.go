// Package diagram renders workflow graphs as ASCII, Mermaid or PNG, with an
// optional execution status overlay.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindAgent       NodeKind = "agent"
	NodeKindTool        NodeKind = "tool"
	NodeKindTransform   NodeKind = "transform"
	NodeKindConditional NodeKind = "conditional"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Levels are the execution stages framed by the virtual start and end nodes.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded state of a node in one execution.
type StatusOverlay struct {
	Status     string // completed | failed | skipped | pending
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a data dependency between two nodes. Label holds the guard, if any.
type Edge struct {
	From  string
	To    string
	Label string
}
