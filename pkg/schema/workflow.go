package schema

import (
	"encoding/json"
	"time"
)

// Workflow is a named, owned graph of nodes and edges.
// The scheduler never mutates it; only explicit updates and the execution
// history hook do.
type Workflow struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	OwnerID     string             `json:"owner_id"`
	Nodes       []Node             `json:"nodes"`
	Edges       []Edge             `json:"edges,omitempty"`
	Status      WorkflowStatus     `json:"status"`
	InputSchema json.RawMessage    `json:"input_schema,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Executions  []ExecutionSummary `json:"executions,omitempty"`
}

// WorkflowDefinition is the user-supplied part of a workflow: everything
// except identity, status, timestamps and history.
type WorkflowDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	OwnerID     string          `json:"owner_id"`
	Nodes       []Node          `json:"nodes"`
	Edges       []Edge          `json:"edges,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Definition returns the definition fields of w.
func (w *Workflow) Definition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Name:        w.Name,
		Description: w.Description,
		OwnerID:     w.OwnerID,
		Nodes:       w.Nodes,
		Edges:       w.Edges,
		InputSchema: w.InputSchema,
	}
}

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPublished WorkflowStatus = "published"
	WorkflowStatusArchived  WorkflowStatus = "archived"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusPublished, WorkflowStatusArchived:
		return true
	}
	return false
}

// NodeType selects the capability that executes a node.
type NodeType string

const (
	NodeTypeAgent       NodeType = "agent"
	NodeTypeTool        NodeType = "tool"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeConditional NodeType = "conditional"
)

// Node is one unit of work inside a workflow.
type Node struct {
	ID      string          `json:"id"`
	Type    NodeType        `json:"type"`
	Config  json.RawMessage `json:"config,omitempty"`
	Inputs  []string        `json:"inputs,omitempty"` // required input names
	Timeout string          `json:"timeout,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
}

// RetryPolicy configures retries of transient node failures.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"` // exponential | linear | constant (default: exponential)
	Delay       string `json:"delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// Edge carries a source node's output into a target node's input slots.
// An empty Mapping binds the whole source output to the slot named after the
// source node; a "*" source field binds the whole output to its slot.
type Edge struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Target  string            `json:"target"`
	Guard   string            `json:"guard,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

// WholeOutput is the mapping key that selects a source node's entire output.
const WholeOutput = "*"

// WorkflowPatch holds the mutable fields of a workflow. Nil means unchanged.
type WorkflowPatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Status      *WorkflowStatus `json:"status,omitempty"`
	Nodes       []Node          `json:"nodes,omitempty"`
	Edges       []Edge          `json:"edges,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Snapshot is the immutable copy of a workflow graph an execution runs against.
type Snapshot struct {
	Ref        string    `json:"ref"`
	WorkflowID string    `json:"workflow_id"`
	Nodes      []Node    `json:"nodes"`
	Edges      []Edge    `json:"edges"`
	TakenAt    time.Time `json:"taken_at"`
}

// Snapshot returns a deep copy of the workflow's graph.
func (w *Workflow) Snapshot(ref string, now time.Time) *Snapshot {
	return &Snapshot{
		Ref:        ref,
		WorkflowID: w.ID,
		Nodes:      CloneNodes(w.Nodes),
		Edges:      CloneEdges(w.Edges),
		TakenAt:    now,
	}
}

// CloneNodes deep-copies a node slice.
func CloneNodes(in []Node) []Node {
	if in == nil {
		return nil
	}
	out := make([]Node, len(in))
	for i, n := range in {
		out[i] = n
		if n.Config != nil {
			out[i].Config = append(json.RawMessage(nil), n.Config...)
		}
		if n.Inputs != nil {
			out[i].Inputs = append([]string(nil), n.Inputs...)
		}
		if n.Retry != nil {
			r := *n.Retry
			out[i].Retry = &r
		}
	}
	return out
}

// CloneEdges deep-copies an edge slice.
func CloneEdges(in []Edge) []Edge {
	if in == nil {
		return nil
	}
	out := make([]Edge, len(in))
	for i, e := range in {
		out[i] = e
		if e.Mapping != nil {
			m := make(map[string]string, len(e.Mapping))
			for k, v := range e.Mapping {
				m[k] = v
			}
			out[i].Mapping = m
		}
	}
	return out
}

// AgentConfig is the config block for agent nodes.
type AgentConfig struct {
	AgentID     string `json:"agent_id"`
	Message     string `json:"message,omitempty"`
	MessageFrom string `json:"message_from,omitempty"` // input slot holding the message
}

// ToolConfig is the config block for tool nodes.
type ToolConfig struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// TransformConfig is the config block for transform nodes.
type TransformConfig struct {
	Engine     string `json:"engine,omitempty"` // jq | expr (default: jq)
	Expression string `json:"expression"`
}

// ConditionalConfig is the config block for conditional nodes.
type ConditionalConfig struct {
	Expression string `json:"expression"` // CEL, must yield a bool
}
