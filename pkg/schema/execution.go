package schema

import "time"

// Event type constants for the execution event stream.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"

	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeSkipped   = "node.skipped"
	EventNodeRetrying  = "node.retrying"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Execution is one run of a workflow against a single snapshot.
type Execution struct {
	ID              string               `json:"id"`
	WorkflowID      string               `json:"workflow_id"`
	SnapshotRef     string               `json:"snapshot_ref"`
	Status          ExecutionStatus      `json:"status"`
	Inputs          map[string]any       `json:"inputs,omitempty"`
	Outputs         []NodeOutput         `json:"outputs"`
	Errors          map[string]NodeError `json:"errors,omitempty"`
	Skipped         []string             `json:"skipped,omitempty"`
	CancelRequested bool                 `json:"cancel_requested,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	TotalDuration   int64                `json:"total_duration_ms,omitempty"`
}

// NodeOutput is the recorded result of one successfully executed node.
// Outputs keep completion order.
type NodeOutput struct {
	NodeID      string    `json:"node_id"`
	Output      any       `json:"output"`
	Attempts    int       `json:"attempts"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// NodeError is the recorded failure of one node.
type NodeError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// ExecutionSummary is the entry appended to a workflow's history when an
// execution reaches a terminal state.
type ExecutionSummary struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Output returns the recorded output of nodeID.
func (e *Execution) Output(nodeID string) (any, bool) {
	for _, o := range e.Outputs {
		if o.NodeID == nodeID {
			return o.Output, true
		}
	}
	return nil, false
}

// HasResult reports whether nodeID already has an output or error recorded.
func (e *Execution) HasResult(nodeID string) bool {
	if _, ok := e.Errors[nodeID]; ok {
		return true
	}
	_, ok := e.Output(nodeID)
	return ok
}

// OutputMap returns the outputs keyed by node id.
func (e *Execution) OutputMap() map[string]any {
	m := make(map[string]any, len(e.Outputs))
	for _, o := range e.Outputs {
		m[o.NodeID] = o.Output
	}
	return m
}

// Summary returns the history entry for e.
func (e *Execution) Summary() ExecutionSummary {
	return ExecutionSummary{ExecutionID: e.ID, Status: e.Status, CompletedAt: e.CompletedAt}
}
