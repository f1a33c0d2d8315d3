// Package streaming fans out execution events to in-process subscribers.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while an execution runs.
type StreamEvent struct {
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	// Subscribe returns a channel of matching events and a cancel function
	// that closes it. Cancelling ctx cancels the subscription as well.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
