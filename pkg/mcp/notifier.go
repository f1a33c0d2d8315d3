package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ExecutionNotifier pushes execution events to the MCP session that started
// the execution.
type ExecutionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewExecutionNotifier creates a notifier over mcpServer.
func NewExecutionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *ExecutionNotifier {
	return &ExecutionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends ev to its execution's session.
// Best-effort: returns nil if no session started the execution.
func (n *ExecutionNotifier) Notify(_ context.Context, ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	if isTerminal(ev.EventType) {
		defer n.sessions.Forget(ev.ExecutionID)
	}

	payload := map[string]any{
		"level":  "info",
		"logger": "nodeflow",
		"data":   ev,
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away; nothing left to notify.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func isTerminal(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}
