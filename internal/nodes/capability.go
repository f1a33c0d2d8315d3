// Package nodes holds the node capabilities: one implementation per node
// type, looked up by the executor through a Registry.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Capability executes every node of one type.
type Capability interface {
	Type() schema.NodeType
	Execute(ctx context.Context, node *schema.Node, inputs map[string]any) (*Result, error)
}

// Targeter is implemented by capabilities that call an external target.
// The executor keys circuit breakers by the returned name.
type Targeter interface {
	Target(node *schema.Node) string
}

// Result is the outcome of one successful node execution.
type Result struct {
	Output any
	// ShortCircuit marks every dependent of the node as skipped.
	ShortCircuit bool
}

// AgentInvoker calls an agent with a message and the node's resolved inputs.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, message string, context map[string]any) (any, error)
}

// ToolInvoker calls a named tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, arguments map[string]any) (any, error)
}

// AgentInvokerFunc adapts a function to AgentInvoker.
type AgentInvokerFunc func(ctx context.Context, agentID, message string, context map[string]any) (any, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, agentID, message string, c map[string]any) (any, error) {
	return f(ctx, agentID, message, c)
}

// ToolInvokerFunc adapts a function to ToolInvoker.
type ToolInvokerFunc func(ctx context.Context, toolName string, arguments map[string]any) (any, error)

func (f ToolInvokerFunc) Invoke(ctx context.Context, toolName string, arguments map[string]any) (any, error) {
	return f(ctx, toolName, arguments)
}

// Registry maps node types to capabilities. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[schema.NodeType]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[schema.NodeType]Capability)}
}

// Register adds a capability. Registering a type twice is a CONFLICT.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	t := c.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", t)
	}
	r.caps[t] = c
	return nil
}

// Get returns the capability for t, or UNKNOWN_NODE_TYPE.
func (r *Registry) Get(t schema.NodeType) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node type %q not registered", t)
	}
	return c, nil
}

// Types lists the registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.NodeType, 0, len(r.caps))
	for t := range r.caps {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// decodeConfig unmarshals a node's config block. Failures are INVALID_CONFIG,
// which the executor never retries.
func decodeConfig(node *schema.Node, v any) error {
	if len(node.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "%s node has no config", node.Type).WithNode(node.ID)
	}
	if err := json.Unmarshal(node.Config, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "%s node has invalid config: %v", node.Type, err).
			WithNode(node.ID).WithCause(err)
	}
	return nil
}

func invalidConfig(node *schema.Node, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInvalidConfig, "%s node: %s", node.Type, fmt.Sprintf(format, args...)).WithNode(node.ID)
}
