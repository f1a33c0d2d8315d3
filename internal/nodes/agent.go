package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/nodeflow/pkg/schema"
)

// AgentCapability runs agent nodes through an AgentInvoker.
// The message is either static (config.message) or read from an input slot
// (config.message_from); all resolved inputs are passed as the agent context.
type AgentCapability struct {
	Invoker AgentInvoker
}

func (a *AgentCapability) Type() schema.NodeType { return schema.NodeTypeAgent }

func (a *AgentCapability) Target(node *schema.Node) string {
	var cfg schema.AgentConfig
	if json.Unmarshal(node.Config, &cfg) != nil || cfg.AgentID == "" {
		return ""
	}
	return "agent:" + cfg.AgentID
}

func (a *AgentCapability) Execute(ctx context.Context, node *schema.Node, inputs map[string]any) (*Result, error) {
	var cfg schema.AgentConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.AgentID == "" {
		return nil, invalidConfig(node, "agent_id is required")
	}

	message := cfg.Message
	if cfg.MessageFrom != "" {
		v, ok := inputs[cfg.MessageFrom]
		if !ok {
			return nil, invalidConfig(node, "message_from slot %q not present in inputs", cfg.MessageFrom)
		}
		message = stringify(v)
	}
	if message == "" {
		return nil, invalidConfig(node, "message or message_from is required")
	}

	out, err := a.Invoker.Invoke(ctx, cfg.AgentID, message, inputs)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

// stringify renders a slot value as an agent message: strings pass through,
// everything else is JSON-encoded.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
