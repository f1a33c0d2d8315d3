package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/nodeflow/pkg/schema"
)

// ToolCapability runs tool nodes through a ToolInvoker. Static arguments from
// the config are overlaid by resolved inputs of the same name.
type ToolCapability struct {
	Invoker ToolInvoker
}

func (t *ToolCapability) Type() schema.NodeType { return schema.NodeTypeTool }

func (t *ToolCapability) Target(node *schema.Node) string {
	var cfg schema.ToolConfig
	if json.Unmarshal(node.Config, &cfg) != nil || cfg.Tool == "" {
		return ""
	}
	return "tool:" + cfg.Tool
}

func (t *ToolCapability) Execute(ctx context.Context, node *schema.Node, inputs map[string]any) (*Result, error) {
	var cfg schema.ToolConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Tool == "" {
		return nil, invalidConfig(node, "tool is required")
	}

	args := make(map[string]any, len(cfg.Arguments)+len(inputs))
	for k, v := range cfg.Arguments {
		args[k] = v
	}
	for k, v := range inputs {
		args[k] = v
	}

	out, err := t.Invoker.Invoke(ctx, cfg.Tool, args)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}
