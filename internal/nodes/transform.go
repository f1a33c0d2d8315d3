package nodes

import (
	"context"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// TransformCapability evaluates a jq or expr expression over the resolved
// inputs. It has no side effects.
type TransformCapability struct {
	Engines *expressions.Set
}

func (t *TransformCapability) Type() schema.NodeType { return schema.NodeTypeTransform }

func (t *TransformCapability) Execute(ctx context.Context, node *schema.Node, inputs map[string]any) (*Result, error) {
	var cfg schema.TransformConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Engine == "cel" {
		return nil, invalidConfig(node, "engine must be jq or expr")
	}
	eng, err := t.Engines.Get(cfg.Engine)
	if err != nil {
		return nil, invalidConfig(node, "%v", err)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	out, err := eng.Evaluate(ctx, cfg.Expression, inputs)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}
