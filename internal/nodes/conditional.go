package nodes

import (
	"context"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ConditionalCapability evaluates a CEL predicate over the resolved inputs.
// A false result short-circuits every dependent of the node.
type ConditionalCapability struct {
	CEL *expressions.CELEngine
}

func (c *ConditionalCapability) Type() schema.NodeType { return schema.NodeTypeConditional }

func (c *ConditionalCapability) Execute(ctx context.Context, node *schema.Node, inputs map[string]any) (*Result, error) {
	var cfg schema.ConditionalConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	ok, err := c.CEL.EvaluateBool(ctx, cfg.Expression, map[string]any{
		"inputs": inputs,
		"workflow": map[string]any{
			"workflow_id":  logging.WorkflowID(ctx),
			"execution_id": logging.ExecutionID(ctx),
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{"result": ok}, ShortCircuit: !ok}, nil
}
