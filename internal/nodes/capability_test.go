package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

func cfg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func engines(t *testing.T) *expressions.Set {
	t.Helper()
	s, err := expressions.NewSet()
	require.NoError(t, err)
	return s
}

// --- Registry ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TransformCapability{Engines: engines(t)}))

	c, err := r.Get(schema.NodeTypeTransform)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeTypeTransform, c.Type())

	_, err = r.Get("webhook")
	assert.Equal(t, schema.ErrCodeUnknownNodeType, schema.CodeOf(err))
}

func TestRegistry_DuplicateIsConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TransformCapability{}))
	err := r.Register(&TransformCapability{})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
	assert.Error(t, r.Register(nil))
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, engines(t), nil, nil))
	assert.Equal(t, []schema.NodeType{schema.NodeTypeConditional, schema.NodeTypeTransform}, r.Types())

	r = NewRegistry()
	agents := AgentInvokerFunc(func(context.Context, string, string, map[string]any) (any, error) { return nil, nil })
	tools := ToolInvokerFunc(func(context.Context, string, map[string]any) (any, error) { return nil, nil })
	require.NoError(t, RegisterBuiltins(r, engines(t), agents, tools))
	assert.Len(t, r.Types(), 4)
}

// --- Agent ---

func TestAgent_StaticMessage(t *testing.T) {
	var gotID, gotMsg string
	var gotCtx map[string]any
	a := &AgentCapability{Invoker: AgentInvokerFunc(func(_ context.Context, id, msg string, c map[string]any) (any, error) {
		gotID, gotMsg, gotCtx = id, msg, c
		return map[string]any{"reply": "hi"}, nil
	})}
	n := &schema.Node{ID: "ask", Type: schema.NodeTypeAgent, Config: cfg(t, schema.AgentConfig{AgentID: "helper", Message: "hello"})}

	res, err := a.Execute(context.Background(), n, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"reply": "hi"}, res.Output)
	assert.Equal(t, "helper", gotID)
	assert.Equal(t, "hello", gotMsg)
	assert.Equal(t, "go", gotCtx["topic"])
	assert.Equal(t, "agent:helper", a.Target(n))
}

func TestAgent_MessageFromSlot(t *testing.T) {
	var gotMsg string
	a := &AgentCapability{Invoker: AgentInvokerFunc(func(_ context.Context, _, msg string, _ map[string]any) (any, error) {
		gotMsg = msg
		return "ok", nil
	})}
	n := &schema.Node{ID: "ask", Type: schema.NodeTypeAgent, Config: cfg(t, schema.AgentConfig{AgentID: "helper", MessageFrom: "question"})}

	_, err := a.Execute(context.Background(), n, map[string]any{"question": map[string]any{"q": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":1}`, gotMsg)

	_, err = a.Execute(context.Background(), n, map[string]any{})
	assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err))
}

func TestAgent_InvalidConfig(t *testing.T) {
	a := &AgentCapability{}
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`{`), cfg(t, schema.AgentConfig{Message: "x"}), cfg(t, schema.AgentConfig{AgentID: "a"})} {
		_, err := a.Execute(context.Background(), &schema.Node{ID: "n", Type: schema.NodeTypeAgent, Config: raw}, nil)
		assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err), "config %s", raw)
	}
}

func TestAgent_InvokerErrorPassesThrough(t *testing.T) {
	boom := Transient(errors.New("agent unavailable"))
	a := &AgentCapability{Invoker: AgentInvokerFunc(func(context.Context, string, string, map[string]any) (any, error) {
		return nil, boom
	})}
	n := &schema.Node{ID: "n", Type: schema.NodeTypeAgent, Config: cfg(t, schema.AgentConfig{AgentID: "a", Message: "m"})}
	_, err := a.Execute(context.Background(), n, nil)
	assert.ErrorIs(t, err, boom)
}

// --- Tool ---

func TestTool_InputsOverrideArguments(t *testing.T) {
	var gotArgs map[string]any
	tc := &ToolCapability{Invoker: ToolInvokerFunc(func(_ context.Context, name string, args map[string]any) (any, error) {
		assert.Equal(t, "search", name)
		gotArgs = args
		return []any{"r1"}, nil
	})}
	n := &schema.Node{ID: "s", Type: schema.NodeTypeTool, Config: cfg(t, schema.ToolConfig{
		Tool:      "search",
		Arguments: map[string]any{"limit": 5, "query": "default"},
	})}

	res, err := tc.Execute(context.Background(), n, map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Equal(t, []any{"r1"}, res.Output)
	assert.Equal(t, "golang", gotArgs["query"])
	assert.EqualValues(t, 5, gotArgs["limit"])
	assert.Equal(t, "tool:search", tc.Target(n))
}

func TestTool_MissingToolName(t *testing.T) {
	tc := &ToolCapability{}
	n := &schema.Node{ID: "s", Type: schema.NodeTypeTool, Config: json.RawMessage(`{}`)}
	_, err := tc.Execute(context.Background(), n, nil)
	assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err))
	assert.Equal(t, "", tc.Target(n))
}

// --- Transform ---

func TestTransform_JQAndExpr(t *testing.T) {
	tc := &TransformCapability{Engines: engines(t)}
	inputs := map[string]any{"fetch": map[string]any{"total": 2.0, "items": []any{"a", "b"}}}

	jq := &schema.Node{ID: "t1", Type: schema.NodeTypeTransform, Config: cfg(t, schema.TransformConfig{Expression: `.fetch.items | length`})}
	res, err := tc.Execute(context.Background(), jq, inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output)

	ex := &schema.Node{ID: "t2", Type: schema.NodeTypeTransform, Config: cfg(t, schema.TransformConfig{Engine: "expr", Expression: `fetch.total * 10`})}
	res, err = tc.Execute(context.Background(), ex, inputs)
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.Output)
	assert.False(t, res.ShortCircuit)
}

func TestTransform_BadEngineOrExpression(t *testing.T) {
	tc := &TransformCapability{Engines: engines(t)}
	for _, c := range []schema.TransformConfig{
		{Engine: "lua", Expression: "x"},
		{Engine: "cel", Expression: "true"},
		{Expression: ".["},
	} {
		n := &schema.Node{ID: "t", Type: schema.NodeTypeTransform, Config: cfg(t, c)}
		_, err := tc.Execute(context.Background(), n, nil)
		assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err), "config %+v", c)
	}
}

// --- Conditional ---

func TestConditional(t *testing.T) {
	c := &ConditionalCapability{CEL: engines(t).CEL}
	n := &schema.Node{ID: "gate", Type: schema.NodeTypeConditional, Config: cfg(t, schema.ConditionalConfig{Expression: `inputs.score > 0.5`})}

	res, err := c.Execute(context.Background(), n, map[string]any{"score": 0.9})
	require.NoError(t, err)
	assert.False(t, res.ShortCircuit)
	assert.Equal(t, map[string]any{"result": true}, res.Output)

	res, err = c.Execute(context.Background(), n, map[string]any{"score": 0.1})
	require.NoError(t, err)
	assert.True(t, res.ShortCircuit)
}

func TestConditional_SeesExecutionMetadata(t *testing.T) {
	c := &ConditionalCapability{CEL: engines(t).CEL}
	n := &schema.Node{ID: "gate", Type: schema.NodeTypeConditional, Config: cfg(t, schema.ConditionalConfig{Expression: `workflow.execution_id == "ex-1"`})}

	ctx := logging.WithExecution(context.Background(), "wf-1", "ex-1")
	res, err := c.Execute(ctx, n, nil)
	require.NoError(t, err)
	assert.False(t, res.ShortCircuit)
}

func TestConditional_NonBoolIsInvalidConfig(t *testing.T) {
	c := &ConditionalCapability{CEL: engines(t).CEL}
	n := &schema.Node{ID: "gate", Type: schema.NodeTypeConditional, Config: cfg(t, schema.ConditionalConfig{Expression: `"yes"`})}
	_, err := c.Execute(context.Background(), n, nil)
	assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err))
}

// --- classification wrappers ---

func TestTransientPermanentWrappers(t *testing.T) {
	base := errors.New("x")
	var marker interface{ Transient() bool }

	require.ErrorAs(t, Transient(base), &marker)
	assert.True(t, marker.Transient())
	require.ErrorAs(t, Permanent(base), &marker)
	assert.False(t, marker.Transient())
	assert.ErrorIs(t, Transient(base), base)
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}
