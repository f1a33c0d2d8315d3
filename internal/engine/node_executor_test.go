package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// scriptedCapability answers call n (1-based) with script(n).
type scriptedCapability struct {
	typ    schema.NodeType
	target string
	calls  atomic.Int32
	script func(ctx context.Context, call int, inputs map[string]any) (*nodes.Result, error)
}

func (c *scriptedCapability) Type() schema.NodeType { return c.typ }

func (c *scriptedCapability) Execute(ctx context.Context, _ *schema.Node, inputs map[string]any) (*nodes.Result, error) {
	n := int(c.calls.Add(1))
	return c.script(ctx, n, inputs)
}

func (c *scriptedCapability) Target(*schema.Node) string { return c.target }

func newTestExecutor(t *testing.T, caps ...nodes.Capability) *NodeExecutor {
	t.Helper()
	r := nodes.NewRegistry()
	for _, c := range caps {
		require.NoError(t, r.Register(c))
	}
	return NewNodeExecutor(r, nil, NodeExecutorConfig{DefaultTimeout: time.Second}, nil, nil)
}

var fastRetry = &schema.RetryPolicy{MaxAttempts: 3, Delay: "1ms"}

func TestNodeExecutor_Success(t *testing.T) {
	c := &scriptedCapability{typ: "echo", script: func(_ context.Context, _ int, in map[string]any) (*nodes.Result, error) {
		return &nodes.Result{Output: in["x"]}, nil
	}}
	x := newTestExecutor(t, c)

	res, attempts, err := x.Execute(context.Background(), &schema.Node{ID: "n", Type: "echo"}, map[string]any{"x": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Output)
	assert.Equal(t, 1, attempts)
}

func TestNodeExecutor_NilResultIsEmptyOutput(t *testing.T) {
	c := &scriptedCapability{typ: "noop", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		return nil, nil
	}}
	res, _, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "noop"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.Output)
}

func TestNodeExecutor_RetriesTransientFailures(t *testing.T) {
	c := &scriptedCapability{typ: "flaky", script: func(_ context.Context, call int, _ map[string]any) (*nodes.Result, error) {
		if call < 3 {
			return nil, nodes.Transient(errors.New("upstream busy"))
		}
		return &nodes.Result{Output: "ok"}, nil
	}}
	x := newTestExecutor(t, c)

	var retried []int
	x.OnRetry = func(_ context.Context, _ *schema.Node, attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}

	res, attempts, err := x.Execute(context.Background(), &schema.Node{ID: "n", Type: "flaky", Retry: fastRetry}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestNodeExecutor_PermanentFailureIsNotRetried(t *testing.T) {
	boom := nodes.Permanent(errors.New("bad request"))
	c := &scriptedCapability{typ: "strict", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		return nil, boom
	}}

	_, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "strict", Retry: fastRetry}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, boom)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNodeExecution, fe.Code)
	assert.Equal(t, "n", fe.NodeID)
}

func TestNodeExecutor_UnclassifiedErrorsArePermanent(t *testing.T) {
	c := &scriptedCapability{typ: "plain", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		return nil, errors.New("something odd")
	}}
	_, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "plain", Retry: fastRetry}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestNodeExecutor_ExhaustsAttempts(t *testing.T) {
	c := &scriptedCapability{typ: "down", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		return nil, nodes.Transient(errors.New("still down"))
	}}

	_, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "down", Retry: fastRetry}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.EqualValues(t, 3, c.calls.Load())
	assert.Contains(t, err.Error(), "still down")
}

func TestNodeExecutor_StructuredCodesSurvive(t *testing.T) {
	c := &scriptedCapability{typ: "cfg", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		return nil, schema.NewError(schema.ErrCodeInvalidConfig, "missing expression")
	}}

	_, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "cfg", Retry: fastRetry}, nil)
	assert.Equal(t, schema.ErrCodeInvalidConfig, schema.CodeOf(err))
	assert.Equal(t, 1, attempts, "config errors are never retried")
}

func TestNodeExecutor_Timeout(t *testing.T) {
	c := &scriptedCapability{typ: "slow", script: func(ctx context.Context, _ int, _ map[string]any) (*nodes.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	start := time.Now()
	_, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "slow", Timeout: "20ms"}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "node timeout must win over the default")
}

func TestNodeExecutor_TimeoutIsRetried(t *testing.T) {
	c := &scriptedCapability{typ: "slow", script: func(ctx context.Context, call int, _ map[string]any) (*nodes.Result, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &nodes.Result{Output: call}, nil
	}}

	res, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "slow", Timeout: "10ms", Retry: fastRetry}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, res.Output)
}

func TestNodeExecutor_TimeoutResolution(t *testing.T) {
	x := NewNodeExecutor(nodes.NewRegistry(), nil, NodeExecutorConfig{
		DefaultTimeout: time.Minute,
		TypeTimeouts:   map[schema.NodeType]time.Duration{schema.NodeTypeAgent: 2 * time.Minute},
	}, nil, nil)

	assert.Equal(t, 5*time.Second, x.timeoutFor(&schema.Node{Type: schema.NodeTypeAgent, Timeout: "5s"}))
	assert.Equal(t, 2*time.Minute, x.timeoutFor(&schema.Node{Type: schema.NodeTypeAgent}))
	assert.Equal(t, time.Minute, x.timeoutFor(&schema.Node{Type: schema.NodeTypeTool}))

	def := NewNodeExecutor(nodes.NewRegistry(), nil, NodeExecutorConfig{}, nil, nil)
	assert.Equal(t, DefaultNodeTimeout, def.timeoutFor(&schema.Node{Type: schema.NodeTypeTool}))
}

func TestNodeExecutor_UnknownType(t *testing.T) {
	_, attempts, err := newTestExecutor(t).Execute(context.Background(), &schema.Node{ID: "n", Type: "webhook"}, nil)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, schema.CodeOf(err))
	assert.Zero(t, attempts)
}

func TestNodeExecutor_PanicIsRecorded(t *testing.T) {
	c := &scriptedCapability{typ: "panics", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		panic("nil map")
	}}
	_, attempts, err := newTestExecutor(t, c).Execute(context.Background(), &schema.Node{ID: "n", Type: "panics", Retry: fastRetry}, nil)
	assert.Equal(t, schema.ErrCodeNodeExecution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "nil map")
	assert.Equal(t, 1, attempts)
}

func TestNodeExecutor_CircuitBreakerRejectsWithoutCalling(t *testing.T) {
	c := &scriptedCapability{typ: "remote", target: "tool:search", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		return nil, nodes.Transient(errors.New("503"))
	}}
	r := nodes.NewRegistry()
	require.NoError(t, r.Register(c))
	breakers := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	x := NewNodeExecutor(r, breakers, NodeExecutorConfig{}, nil, nil)

	node := &schema.Node{ID: "n", Type: "remote"}
	for i := 0; i < 2; i++ {
		_, _, err := x.Execute(context.Background(), node, nil)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, breakers.State("tool:search"))

	_, attempts, err := x.Execute(context.Background(), node, nil)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
	assert.Equal(t, 1, attempts)
	assert.EqualValues(t, 2, c.calls.Load(), "open circuit must not reach the capability")
}

func TestNodeExecutor_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	c := &scriptedCapability{typ: "flaky", script: func(context.Context, int, map[string]any) (*nodes.Result, error) {
		once.Do(cancel)
		return nil, nodes.Transient(errors.New("busy"))
	}}
	node := &schema.Node{ID: "n", Type: "flaky", Retry: &schema.RetryPolicy{MaxAttempts: 5, Delay: "1h"}}

	_, attempts, err := newTestExecutor(t, c).Execute(ctx, node, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}
