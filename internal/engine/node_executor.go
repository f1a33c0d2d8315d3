package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultNodeTimeout bounds a single node attempt when neither the node nor
// its type configures a timeout.
const DefaultNodeTimeout = 30 * time.Second

// NodeExecutorConfig configures timeouts for node attempts.
type NodeExecutorConfig struct {
	DefaultTimeout time.Duration
	TypeTimeouts   map[schema.NodeType]time.Duration
}

// RetryHook observes an attempt that failed transiently and will be retried.
type RetryHook func(ctx context.Context, node *schema.Node, attempt int, err error, delay time.Duration)

// NodeExecutor invokes one node through its capability with timeout, retry
// and circuit breaker policy applied.
type NodeExecutor struct {
	registry *nodes.Registry
	breakers *CircuitBreakers
	config   NodeExecutorConfig
	logger   *slog.Logger
	metrics  *Metrics

	// OnRetry, if set, is called before waiting out a retry backoff.
	OnRetry RetryHook
}

// NewNodeExecutor creates an executor. breakers and metrics may be nil.
func NewNodeExecutor(registry *nodes.Registry, breakers *CircuitBreakers, cfg NodeExecutorConfig, logger *slog.Logger, metrics *Metrics) *NodeExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultNodeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeExecutor{
		registry: registry,
		breakers: breakers,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Execute runs node against inputs and returns its result along with the
// number of attempts made. Transient failures are retried up to the node's
// MaxAttempts; anything else fails at once. Errors are FlowErrors carrying
// the node id.
func (x *NodeExecutor) Execute(ctx context.Context, node *schema.Node, inputs map[string]any) (*nodes.Result, int, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(ctx, x.logger)

	capability, err := x.registry.Get(node.Type)
	if err != nil {
		return nil, 0, nodeFailure(node, err)
	}
	var target string
	if t, ok := capability.(nodes.Targeter); ok {
		target = t.Target(node)
	}
	timeout := x.timeoutFor(node)
	maxAttempts := MaxAttempts(node.Retry)

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		if attempts > 0 {
			delay := ComputeBackoff(node.Retry, attempts-1)
			log.WarnContext(ctx, "retrying node after transient failure",
				slog.Int("attempt", attempts), slog.Duration("delay", delay), slog.String("error", lastErr.Error()))
			x.metrics.nodeRetried(ctx, node.Type)
			if x.OnRetry != nil {
				x.OnRetry(ctx, node, attempts, lastErr, delay)
			}
			if err := WaitForBackoff(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		res, err := x.attempt(ctx, capability, node, inputs, target, timeout)
		if err == nil {
			x.metrics.nodeFinished(ctx, node.Type, time.Since(start), nil)
			return res, attempts, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}

	failure := nodeFailure(node, lastErr)
	x.metrics.nodeFinished(ctx, node.Type, time.Since(start), failure)
	log.ErrorContext(ctx, "node failed", slog.Int("attempts", attempts), slog.String("code", failure.Code), slog.String("error", lastErr.Error()))
	return nil, attempts, failure
}

func (x *NodeExecutor) attempt(ctx context.Context, capability nodes.Capability, node *schema.Node, inputs map[string]any, target string, timeout time.Duration) (*nodes.Result, error) {
	if err := x.breakers.Allow(target); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := invoke(callCtx, capability, node, inputs)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		timeoutErr := schema.NewErrorf(schema.ErrCodeTimeout, "node %s timed out after %s", node.ID, timeout).WithNode(node.ID)
		if err != nil {
			timeoutErr = timeoutErr.WithCause(err)
		}
		err = timeoutErr
	}
	x.breakers.Record(target, err)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &nodes.Result{}
	}
	return res, nil
}

// invoke calls the capability, turning a panic into a permanent node error
// so the failure is recorded against the node.
func invoke(ctx context.Context, capability nodes.Capability, node *schema.Node, inputs map[string]any) (res *nodes.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeNodeExecution, "panic in %s node: %v", node.Type, r).WithNode(node.ID)
		}
	}()
	return capability.Execute(ctx, node, inputs)
}

// timeoutFor resolves a node's attempt timeout: the node's own Timeout, then
// the per-type default, then the global default.
func (x *NodeExecutor) timeoutFor(node *schema.Node) time.Duration {
	if node.Timeout != "" {
		if d, err := time.ParseDuration(node.Timeout); err == nil && d > 0 {
			return d
		}
	}
	if d, ok := x.config.TypeTimeouts[node.Type]; ok && d > 0 {
		return d
	}
	return x.config.DefaultTimeout
}

// nodeFailure wraps err in a FlowError scoped to node. Structured errors keep
// their code; anything else becomes NODE_EXECUTION_ERROR.
func nodeFailure(node *schema.Node, err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return schema.NewError(fe.Code, fe.Message).
			WithNode(node.ID).
			WithCause(err).
			WithDetails(fe.Details)
	}
	return schema.NewErrorf(schema.ErrCodeNodeExecution, "%s node failed: %v", node.Type, err).
		WithNode(node.ID).
		WithCause(err)
}
