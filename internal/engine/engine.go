// Package engine validates workflow graphs and runs executions: stage
// planning, concurrent node dispatch, retries, circuit breaking and the
// facade the transports call.
package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/nodeflow/internal/executions"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/internal/workflows"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Options configures an Engine. Store is required; everything else has a
// default.
type Options struct {
	Store store.Store

	// Agents and Tools back the agent and tool node types. A nil invoker
	// leaves its node type unregistered.
	Agents nodes.AgentInvoker
	Tools  nodes.ToolInvoker
	// Capabilities are registered after the built-ins.
	Capabilities []nodes.Capability

	Hub            streaming.EventHub
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	PoolSize       int
	Timeouts       NodeExecutorConfig
	CircuitBreaker *CircuitBreakerConfig
}

// Engine is the entry point for every external operation.
type Engine struct {
	workflows *workflows.Store
	recorder  *executions.Recorder
	scheduler *Scheduler
	registry  *nodes.Registry
	breakers  *CircuitBreakers
	hub       streaming.EventHub
	logger    *slog.Logger
}

// New wires an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine needs a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	registry := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(registry, exprs, opts.Agents, opts.Tools); err != nil {
		return nil, err
	}
	for _, c := range opts.Capabilities {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if opts.CircuitBreaker != nil {
		cbConfig = *opts.CircuitBreaker
	}
	breakers := NewCircuitBreakers(cbConfig)
	breakers.OnStateChange = func(target string, from, to CircuitState) {
		logger.Warn("circuit breaker state changed",
			slog.String("target", target), slog.String("from", from.String()), slog.String("to", to.String()))
	}

	wfStore := workflows.New(opts.Store, validator, logger)
	recorder := executions.NewRecorder(opts.Store, logger)
	executor := NewNodeExecutor(registry, breakers, opts.Timeouts, logger, metrics)
	scheduler := NewScheduler(SchedulerDeps{
		Workflows: wfStore,
		Recorder:  recorder,
		Executor:  executor,
		Registry:  registry,
		Validator: validator,
		CEL:       exprs.CEL,
		Hub:       hub,
		Logger:    logger,
		Metrics:   metrics,
		PoolSize:  opts.PoolSize,
	})

	// History append runs after every terminal transition.
	recorder.OnTerminal(func(ctx context.Context, exec *schema.Execution) {
		if err := wfStore.AppendExecution(ctx, exec.WorkflowID, exec.Summary()); err != nil {
			logger.ErrorContext(ctx, "append execution history failed",
				slog.String("workflow_id", exec.WorkflowID),
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()))
		}
	})

	return &Engine{
		workflows: wfStore,
		recorder:  recorder,
		scheduler: scheduler,
		registry:  registry,
		breakers:  breakers,
		hub:       hub,
		logger:    logger,
	}, nil
}

// CreateWorkflow stores a new draft workflow.
func (e *Engine) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.Workflow, error) {
	return e.workflows.Create(ctx, def)
}

// GetWorkflow returns a workflow or NOT_FOUND.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return e.workflows.Get(ctx, id)
}

// UpdateWorkflow applies patch to a workflow. Running executions are not
// affected: they run against their snapshot.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, patch *schema.WorkflowPatch) (*schema.Workflow, error) {
	return e.workflows.Update(ctx, id, patch)
}

// ListWorkflows returns the workflows of ownerID, most recently updated first.
func (e *Engine) ListWorkflows(ctx context.Context, ownerID string) ([]*schema.Workflow, error) {
	return e.workflows.ListByOwner(ctx, ownerID)
}

// ExecuteWorkflow starts an execution and returns its id immediately.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]any) (string, error) {
	return e.scheduler.Execute(ctx, workflowID, inputs)
}

// GetExecution returns the current record of an execution or NOT_FOUND.
func (e *Engine) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return e.recorder.Get(ctx, id)
}

// CancelExecution requests cancellation at the next stage boundary.
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	return e.scheduler.Cancel(ctx, id)
}

// ListExecutions returns the executions of a workflow, newest first.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string) ([]*schema.Execution, error) {
	if _, err := e.workflows.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.recorder.ListHistoryForWorkflow(ctx, workflowID)
}

// GetSnapshot returns the graph an execution ran against.
func (e *Engine) GetSnapshot(ctx context.Context, ref string) (*schema.Snapshot, error) {
	return e.recorder.GetSnapshot(ctx, ref)
}

// Subscribe streams execution events matching filter until cancel is called
// or ctx ends.
func (e *Engine) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return e.hub.Subscribe(ctx, filter)
}

// Wait blocks until execution id is no longer running.
func (e *Engine) Wait(ctx context.Context, id string) error {
	return e.scheduler.Wait(ctx, id)
}

// NodeTypes lists the registered node types.
func (e *Engine) NodeTypes() []schema.NodeType {
	return e.registry.Types()
}

// CircuitState reports the breaker state of an invocation target.
func (e *Engine) CircuitState(target string) CircuitState {
	return e.breakers.State(target)
}

// Shutdown stops accepting executions and waits for running ones.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.scheduler.Shutdown(ctx)
}
