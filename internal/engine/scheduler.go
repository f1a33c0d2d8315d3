package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/executions"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/internal/workflows"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultPoolSize is the default number of node invocations running at once.
const DefaultPoolSize = 10

// Scheduler drives executions: it validates a snapshot, creates the
// execution record and runs the stage plan on a detached goroutine.
type Scheduler struct {
	workflows *workflows.Store
	recorder  *executions.Recorder
	executor  *NodeExecutor
	registry  *nodes.Registry
	validator *validation.JSONSchemaValidator
	cel       *expressions.CELEngine
	pool      *DispatchPool
	hub       streaming.EventHub
	logger    *slog.Logger
	metrics   *Metrics

	// baseCtx outlives callers; runs derive from it. stop aborts them.
	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*executionRun
	closed bool
	wg     sync.WaitGroup
}

// SchedulerDeps bundles the collaborators of a Scheduler.
type SchedulerDeps struct {
	Workflows *workflows.Store
	Recorder  *executions.Recorder
	Executor  *NodeExecutor
	Registry  *nodes.Registry
	Validator *validation.JSONSchemaValidator
	CEL       *expressions.CELEngine
	Hub       streaming.EventHub // optional
	Logger    *slog.Logger
	Metrics   *Metrics // optional
	PoolSize  int
}

// executionRun is the run-table entry of one in-flight execution.
type executionRun struct {
	id         string
	workflowID string
	plan       *StagePlan
	inputs     map[string]any
	done       chan struct{}
	cancel     atomic.Bool

	mu           sync.Mutex
	outputs      map[string]any
	shortCircuit map[string]bool
	skipped      map[string]bool
}

func (r *executionRun) setOutput(nodeID string, out any, shortCircuit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[nodeID] = out
	if shortCircuit {
		r.shortCircuit[nodeID] = true
	}
}

// NewScheduler creates a scheduler with its own dispatch pool.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	if deps.PoolSize <= 0 {
		deps.PoolSize = DefaultPoolSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	baseCtx, stop := context.WithCancel(context.Background())

	s := &Scheduler{
		workflows: deps.Workflows,
		recorder:  deps.Recorder,
		executor:  deps.Executor,
		registry:  deps.Registry,
		validator: deps.Validator,
		cel:       deps.CEL,
		pool:      NewDispatchPool(deps.PoolSize),
		hub:       deps.Hub,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		baseCtx:   baseCtx,
		stop:      stop,
		runs:      make(map[string]*executionRun),
	}
	if s.executor.OnRetry == nil {
		s.executor.OnRetry = s.publishRetry
	}
	return s
}

// Execute validates and starts an execution of workflowID and returns its
// id without waiting for it. Validation failures are returned synchronously
// and leave no execution behind.
func (s *Scheduler) Execute(ctx context.Context, workflowID string, inputs map[string]any) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", schema.NewError(schema.ErrCodeConflict, "scheduler is shutting down")
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	wf, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}
	snap := wf.Snapshot(uuid.NewString(), time.Now().UTC())

	plan, err := s.prepare(snap, wf.InputSchema, inputs)
	if err != nil {
		return "", err
	}

	exec, err := s.recorder.Create(ctx, snap, inputs)
	if err != nil {
		return "", err
	}

	run := &executionRun{
		id:           exec.ID,
		workflowID:   wf.ID,
		plan:         plan,
		inputs:       inputs,
		done:         make(chan struct{}),
		outputs:      make(map[string]any, len(plan.Nodes)),
		shortCircuit: make(map[string]bool),
		skipped:      make(map[string]bool),
	}

	// Register before leaving pending so a concurrent Cancel finds the run.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_, _ = s.recorder.Transition(context.WithoutCancel(ctx), exec.ID, schema.ExecutionStatusCancelled)
		return "", schema.NewError(schema.ErrCodeConflict, "scheduler is shutting down")
	}
	s.runs[run.id] = run
	s.wg.Add(1)
	s.mu.Unlock()

	if _, err := s.recorder.Transition(ctx, exec.ID, schema.ExecutionStatusRunning); err != nil {
		s.mu.Lock()
		delete(s.runs, run.id)
		s.mu.Unlock()
		s.wg.Done()
		close(run.done)
		// No task owns the record; leave it terminal rather than pending.
		if _, cancelErr := s.recorder.Transition(context.WithoutCancel(ctx), exec.ID, schema.ExecutionStatusCancelled); cancelErr != nil {
			logging.LogWith(ctx, s.logger).WarnContext(ctx, "abandoned execution left pending",
				slog.String("execution_id", exec.ID), slog.String("error", cancelErr.Error()))
		}
		return "", err
	}

	runCtx := logging.WithExecution(s.baseCtx, wf.ID, run.id)
	s.metrics.executionStarted(runCtx, wf.ID)
	s.publish(runCtx, run, "", schema.EventExecutionStarted, map[string]any{"snapshot_ref": snap.Ref})
	logging.LogWith(runCtx, s.logger).InfoContext(runCtx, "execution started", slog.Int("stages", len(plan.Stages)))

	go s.runExecution(runCtx, run)
	return run.id, nil
}

// prepare runs every check that must pass before an execution exists.
func (s *Scheduler) prepare(snap *schema.Snapshot, inputSchema json.RawMessage, inputs map[string]any) (*StagePlan, error) {
	plan, err := ValidateGraph(snap.Nodes, snap.Edges)
	if err != nil {
		return nil, err
	}
	if err := CheckBindings(plan, inputs); err != nil {
		return nil, err
	}
	for _, n := range snap.Nodes {
		if _, err := s.registry.Get(n.Type); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s: %s", n.ID, err.Error()).
				WithNode(n.ID).WithCause(err)
		}
		if err := validatePolicy(&n); err != nil {
			return nil, err
		}
	}
	for _, e := range snap.Edges {
		if e.Guard == "" {
			continue
		}
		if err := s.cel.Check(e.Guard); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has an invalid guard", edgeName(e)).
				WithCause(err).
				WithDetails(map[string]any{"edge_id": e.ID, "guard": e.Guard})
		}
	}
	if err := s.validator.ValidateInput(inputs, inputSchema); err != nil {
		return nil, err
	}
	return plan, nil
}

// runExecution walks the stage plan. Stage nodes run concurrently on the
// pool behind a full barrier. A failure stops the walk after its stage; a
// cancel request is honoured at the next stage boundary, and a failure in
// the same stage takes precedence over it.
func (s *Scheduler) runExecution(ctx context.Context, run *executionRun) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.runs, run.id)
		s.mu.Unlock()
		close(run.done)
	}()

	log := logging.LogWith(ctx, s.logger)

	for i, stage := range run.plan.Stages {
		if run.cancel.Load() || ctx.Err() != nil {
			s.finish(ctx, run, schema.ExecutionStatusCancelled)
			return
		}

		failed, err := s.runStage(ctx, run, stage)
		if ctx.Err() != nil {
			// Forced shutdown aborted the stage.
			s.finish(ctx, run, schema.ExecutionStatusCancelled)
			return
		}
		if err != nil {
			log.ErrorContext(ctx, "recording stage results failed", slog.Int("stage", i), slog.String("error", err.Error()))
			s.finish(ctx, run, schema.ExecutionStatusFailed)
			return
		}
		if failed {
			log.InfoContext(ctx, "stage failed, stopping execution", slog.Int("stage", i))
			s.finish(ctx, run, schema.ExecutionStatusFailed)
			return
		}
		if run.cancel.Load() {
			// Requested while the stage ran; includes the last stage.
			s.finish(ctx, run, schema.ExecutionStatusCancelled)
			return
		}
	}

	s.finish(ctx, run, schema.ExecutionStatusCompleted)
}

type dispatchedNode struct {
	node   *schema.Node
	inputs map[string]any
}

// stageResult is the outcome of one node, held until its stage's barrier.
type stageResult struct {
	node         *schema.Node
	output       any
	shortCircuit bool
	attempts     int
	duration     time.Duration
	err          error
}

// runStage resolves, skips and dispatches the nodes of one stage and waits
// for all of them. Results are collected in completion order and recorded
// only once the whole stage has finished. failed reports whether any node
// in the stage failed; err is a persistence failure.
func (s *Scheduler) runStage(ctx context.Context, run *executionRun, stage []string) (failed bool, err error) {
	var (
		dispatch []dispatchedNode
		skipped  []string
		results  []stageResult
		resultMu sync.Mutex
	)
	for _, id := range stage {
		node := run.plan.Nodes[id]
		inputs, active, resolveErr := s.resolveInputs(ctx, run, node)
		switch {
		case resolveErr != nil:
			failed = true
			results = append(results, stageResult{node: node, err: nodeFailure(node, resolveErr)})
		case !active:
			skipped = append(skipped, id)
		default:
			dispatch = append(dispatch, dispatchedNode{node: node, inputs: inputs})
		}
	}

	tasks := make([]Task, len(dispatch))
	started := make([]bool, len(dispatch))
	for i, d := range dispatch {
		tasks[i] = func(taskCtx context.Context) error {
			started[i] = true
			res := s.dispatchNode(taskCtx, d.node, d.inputs)
			resultMu.Lock()
			results = append(results, res)
			resultMu.Unlock()
			return res.err
		}
	}
	errs := s.pool.RunStage(ctx, tasks)

	for i, nodeErr := range errs {
		if nodeErr == nil {
			continue
		}
		failed = true
		if !started[i] {
			// The pool refused the task.
			results = append(results, stageResult{node: dispatch[i].node, err: nodeFailure(dispatch[i].node, nodeErr)})
		}
	}

	if err := s.commitStage(ctx, run, results, skipped); err != nil {
		return true, err
	}
	return failed, nil
}

// dispatchNode runs one node and returns its outcome without recording it.
func (s *Scheduler) dispatchNode(ctx context.Context, node *schema.Node, inputs map[string]any) stageResult {
	start := time.Now()
	res, attempts, err := s.executor.Execute(ctx, node, inputs)

	var out any
	if err == nil {
		out, err = normalizeOutput(res.Output)
		if err != nil {
			err = schema.NewErrorf(schema.ErrCodeNodeExecution, "output is not JSON-encodable: %v", err).
				WithNode(node.ID).WithCause(err)
		}
	}
	if err != nil {
		return stageResult{node: node, attempts: attempts, duration: time.Since(start), err: err}
	}
	return stageResult{
		node:         node,
		output:       out,
		shortCircuit: res.ShortCircuit,
		attempts:     attempts,
		duration:     time.Since(start),
	}
}

// commitStage records a finished stage: node results in completion order,
// then the skipped nodes. Records outlive a forced shutdown.
func (s *Scheduler) commitStage(ctx context.Context, run *executionRun, results []stageResult, skipped []string) error {
	recCtx := context.WithoutCancel(ctx)
	for _, r := range results {
		if err := s.recorder.RecordNodeResult(recCtx, run.id, executions.NodeResult{
			NodeID:   r.node.ID,
			Output:   r.output,
			Err:      r.err,
			Attempts: r.attempts,
			Duration: r.duration,
		}); err != nil {
			return err
		}
		if r.err != nil {
			s.publish(ctx, run, r.node.ID, schema.EventNodeFailed, map[string]any{
				"code":     schema.CodeOf(r.err),
				"error":    r.err.Error(),
				"attempts": r.attempts,
			})
			continue
		}
		run.setOutput(r.node.ID, r.output, r.shortCircuit)
		s.publish(ctx, run, r.node.ID, schema.EventNodeCompleted, map[string]any{
			"attempts":      r.attempts,
			"short_circuit": r.shortCircuit,
		})
	}

	if len(skipped) == 0 {
		return nil
	}
	run.mu.Lock()
	for _, id := range skipped {
		run.skipped[id] = true
	}
	run.mu.Unlock()
	if err := s.recorder.RecordNodeSkipped(recCtx, run.id, skipped...); err != nil {
		return err
	}
	for _, id := range skipped {
		s.publish(ctx, run, id, schema.EventNodeSkipped, nil)
	}
	return nil
}

// resolveInputs builds a node's inputs from the outputs of its direct
// predecessors and reports whether the node is active. Root nodes receive
// the execution inputs. A node is inactive when a conditional predecessor
// short-circuited, or when none of its incoming edges delivered (every
// source skipped or every guard false). Required inputs that no incoming
// edge produces come from the execution inputs.
func (s *Scheduler) resolveInputs(ctx context.Context, run *executionRun, node *schema.Node) (map[string]any, bool, error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	preds := run.plan.Predecessors[node.ID]
	if len(preds) == 0 {
		inputs := make(map[string]any, len(run.inputs))
		for k, v := range run.inputs {
			inputs[k] = v
		}
		return inputs, true, nil
	}
	for _, p := range preds {
		if run.shortCircuit[p] {
			return nil, false, nil
		}
	}

	inputs := make(map[string]any)
	produced := make(map[string]bool)
	active := false
	for _, e := range run.plan.Incoming[node.ID] {
		for _, slot := range EdgeSlots(e) {
			produced[slot] = true
		}
		if run.skipped[e.Source] {
			continue
		}
		out, ok := run.outputs[e.Source]
		if !ok {
			continue
		}
		if e.Guard != "" {
			pass, err := s.cel.EvaluateBool(ctx, e.Guard, map[string]any{
				"output": out,
				"inputs": run.inputs,
				"workflow": map[string]any{
					"workflow_id":  run.workflowID,
					"execution_id": run.id,
				},
			})
			if err != nil {
				return nil, false, err
			}
			if !pass {
				continue
			}
		}
		active = true
		bindEdge(inputs, e, out)
	}
	if !active {
		return nil, false, nil
	}

	for _, name := range node.Inputs {
		if produced[name] {
			continue
		}
		if v, ok := run.inputs[name]; ok {
			inputs[name] = v
		}
	}
	return inputs, true, nil
}

// bindEdge copies a source output into the target's input slots.
func bindEdge(inputs map[string]any, e schema.Edge, out any) {
	if len(e.Mapping) == 0 {
		inputs[e.Source] = out
		return
	}
	fields, _ := out.(map[string]any)
	for field, slot := range e.Mapping {
		if field == schema.WholeOutput {
			inputs[slot] = out
			continue
		}
		if v, ok := fields[field]; ok {
			inputs[slot] = v
		}
	}
}

// normalizeOutput round-trips an output through JSON so the in-memory value
// passed downstream matches what the record stores.
func normalizeOutput(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) finish(ctx context.Context, run *executionRun, status schema.ExecutionStatus) {
	persistCtx := context.WithoutCancel(ctx)
	exec, err := s.recorder.Transition(persistCtx, run.id, status)
	if err != nil {
		logging.LogWith(ctx, s.logger).ErrorContext(ctx, "execution transition failed",
			slog.String("to", string(status)), slog.String("error", err.Error()))
		return
	}

	s.metrics.executionFinished(persistCtx, run.workflowID, status)
	s.publish(persistCtx, run, "", terminalEvent(status), map[string]any{
		"status":            string(status),
		"total_duration_ms": exec.TotalDuration,
	})
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "execution finished",
		slog.String("status", string(status)), slog.Int64("total_duration_ms", exec.TotalDuration))
}

func terminalEvent(status schema.ExecutionStatus) string {
	switch status {
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return schema.EventExecutionFailed
	}
}

func (s *Scheduler) publish(ctx context.Context, run *executionRun, nodeID, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		WorkflowID:  run.workflowID,
		ExecutionID: run.id,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
	})
}

func (s *Scheduler) publishRetry(ctx context.Context, node *schema.Node, attempt int, err error, delay time.Duration) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		WorkflowID:  logging.WorkflowID(ctx),
		ExecutionID: logging.ExecutionID(ctx),
		NodeID:      node.ID,
		EventType:   schema.EventNodeRetrying,
		Payload: map[string]any{
			"attempt":  attempt,
			"error":    err.Error(),
			"delay_ms": delay.Milliseconds(),
		},
	})
}

// Cancel requests cancellation of execution id. The request is persisted and
// honoured at the next stage boundary; nodes already running finish first.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	run, running := s.runs[id]
	s.mu.Unlock()

	if _, err := s.recorder.RequestCancel(ctx, id); err != nil {
		return err
	}
	if running {
		run.cancel.Store(true)
		return nil
	}

	// No run task owns this execution (e.g. the process restarted): cancel it
	// directly.
	exec, err := s.recorder.Get(ctx, id)
	if err != nil {
		return err
	}
	if !exec.Status.IsTerminal() {
		if _, err := s.recorder.Transition(ctx, id, schema.ExecutionStatusCancelled); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the run task of execution id has exited. Executions that
// are not running return at once; unknown ids are NOT_FOUND.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()

	if !ok {
		_, err := s.recorder.Get(ctx, id)
		return err
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of executions with a live run task.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown stops accepting executions and waits for every run task. If ctx
// ends first, in-flight runs are aborted and recorded as cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stop()
		s.pool.Shutdown()
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		s.pool.Shutdown()
		return ctx.Err()
	}
}
