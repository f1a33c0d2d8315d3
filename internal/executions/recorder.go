// Package executions persists execution records, their snapshots and the
// per-workflow execution history.
package executions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// KV layout.
const (
	executionPrefix = "executions/"
	snapshotPrefix  = "snapshots/"
	historyPrefix   = "workflow-executions/"
)

func executionKey(id string) string { return executionPrefix + id }
func snapshotKey(ref string) string { return snapshotPrefix + ref }
func historyKey(wfID, id string) string { return historyPrefix + wfID + "/" + id }

// historyEntry indexes one execution under its workflow.
type historyEntry struct {
	ExecutionID string    `json:"execution_id"`
	StartedAt   time.Time `json:"started_at"`
}

// TerminalHook is called once an execution reaches a terminal status.
type TerminalHook func(ctx context.Context, exec *schema.Execution)

// NodeResult is the outcome of one dispatched node, as handed to the recorder.
type NodeResult struct {
	NodeID   string
	Output   any
	Err      error
	Attempts int
	Duration time.Duration
}

// Recorder is the durable CRUD layer for execution records.
type Recorder struct {
	kv     store.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu    sync.RWMutex
	hooks []TerminalHook
}

// NewRecorder creates a recorder over kv.
func NewRecorder(kv store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		kv:     kv,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// OnTerminal registers a hook fired after every terminal transition.
func (r *Recorder) OnTerminal(hook TerminalHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Create persists snap, a pending execution running against it, and the
// history index entry. Execution ids are never reused: the execution key is
// created, never overwritten.
func (r *Recorder) Create(ctx context.Context, snap *schema.Snapshot, inputs map[string]any) (*schema.Execution, error) {
	if snap == nil || snap.Ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution needs a snapshot")
	}
	if err := store.CreateJSON(ctx, r.kv, snapshotKey(snap.Ref), snap); err != nil {
		return nil, err
	}

	exec := &schema.Execution{
		ID:          r.newID(),
		WorkflowID:  snap.WorkflowID,
		SnapshotRef: snap.Ref,
		Status:      schema.ExecutionStatusPending,
		Inputs:      inputs,
		Outputs:     []schema.NodeOutput{},
		StartedAt:   r.now(),
	}
	if err := store.CreateJSON(ctx, r.kv, executionKey(exec.ID), exec); err != nil {
		r.discard(ctx, snapshotKey(snap.Ref))
		return nil, err
	}
	entry := historyEntry{ExecutionID: exec.ID, StartedAt: exec.StartedAt}
	if err := store.PutJSON(ctx, r.kv, historyKey(exec.WorkflowID, exec.ID), entry); err != nil {
		r.discard(ctx, executionKey(exec.ID), snapshotKey(snap.Ref))
		return nil, err
	}
	return exec, nil
}

// discard removes keys written by a Create that did not finish.
func (r *Recorder) discard(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := r.kv.Delete(ctx, key); err != nil && schema.CodeOf(err) != schema.ErrCodeNotFound {
			r.logger.WarnContext(ctx, "discard partial execution record failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

// Transition moves execution id to status to. A terminal transition stamps
// CompletedAt and TotalDuration and fires the OnTerminal hooks.
func (r *Recorder) Transition(ctx context.Context, id string, to schema.ExecutionStatus) (*schema.Execution, error) {
	exec, err := r.update(ctx, id, func(e *schema.Execution) error {
		if !isValidTransition(e.Status, to) {
			return invalidTransition(id, e.Status, to)
		}
		e.Status = to
		if to.IsTerminal() {
			now := r.now()
			e.CompletedAt = &now
			e.TotalDuration = now.Sub(e.StartedAt).Milliseconds()
		}
		return nil
	})
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeInvalidTransition {
			r.logger.ErrorContext(ctx, "rejected execution transition",
				slog.String("execution_id", id), slog.String("to", string(to)), slog.String("error", err.Error()))
		}
		return nil, err
	}

	if to.IsTerminal() {
		r.fireTerminal(ctx, exec)
	}
	return exec, nil
}

func (r *Recorder) fireTerminal(ctx context.Context, exec *schema.Execution) {
	r.mu.RLock()
	hooks := append([]TerminalHook(nil), r.hooks...)
	r.mu.RUnlock()

	for _, h := range hooks {
		h(ctx, exec)
	}
}

// RecordNodeResult appends a node's output, or its error when res.Err is set.
// A node that already has a result is left untouched.
func (r *Recorder) RecordNodeResult(ctx context.Context, id string, res NodeResult) error {
	_, err := r.update(ctx, id, func(e *schema.Execution) error {
		if e.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %s is %s, cannot record node %s", id, e.Status, res.NodeID).WithNode(res.NodeID)
		}
		if e.HasResult(res.NodeID) {
			return nil
		}

		if res.Err != nil {
			if e.Errors == nil {
				e.Errors = make(map[string]schema.NodeError)
			}
			e.Errors[res.NodeID] = nodeError(res.Err, res.Attempts)
			return nil
		}
		e.Outputs = append(e.Outputs, schema.NodeOutput{
			NodeID:      res.NodeID,
			Output:      res.Output,
			Attempts:    res.Attempts,
			DurationMs:  res.Duration.Milliseconds(),
			CompletedAt: r.now(),
		})
		return nil
	})
	return err
}

func nodeError(err error, attempts int) schema.NodeError {
	ne := schema.NodeError{Code: schema.ErrCodeNodeExecution, Message: err.Error(), Attempts: attempts}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		ne.Code = fe.Code
		if fe.Message != "" {
			ne.Message = fe.Message
		}
	}
	return ne
}

// RecordNodeSkipped marks nodes as skipped. Nodes already skipped are ignored.
func (r *Recorder) RecordNodeSkipped(ctx context.Context, id string, nodeIDs ...string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := r.update(ctx, id, func(e *schema.Execution) error {
		seen := make(map[string]bool, len(e.Skipped))
		for _, n := range e.Skipped {
			seen[n] = true
		}
		for _, n := range nodeIDs {
			if !seen[n] {
				seen[n] = true
				e.Skipped = append(e.Skipped, n)
			}
		}
		return nil
	})
	return err
}

// RequestCancel persists a cancellation request. Terminal executions reject it.
func (r *Recorder) RequestCancel(ctx context.Context, id string) (*schema.Execution, error) {
	return r.update(ctx, id, func(e *schema.Execution) error {
		if e.Status.IsTerminal() {
			return invalidTransition(id, e.Status, schema.ExecutionStatusCancelled)
		}
		e.CancelRequested = true
		return nil
	})
}

// Get returns execution id, or NOT_FOUND.
func (r *Recorder) Get(ctx context.Context, id string) (*schema.Execution, error) {
	var exec schema.Execution
	if err := store.GetJSON(ctx, r.kv, executionKey(id), &exec); err != nil {
		return nil, notFound(err, "execution", id)
	}
	return &exec, nil
}

// GetSnapshot returns the snapshot stored under ref, or NOT_FOUND.
func (r *Recorder) GetSnapshot(ctx context.Context, ref string) (*schema.Snapshot, error) {
	var snap schema.Snapshot
	if err := store.GetJSON(ctx, r.kv, snapshotKey(ref), &snap); err != nil {
		return nil, notFound(err, "snapshot", ref)
	}
	return &snap, nil
}

// ListHistoryForWorkflow returns the executions of wfID, newest first.
func (r *Recorder) ListHistoryForWorkflow(ctx context.Context, wfID string) ([]*schema.Execution, error) {
	entries, err := store.ListJSON[historyEntry](ctx, r.kv, historyPrefix+wfID+"/")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StartedAt.After(entries[j].StartedAt)
		}
		return entries[i].ExecutionID > entries[j].ExecutionID
	})

	out := make([]*schema.Execution, 0, len(entries))
	for _, e := range entries {
		exec, err := r.Get(ctx, e.ExecutionID)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (r *Recorder) update(ctx context.Context, id string, fn func(*schema.Execution) error) (*schema.Execution, error) {
	exec, err := store.UpdateJSON(ctx, r.kv, executionKey(id), fn)
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return exec, nil
}

func notFound(err error, kind, id string) error {
	if schema.IsNotFound(err) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id).WithCause(err)
	}
	return err
}
