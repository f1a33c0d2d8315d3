// Package trigger starts workflow executions on cron schedules.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultTickInterval is how often due triggers are polled.
const DefaultTickInterval = time.Minute

const keyPrefix = "triggers/"

func triggerKey(id string) string { return keyPrefix + id }

// Run outcomes stored in Trigger.LastRunStatus.
const (
	RunStatusStarted = "started"
	RunStatusError   = "error"
)

// Trigger executes a workflow whenever its cron expression fires.
type Trigger struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Cron            string         `json:"cron"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
}

// Runner starts executions. Satisfied by *engine.Engine.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]any) (string, error)
}

// Scheduler polls the store for due triggers and fires them.
type Scheduler struct {
	kv       store.Store
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing
}

// NewScheduler creates a trigger scheduler. A non-positive interval means
// DefaultTickInterval.
func NewScheduler(kv store.Store, runner Runner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		kv:       kv,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		inflight: make(map[string]struct{}),
	}
}

// Create stores an enabled trigger for workflowID.
func (s *Scheduler) Create(ctx context.Context, workflowID, cronExpr string, inputs map[string]any) (*Trigger, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger needs a workflow_id")
	}
	now := s.now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}

	t := &Trigger{
		ID:         s.newID(),
		WorkflowID: workflowID,
		Cron:       cronExpr,
		Inputs:     inputs,
		Enabled:    true,
		CreatedAt:  now,
		NextRunAt:  &next,
	}
	if err := store.CreateJSON(ctx, s.kv, triggerKey(t.ID), t); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "trigger created",
		slog.String("trigger_id", t.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr))
	return t, nil
}

// Get returns a trigger or NOT_FOUND.
func (s *Scheduler) Get(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	if err := store.GetJSON(ctx, s.kv, triggerKey(id), &t); err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger %s not found", id)
		}
		return nil, err
	}
	return &t, nil
}

// List returns the triggers of workflowID, or all triggers when it is empty,
// ordered by creation time.
func (s *Scheduler) List(ctx context.Context, workflowID string) ([]*Trigger, error) {
	all, err := store.ListJSON[Trigger](ctx, s.kv, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if workflowID == "" || t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetEnabled enables or disables a trigger. Re-enabling schedules the next
// run from now so old misses are not replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (*Trigger, error) {
	return s.update(ctx, id, func(t *Trigger) error {
		if enabled && !t.Enabled {
			next, err := s.CalculateNextRun(t.Cron, s.now())
			if err != nil {
				return err
			}
			t.NextRunAt = &next
		}
		t.Enabled = enabled
		return nil
	})
}

// Delete removes a trigger.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, triggerKey(id)); err != nil {
		if schema.IsNotFound(err) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "trigger %s not found", id)
		}
		return err
	}
	return nil
}

func (s *Scheduler) update(ctx context.Context, id string, fn func(*Trigger) error) (*Trigger, error) {
	t, err := store.UpdateJSON(ctx, s.kv, triggerKey(id), fn)
	if err != nil && schema.IsNotFound(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger %s not found", id)
	}
	return t, err
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "trigger scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("trigger scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled trigger whose next run is due.
func (s *Scheduler) tick(ctx context.Context) int {
	triggers, err := s.List(ctx, "")
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	fired := 0
	for _, t := range triggers {
		if !t.Enabled || (t.NextRunAt != nil && t.NextRunAt.After(now)) {
			continue
		}
		if !s.tryAcquire(t.ID) {
			continue // still firing from a previous tick
		}
		if err := s.fire(ctx, t, now); err != nil {
			s.logger.Error("failed to fire trigger",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()))
		} else {
			fired++
		}
		s.release(t.ID)
	}
	return fired
}

// fire starts one execution and records the outcome. The next run is
// computed from now, so any number of missed firings collapse into one.
func (s *Scheduler) fire(ctx context.Context, t *Trigger, now time.Time) error {
	s.logger.InfoContext(ctx, "firing trigger",
		slog.String("trigger_id", t.ID),
		slog.String("workflow_id", t.WorkflowID))

	execID, runErr := s.runner.ExecuteWorkflow(ctx, t.WorkflowID, t.Inputs)
	if runErr != nil {
		s.logger.ErrorContext(ctx, "trigger execution failed to start",
			slog.String("trigger_id", t.ID),
			slog.String("workflow_id", t.WorkflowID),
			slog.String("error", runErr.Error()))
	}

	next, err := s.CalculateNextRun(t.Cron, now)
	if err != nil {
		return err
	}
	_, err = s.update(ctx, t.ID, func(cur *Trigger) error {
		cur.LastRunAt = &now
		cur.NextRunAt = &next
		if runErr != nil {
			cur.LastRunStatus = RunStatusError
			cur.LastError = runErr.Error()
			return nil
		}
		cur.LastRunStatus = RunStatusStarted
		cur.LastExecutionID = execID
		cur.LastError = ""
		return nil
	})
	return err
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun returns the first time after from that cronExpr fires.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).
			WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop halts the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("trigger scheduler stopped")
}

// RecoverMissed fires, once each, the enabled triggers whose next run passed
// while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	triggers, err := s.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, t := range triggers {
		if !t.Enabled || t.NextRunAt == nil || !t.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(t.ID) {
			continue
		}
		if err := s.fire(ctx, t, now); err != nil {
			s.logger.Error("failed to recover missed trigger",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()))
		} else {
			recovered++
		}
		s.release(t.ID)
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return recovered, nil
}
