// Package workflows persists workflow definitions in the KV store.
package workflows

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

const keyPrefix = "workflows/"

// Key returns the KV key of a workflow.
func Key(id string) string { return keyPrefix + id }

// Store is the durable CRUD layer for workflow definitions. It knows nothing
// about execution state apart from the summary history appended on
// terminal transitions.
type Store struct {
	kv        store.Store
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a workflow store over kv.
func New(kv store.Store, validator *validation.JSONSchemaValidator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:        kv,
		validator: validator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Create validates def, assigns a fresh id and stores it as a draft.
func (s *Store) Create(ctx context.Context, def *schema.WorkflowDefinition) (*schema.Workflow, error) {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	now := s.now()
	wf := &schema.Workflow{
		ID:          s.newID(),
		Name:        def.Name,
		Description: def.Description,
		OwnerID:     def.OwnerID,
		Nodes:       schema.CloneNodes(def.Nodes),
		Edges:       schema.CloneEdges(def.Edges),
		Status:      schema.WorkflowStatusDraft,
		InputSchema: def.InputSchema,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateJSON(ctx, s.kv, Key(wf.ID), wf); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "workflow created", slog.String("workflow_id", wf.ID), slog.String("owner_id", wf.OwnerID))
	return wf, nil
}

// Get returns the workflow with id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := store.GetJSON(ctx, s.kv, Key(id), &wf); err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id).WithCause(err)
		}
		return nil, err
	}
	return &wf, nil
}

// Update merges patch into the stored workflow and bumps UpdatedAt.
// Concurrent updates are last-write-wins; each one is atomic on its key.
func (s *Store) Update(ctx context.Context, id string, patch *schema.WorkflowPatch) (*schema.Workflow, error) {
	if patch == nil {
		return s.Get(ctx, id)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", *patch.Status)
	}

	wf, err := store.UpdateJSON(ctx, s.kv, Key(id), func(wf *schema.Workflow) error {
		applyPatch(wf, patch)
		if err := s.validator.ValidateDefinition(wf.Definition()); err != nil {
			return err
		}
		wf.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id).WithCause(err)
		}
		return nil, err
	}
	return wf, nil
}

func applyPatch(wf *schema.Workflow, p *schema.WorkflowPatch) {
	if p.Name != nil {
		wf.Name = *p.Name
	}
	if p.Description != nil {
		wf.Description = *p.Description
	}
	if p.Status != nil {
		wf.Status = *p.Status
	}
	if p.Nodes != nil {
		wf.Nodes = schema.CloneNodes(p.Nodes)
	}
	if p.Edges != nil {
		wf.Edges = schema.CloneEdges(p.Edges)
	}
	if p.InputSchema != nil {
		wf.InputSchema = p.InputSchema
	}
}

// ListByOwner returns the workflows of ownerID, most recently updated first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*schema.Workflow, error) {
	all, err := store.ListJSON[schema.Workflow](ctx, s.kv, keyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*schema.Workflow, 0, len(all))
	for _, wf := range all {
		if wf.OwnerID == ownerID {
			out = append(out, wf)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendExecution adds summary to the workflow's history. Appending the same
// execution twice replaces the earlier entry. UpdatedAt is left alone: the
// history is not part of the definition.
func (s *Store) AppendExecution(ctx context.Context, id string, summary schema.ExecutionSummary) error {
	_, err := store.UpdateJSON(ctx, s.kv, Key(id), func(wf *schema.Workflow) error {
		for i, e := range wf.Executions {
			if e.ExecutionID == summary.ExecutionID {
				wf.Executions[i] = summary
				return nil
			}
		}
		wf.Executions = append(wf.Executions, summary)
		return nil
	})
	return err
}
