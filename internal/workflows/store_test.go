package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	s := New(store.NewMemoryStore(), v, nil)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s
}

func definition(owner, name string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    name,
		OwnerID: owner,
		Nodes: []schema.Node{
			{ID: "a", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression":"."}`)},
			{ID: "b", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression":".a"}`)},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
}

func TestCreate_AssignsIdentityAndDraftStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf, err := s.Create(ctx, definition("u1", "first"))
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, schema.WorkflowStatusDraft, wf.Status)
	assert.Equal(t, wf.CreatedAt, wf.UpdatedAt)

	got, err := s.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Len(t, got.Nodes, 2)
	assert.Len(t, got.Edges, 1)

	other, err := s.Create(ctx, definition("u1", "second"))
	require.NoError(t, err)
	assert.NotEqual(t, wf.ID, other.ID)
}

func TestCreate_RejectsInvalidDefinition(t *testing.T) {
	s := newTestStore(t)
	def := definition("u1", "")
	_, err := s.Create(context.Background(), def)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))

	all, err := s.ListByOwner(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_DoesNotAliasCallerSlices(t *testing.T) {
	s := newTestStore(t)
	def := definition("u1", "w")
	wf, err := s.Create(context.Background(), def)
	require.NoError(t, err)

	def.Nodes[0].ID = "mutated"
	got, err := s.Get(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Nodes[0].ID)
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestUpdate_MergesPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf, err := s.Create(ctx, definition("u1", "before"))
	require.NoError(t, err)

	name := "after"
	status := schema.WorkflowStatusPublished
	updated, err := s.Update(ctx, wf.ID, &schema.WorkflowPatch{Name: &name, Status: &status})
	require.NoError(t, err)

	assert.Equal(t, "after", updated.Name)
	assert.Equal(t, schema.WorkflowStatusPublished, updated.Status)
	assert.Len(t, updated.Nodes, 2, "nil fields are left unchanged")
	assert.True(t, updated.UpdatedAt.After(wf.UpdatedAt))
	assert.Equal(t, wf.CreatedAt, updated.CreatedAt)
}

func TestUpdate_ReplacesGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf, err := s.Create(ctx, definition("u1", "w"))
	require.NoError(t, err)

	nodes := []schema.Node{{ID: "only", Type: schema.NodeTypeTransform, Config: json.RawMessage(`{"expression":"1"}`)}}
	updated, err := s.Update(ctx, wf.ID, &schema.WorkflowPatch{Nodes: nodes, Edges: []schema.Edge{}})
	require.NoError(t, err)
	assert.Len(t, updated.Nodes, 1)
	assert.Empty(t, updated.Edges)
}

func TestUpdate_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "x"
	_, err := s.Update(ctx, "missing", &schema.WorkflowPatch{Name: &name})
	assert.True(t, schema.IsNotFound(err))

	wf, err := s.Create(ctx, definition("u1", "w"))
	require.NoError(t, err)

	bogus := schema.WorkflowStatus("deleted")
	_, err = s.Update(ctx, wf.ID, &schema.WorkflowPatch{Status: &bogus})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	empty := ""
	_, err = s.Update(ctx, wf.ID, &schema.WorkflowPatch{Name: &empty})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	got, err := s.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "w", got.Name, "rejected patch leaves the workflow untouched")
}

func TestUpdate_ConcurrentIsLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf, err := s.Create(ctx, definition("u1", "w"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("name-%d", i)
			_, err := s.Update(ctx, wf.ID, &schema.WorkflowPatch{Name: &name})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Regexp(t, `^name-\d$`, got.Name)
}

func TestListByOwner_NewestUpdateFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, definition("u1", "first"))
	require.NoError(t, err)
	second, err := s.Create(ctx, definition("u1", "second"))
	require.NoError(t, err)
	_, err = s.Create(ctx, definition("u2", "someone else's"))
	require.NoError(t, err)

	list, err := s.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	desc := "touched"
	_, err = s.Update(ctx, first.ID, &schema.WorkflowPatch{Description: &desc})
	require.NoError(t, err)

	list, err = s.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID)

	list, err = s.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAppendExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf, err := s.Create(ctx, definition("u1", "w"))
	require.NoError(t, err)

	done := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendExecution(ctx, wf.ID, schema.ExecutionSummary{ExecutionID: "x1", Status: schema.ExecutionStatusCompleted, CompletedAt: &done}))
	require.NoError(t, s.AppendExecution(ctx, wf.ID, schema.ExecutionSummary{ExecutionID: "x2", Status: schema.ExecutionStatusFailed, CompletedAt: &done}))
	require.NoError(t, s.AppendExecution(ctx, wf.ID, schema.ExecutionSummary{ExecutionID: "x1", Status: schema.ExecutionStatusCompleted, CompletedAt: &done}))

	got, err := s.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got.Executions, 2)
	assert.Equal(t, "x1", got.Executions[0].ExecutionID)
	assert.Equal(t, "x2", got.Executions[1].ExecutionID)
	assert.Equal(t, wf.UpdatedAt, got.UpdatedAt)

	err = s.AppendExecution(ctx, "missing", schema.ExecutionSummary{ExecutionID: "x"})
	assert.True(t, schema.IsNotFound(err))
}
