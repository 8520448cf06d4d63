package board

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

func newKanban(t *testing.T) *KanbanBoard {
	t.Helper()
	b, err := NewKanbanBoard(filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestKanbanCRUD(t *testing.T) {
	b := newKanban(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, &types.Task{
		ID:           "T1",
		Name:         "Design schema",
		Dependencies: []string{},
		Labels:       []string{"database"},
	}))
	require.NoError(t, b.CreateTask(ctx, &types.Task{
		ID:           "T2",
		Name:         "Build API",
		Dependencies: []string{"T1"},
		Priority:     types.PriorityHigh,
	}))

	tasks, err := b.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, types.TaskStatusTodo, tasks[0].Status)
	assert.Equal(t, []string{"T1"}, tasks[1].Dependencies)
	assert.Equal(t, []string{"database"}, tasks[0].Labels)

	got, err := b.GetTask(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, got.Priority)

	_, err = b.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrUnknownTask)
}

func TestKanbanUpdatePatch(t *testing.T) {
	b := newKanban(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, &types.Task{ID: "T1", Name: "Build API"}))

	patch := types.StatusPatch(types.TaskStatusInProgress, "agent-1")
	patch.Comment = "assigned to agent-1"
	require.NoError(t, b.UpdateTask(ctx, "T1", patch))

	got, err := b.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)
	assert.Equal(t, "agent-1", got.AssignedTo)

	// Partial patch leaves the other field alone.
	status := types.TaskStatusDone
	require.NoError(t, b.UpdateTask(ctx, "T1", types.TaskPatch{Status: &status}))
	got, err = b.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDone, got.Status)
	assert.Equal(t, "agent-1", got.AssignedTo)
}

func TestKanbanImplementationHistory(t *testing.T) {
	b := newKanban(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, &types.Task{ID: "T1", Name: "Build API"}))
	require.NoError(t, b.AddImplementation(ctx, types.ImplementationEntry{
		TaskID:  "T1",
		AgentID: "agent-1",
		Summary: "REST endpoints in pkg/api, JWT middleware",
	}))

	entries, err := b.ImplementationHistory(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].AgentID)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestMemoryBoardCopies(t *testing.T) {
	b := NewMemoryBoard()
	b.Seed(&types.Task{ID: "T1", Name: "one", Labels: []string{"api"}})

	ctx := context.Background()
	got, err := b.GetTask(ctx, "T1")
	require.NoError(t, err)

	got.Labels[0] = "mutated"
	again, err := b.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "api", again.Labels[0])
}

func TestResilientTimeout(t *testing.T) {
	slow := &slowBoard{delay: 200 * time.Millisecond}
	r := NewResilient(slow, 20*time.Millisecond)

	_, err := r.ListTasks(context.Background())
	assert.ErrorIs(t, err, types.ErrBoardUnavailable)
}

func TestResilientBreakerOpens(t *testing.T) {
	failing := NewMemoryBoard()
	failing.FailLists = true
	r := NewResilient(failing, time.Second)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.ListTasks(ctx)
		require.Error(t, err)
	}

	// Breaker is now open: calls fail fast even though the provider healed.
	failing.FailLists = false
	_, err := r.ListTasks(ctx)
	assert.ErrorIs(t, err, types.ErrBoardUnavailable)
}

type slowBoard struct {
	delay time.Duration
}

func (s *slowBoard) ListTasks(ctx context.Context) ([]*types.Task, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowBoard) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return nil, types.ErrUnknownTask
}

func (s *slowBoard) UpdateTask(ctx context.Context, taskID string, patch types.TaskPatch) error {
	return nil
}

func (s *slowBoard) AddComment(ctx context.Context, taskID string, text string) error {
	return nil
}

func (s *slowBoard) Close() error { return nil }
