package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus-agent/marcus/pkg/types"
)

// MemoryBoard is an in-process Board used in tests and demos. It applies
// patches under a lock and returns deep copies so callers cannot mutate the
// board behind its back.
type MemoryBoard struct {
	mu       sync.Mutex
	tasks    map[string]*types.Task
	comments map[string][]string
	history  map[string][]types.ImplementationEntry

	// FailLists forces ListTasks to error, simulating an unreachable board.
	FailLists bool
	// FailUpdates forces UpdateTask to error.
	FailUpdates bool
}

// NewMemoryBoard creates an empty in-memory board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		tasks:    make(map[string]*types.Task),
		comments: make(map[string][]string),
		history:  make(map[string][]types.ImplementationEntry),
	}
}

// Seed inserts or replaces tasks directly, bypassing patch semantics.
func (b *MemoryBoard) Seed(tasks ...*types.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tasks {
		cp := *t
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		b.tasks[t.ID] = &cp
	}
}

func copyTask(t *types.Task) *types.Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Labels = append([]string(nil), t.Labels...)
	return &cp
}

func (b *MemoryBoard) ListTasks(ctx context.Context) ([]*types.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailLists {
		return nil, fmt.Errorf("%w: memory board list disabled", types.ErrBoardUnavailable)
	}
	out := make([]*types.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBoard) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownTask, taskID)
	}
	return copyTask(t), nil
}

func (b *MemoryBoard) UpdateTask(ctx context.Context, taskID string, patch types.TaskPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailUpdates {
		return fmt.Errorf("%w: memory board updates disabled", types.ErrBoardUnavailable)
	}
	t, ok := b.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownTask, taskID)
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		t.AssignedTo = *patch.AssignedTo
	}
	if patch.Comment != "" {
		b.comments[taskID] = append(b.comments[taskID], patch.Comment)
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (b *MemoryBoard) AddComment(ctx context.Context, taskID string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[taskID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownTask, taskID)
	}
	b.comments[taskID] = append(b.comments[taskID], text)
	return nil
}

// Comments returns comments recorded for a task.
func (b *MemoryBoard) Comments(taskID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.comments[taskID]...)
}

func (b *MemoryBoard) ImplementationHistory(ctx context.Context, taskID string) ([]types.ImplementationEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.ImplementationEntry(nil), b.history[taskID]...), nil
}

func (b *MemoryBoard) AddImplementation(ctx context.Context, entry types.ImplementationEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	b.history[entry.TaskID] = append(b.history[entry.TaskID], entry)
	return nil
}

func (b *MemoryBoard) Close() error {
	return nil
}

var (
	_ Board           = (*MemoryBoard)(nil)
	_ HistoryProvider = (*MemoryBoard)(nil)
)
