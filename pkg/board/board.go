package board

import (
	"context"

	"github.com/marcus-agent/marcus/pkg/types"
)

// Board is the kanban system of record. The coordinator requires only these
// capabilities from a provider; ListTasks must return a consistent snapshot.
type Board interface {
	ListTasks(ctx context.Context) ([]*types.Task, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch types.TaskPatch) error
	AddComment(ctx context.Context, taskID string, text string) error
	Close() error
}

// HistoryProvider is the optional capability the context builder uses to
// surface how completed dependencies were implemented.
type HistoryProvider interface {
	ImplementationHistory(ctx context.Context, taskID string) ([]types.ImplementationEntry, error)
	AddImplementation(ctx context.Context, entry types.ImplementationEntry) error
}
