package oracle

import (
	"context"

	"github.com/marcus-agent/marcus/pkg/types"
)

// Pair is one candidate dependency relation submitted for inference.
type Pair struct {
	A *types.Task
	B *types.Task
}

// Oracle is the external AI inference service. It is optional everywhere:
// callers must degrade gracefully when the Oracle is nil or failing.
type Oracle interface {
	// InferPairs judges a batch of ambiguous task pairs and returns one
	// PairScore per input pair, in order.
	InferPairs(ctx context.Context, pairs []Pair) ([]types.PairScore, error)

	// ScoreTaskForAgent estimates how a specific agent will fare on a task.
	ScoreTaskForAgent(ctx context.Context, agent *types.Agent, task *types.Task) (*types.TaskScore, error)

	// SuggestResolutions proposes concrete next steps for a reported blocker.
	SuggestResolutions(ctx context.Context, task *types.Task, description string, severity types.BlockerSeverity) ([]string, error)
}
