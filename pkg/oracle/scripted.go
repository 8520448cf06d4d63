package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-agent/marcus/pkg/types"
)

// Scripted is a deterministic Oracle for tests. Pair judgments are keyed by
// "nameA|nameB" and task scores by task id; anything unscripted gets a
// neutral answer. Set Fail to simulate an outage.
type Scripted struct {
	mu          sync.Mutex
	PairAnswers map[string]types.PairScore
	TaskScores  map[string]types.TaskScore
	Suggestions []string
	Fail        bool

	InferCalls   int
	ScoreCalls   int
	SuggestCalls int
}

// NewScripted creates an empty scripted oracle.
func NewScripted() *Scripted {
	return &Scripted{
		PairAnswers: make(map[string]types.PairScore),
		TaskScores:  make(map[string]types.TaskScore),
	}
}

// PairKey builds the lookup key for a scripted pair judgment.
func PairKey(nameA, nameB string) string {
	return nameA + "|" + nameB
}

func (s *Scripted) InferPairs(ctx context.Context, pairs []Pair) ([]types.PairScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InferCalls++

	if s.Fail {
		return nil, fmt.Errorf("%w: scripted outage", types.ErrOracleUnavailable)
	}

	out := make([]types.PairScore, len(pairs))
	for i, p := range pairs {
		if ans, ok := s.PairAnswers[PairKey(p.A.Name, p.B.Name)]; ok {
			out[i] = ans
		} else {
			out[i] = types.PairScore{Direction: types.DirectionNone, Confidence: 0}
		}
	}
	return out, nil
}

func (s *Scripted) ScoreTaskForAgent(ctx context.Context, agent *types.Agent, task *types.Task) (*types.TaskScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScoreCalls++

	if s.Fail {
		return nil, fmt.Errorf("%w: scripted outage", types.ErrOracleUnavailable)
	}

	if score, ok := s.TaskScores[task.ID]; ok {
		return &score, nil
	}
	return &types.TaskScore{SuccessProbability: 0.5, Risk: 0.5}, nil
}

func (s *Scripted) SuggestResolutions(ctx context.Context, task *types.Task, description string, severity types.BlockerSeverity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SuggestCalls++

	if s.Fail {
		return nil, fmt.Errorf("%w: scripted outage", types.ErrOracleUnavailable)
	}
	return s.Suggestions, nil
}

var _ Oracle = (*Scripted)(nil)
