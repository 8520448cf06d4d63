package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Resilient wraps a Board with a per-call timeout and a circuit breaker.
// When the provider fails repeatedly the breaker opens and calls fail fast
// with ErrBoardUnavailable until a probe succeeds.
type Resilient struct {
	inner   Board
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewResilient wraps a board provider.
func NewResilient(inner Board, timeout time.Duration) *Resilient {
	logger := log.WithComponent("board")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "board",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// An unknown task is a business outcome, not provider trouble.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, types.ErrUnknownTask)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("board circuit breaker state change")
			metrics.SetComponentHealth("board", to == gobreaker.StateClosed, "circuit "+to.String())
		},
	})
	return &Resilient{inner: inner, timeout: timeout, breaker: breaker}
}

func (r *Resilient) call(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return op(cctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout after %s", types.ErrBoardUnavailable, r.timeout)
		}
		return nil, err
	}
	return out, nil
}

func (r *Resilient) ListTasks(ctx context.Context) ([]*types.Task, error) {
	out, err := r.call(ctx, func(ctx context.Context) (any, error) {
		return r.inner.ListTasks(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*types.Task), nil
}

func (r *Resilient) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	out, err := r.call(ctx, func(ctx context.Context) (any, error) {
		return r.inner.GetTask(ctx, taskID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.Task), nil
}

func (r *Resilient) UpdateTask(ctx context.Context, taskID string, patch types.TaskPatch) error {
	_, err := r.call(ctx, func(ctx context.Context) (any, error) {
		return nil, r.inner.UpdateTask(ctx, taskID, patch)
	})
	return err
}

func (r *Resilient) AddComment(ctx context.Context, taskID string, text string) error {
	_, err := r.call(ctx, func(ctx context.Context) (any, error) {
		return nil, r.inner.AddComment(ctx, taskID, text)
	})
	return err
}

// History exposes the wrapped provider's history capability, if present.
func (r *Resilient) History() (HistoryProvider, bool) {
	h, ok := r.inner.(HistoryProvider)
	return h, ok
}

func (r *Resilient) ImplementationHistory(ctx context.Context, taskID string) ([]types.ImplementationEntry, error) {
	h, ok := r.History()
	if !ok {
		return nil, nil
	}
	out, err := r.call(ctx, func(ctx context.Context) (any, error) {
		return h.ImplementationHistory(ctx, taskID)
	})
	if err != nil {
		return nil, err
	}
	return out.([]types.ImplementationEntry), nil
}

func (r *Resilient) AddImplementation(ctx context.Context, entry types.ImplementationEntry) error {
	h, ok := r.History()
	if !ok {
		return nil
	}
	_, err := r.call(ctx, func(ctx context.Context) (any, error) {
		return nil, h.AddImplementation(ctx, entry)
	})
	return err
}

func (r *Resilient) Close() error {
	return r.inner.Close()
}

var (
	_ Board           = (*Resilient)(nil)
	_ HistoryProvider = (*Resilient)(nil)
)
