package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/marcus-agent/marcus/pkg/board"
	"github.com/marcus-agent/marcus/pkg/events"
	"github.com/marcus-agent/marcus/pkg/lease"
	"github.com/marcus-agent/marcus/pkg/ledger"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/types"
)

// reversion kinds, used as the metric label and event metadata.
const (
	revertedToTodo    = "reverted_to_todo"
	reassignedOutside = "reassigned_out_of_band"
	completedByOther  = "completed_by_other"
	blockedUnassigned = "blocked_unassigned"
	taskMissing       = "task_missing"
)

// problemThreshold is the reversion count at which a task is flagged.
const problemThreshold = 3

// Monitor keeps the assignment ledger consistent with the board. A one-shot
// startup reconciliation repairs state left by a crash; a periodic cycle
// detects tasks reverted, reassigned, or deleted out-of-band and releases
// their assignments.
type Monitor struct {
	board  board.Board
	ledger *ledger.Ledger
	leases *lease.Manager
	broker *events.Broker

	interval time.Duration

	mu         sync.Mutex
	reversions map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a monitor. Reversion counts persisted by earlier runs are
// loaded lazily on the first cycle.
func New(b board.Board, led *ledger.Ledger, leases *lease.Manager, broker *events.Broker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		board:    b,
		ledger:   led,
		leases:   leases,
		broker:   broker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Reconcile cross-checks every persisted assignment against the board and
// adopts board tasks that are in progress but unknown to the ledger. The
// board is authoritative. Individual failures are collected; the pass keeps
// going.
func (m *Monitor) Reconcile(ctx context.Context) (*types.ReconcileReport, error) {
	logger := log.WithComponent("monitor")
	report := &types.ReconcileReport{}
	var errs *multierror.Error

	tasks, err := m.board.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: board unavailable: %w", err)
	}
	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, a := range m.ledger.All() {
		task, ok := byID[a.TaskID]
		consistent := ok &&
			task.Status == types.TaskStatusInProgress &&
			task.AssignedTo == a.AgentID
		if consistent {
			report.Verified = append(report.Verified, a.TaskID)
			continue
		}

		if err := m.ledger.Remove(a.AgentID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove assignment %s: %w", a.TaskID, err))
			report.Errors = append(report.Errors, a.TaskID)
			continue
		}
		m.leases.ForceRelease(a.TaskID, "startup reconciliation")
		report.Removed = append(report.Removed, a.TaskID)
		logger.Warn().
			Str("task_id", a.TaskID).
			Str("agent_id", a.AgentID).
			Msg("removed inconsistent assignment")
	}

	for _, task := range tasks {
		if task.Status != types.TaskStatusInProgress {
			continue
		}
		if _, ok := m.ledger.ByTask(task.ID); ok {
			continue
		}

		if task.AssignedTo == "" {
			// In progress with no owner and no record. Nothing to adopt:
			// put it back in the pool.
			if err := m.board.UpdateTask(ctx, task.ID, types.StatusPatch(types.TaskStatusTodo, "")); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("reset orphan %s: %w", task.ID, err))
				report.Errors = append(report.Errors, task.ID)
				continue
			}
			report.Removed = append(report.Removed, task.ID)
			continue
		}

		l, ok := m.leases.Acquire(task.ID, task.AssignedTo, 0)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("orphan %s: lease already held", task.ID))
			report.Errors = append(report.Errors, task.ID)
			continue
		}
		a := &types.Assignment{
			AgentID:        task.AssignedTo,
			TaskID:         task.ID,
			AssignedAt:     l.AcquiredAt,
			LeaseExpiresAt: l.ExpiresAt,
			LastHeartbeat:  l.LastHeartbeat,
			Status:         types.AssignmentActive,
			Metadata:       map[string]string{"restored": "true"},
		}
		if err := m.ledger.Save(a); err != nil {
			m.leases.Release(task.ID, task.AssignedTo)
			errs = multierror.Append(errs, fmt.Errorf("restore assignment %s: %w", task.ID, err))
			report.Errors = append(report.Errors, task.ID)
			continue
		}
		report.Restored = append(report.Restored, task.ID)
		logger.Info().
			Str("task_id", task.ID).
			Str("agent_id", task.AssignedTo).
			Msg("restored orphaned assignment from board")
	}

	logger.Info().
		Int("verified", len(report.Verified)).
		Int("removed", len(report.Removed)).
		Int("restored", len(report.Restored)).
		Int("errors", len(report.Errors)).
		Msg("startup reconciliation complete")

	if m.broker != nil {
		m.broker.Emit(events.EventReconcilerReport, "startup reconciliation complete", map[string]string{
			"verified": strconv.Itoa(len(report.Verified)),
			"removed":  strconv.Itoa(len(report.Removed)),
			"restored": strconv.Itoa(len(report.Restored)),
			"errors":   strconv.Itoa(len(report.Errors)),
		})
	}
	return report, errs.ErrorOrNil()
}

// Start launches the steady-state loop. Board outages back the loop off
// exponentially; a successful cycle returns it to the regular interval.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops the steady-state loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Monitor) run(ctx context.Context) {
	logger := log.WithComponent("monitor")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = m.interval

	delay := m.interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := m.Cycle(ctx); err != nil {
				delay = bo.NextBackOff()
				logger.Warn().Err(err).Dur("retry_in", delay).Msg("monitor cycle failed")
			} else {
				bo.Reset()
				delay = m.interval
			}
			timer.Reset(delay)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle runs one reversion-detection pass. The board is read in a single
// call so the pass never observes a partial update; a read failure skips
// the whole cycle.
func (m *Monitor) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.MonitorCyclesTotal.Inc()
		metrics.MonitorCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if err := m.ensureReversionsLoaded(); err != nil {
		return err
	}

	tasks, err := m.board.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("monitor: board read failed: %w", err)
	}
	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, a := range m.ledger.All() {
		kind := detectReversion(a, byID[a.TaskID])
		if kind == "" {
			continue
		}
		m.repair(a, kind)
	}
	return nil
}

// detectReversion returns the reversion kind for a ledger entry given the
// current board task, or "" when the entry is still consistent.
func detectReversion(a *types.Assignment, task *types.Task) string {
	if task == nil {
		return taskMissing
	}
	switch task.Status {
	case types.TaskStatusTodo:
		return revertedToTodo
	case types.TaskStatusInProgress:
		if task.AssignedTo != a.AgentID {
			return reassignedOutside
		}
	case types.TaskStatusDone:
		if task.AssignedTo != a.AgentID {
			return completedByOther
		}
	case types.TaskStatusBlocked:
		if task.AssignedTo == "" {
			return blockedUnassigned
		}
	}
	return ""
}

func (m *Monitor) repair(a *types.Assignment, kind string) {
	logger := log.WithComponent("monitor")

	if err := m.ledger.Remove(a.AgentID); err != nil {
		// Leave it for the next cycle; repair is idempotent.
		logger.Error().Err(err).Str("task_id", a.TaskID).Msg("failed to remove reverted assignment")
		return
	}
	m.leases.ForceRelease(a.TaskID, kind)
	metrics.ReversionsTotal.WithLabelValues(kind).Inc()

	logger.Warn().
		Str("task_id", a.TaskID).
		Str("agent_id", a.AgentID).
		Str("kind", kind).
		Msg("assignment reverted")

	if m.broker != nil {
		m.broker.Emit(events.EventAssignmentReverted, "assignment reverted for "+a.TaskID, map[string]string{
			"task_id":  a.TaskID,
			"agent_id": a.AgentID,
			"kind":     kind,
		})
	}

	if kind != revertedToTodo {
		return
	}

	m.mu.Lock()
	m.reversions[a.TaskID]++
	count := m.reversions[a.TaskID]
	m.mu.Unlock()

	if err := m.ledger.SaveReversionCount(a.TaskID, count); err != nil {
		logger.Error().Err(err).Str("task_id", a.TaskID).Msg("failed to persist reversion count")
	}

	if count >= problemThreshold && m.broker != nil {
		m.broker.Emit(events.EventProblemTask,
			fmt.Sprintf("task %s reverted %d times", a.TaskID, count),
			map[string]string{
				"task_id": a.TaskID,
				"count":   strconv.Itoa(count),
			})
	}
}

// ReversionCount returns the recorded reversion count for a task.
func (m *Monitor) ReversionCount(taskID string) int {
	if err := m.ensureReversionsLoaded(); err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reversions[taskID]
}

func (m *Monitor) ensureReversionsLoaded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reversions != nil {
		return nil
	}
	counts, err := m.ledger.LoadReversionCounts()
	if err != nil {
		// Counters are advisory. Start over rather than stall the monitor.
		log.WithComponent("monitor").Warn().Err(err).Msg("could not load reversion counts, starting fresh")
		counts = make(map[string]int)
	}
	m.reversions = counts
	return nil
}
