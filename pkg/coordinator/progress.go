package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-agent/marcus/pkg/board"
	"github.com/marcus-agent/marcus/pkg/events"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/types"
)

// validateAssignment checks that agentID currently owns taskID with a live
// lease, heartbeats the lease, and syncs the renewed deadline back to the
// ledger.
func (c *Coordinator) validateAssignment(agentID, taskID string) (*types.Assignment, error) {
	a, ok := c.ledger.ByAgent(agentID)
	if !ok || a.TaskID != taskID {
		return nil, fmt.Errorf("%w: agent %s does not hold task %s", types.ErrNotAssigned, agentID, taskID)
	}

	if !c.leases.Heartbeat(taskID, agentID) {
		return nil, fmt.Errorf("%w: lease on task %s lapsed", types.ErrLeaseExpired, taskID)
	}

	if l, ok := c.leases.Get(taskID); ok {
		a.LeaseExpiresAt = l.ExpiresAt
		a.LastHeartbeat = l.LastHeartbeat
		a.RenewalCount = l.RenewalCount
		if err := c.ledger.Save(a); err != nil {
			log.WithComponent("coordinator").Warn().Err(err).
				Str("task_id", taskID).
				Msg("could not persist heartbeat")
		}
	}
	return a, nil
}

// ReportProgress handles an agent's in_progress, completed, or blocked
// update. Completion and blockage end the assignment; plain progress only
// heartbeats and annotates the board.
func (c *Coordinator) ReportProgress(ctx context.Context, agentID, taskID string, status types.ProgressStatus, progress int, message string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", types.ErrInvalidInput, progress)
	}
	switch status {
	case types.ProgressInProgress, types.ProgressCompleted, types.ProgressBlocked:
	default:
		return fmt.Errorf("%w: unknown progress status %q", types.ErrInvalidInput, status)
	}

	if _, err := c.touchAgent(agentID); err != nil {
		return err
	}
	a, err := c.validateAssignment(agentID, taskID)
	if err != nil {
		return err
	}

	switch status {
	case types.ProgressInProgress:
		return c.progressUpdate(ctx, agentID, taskID, progress, message)
	case types.ProgressCompleted:
		return c.complete(ctx, a, message)
	default:
		return c.block(ctx, a, message)
	}
}

func (c *Coordinator) progressUpdate(ctx context.Context, agentID, taskID string, progress int, message string) error {
	comment := fmt.Sprintf("Progress %d%%", progress)
	if message != "" {
		comment += ": " + message
	}
	if err := c.addComment(ctx, taskID, comment); err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Str("task_id", taskID).Msg("progress comment failed")
	}

	if c.broker != nil {
		c.broker.Emit(events.EventTaskProgress, comment, map[string]string{
			"task_id":  taskID,
			"agent_id": agentID,
			"progress": fmt.Sprintf("%d", progress),
		})
	}
	return nil
}

func (c *Coordinator) complete(ctx context.Context, a *types.Assignment, message string) error {
	done := types.TaskStatusDone
	patch := types.TaskPatch{Status: &done}
	if message != "" {
		patch.Comment = "Completed: " + message
	}
	if err := c.updateBoard(ctx, a.TaskID, patch); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}

	if hp, ok := c.board.(board.HistoryProvider); ok && message != "" {
		bctx, cancel := context.WithTimeout(ctx, c.cfg.BoardTimeout())
		err := hp.AddImplementation(bctx, types.ImplementationEntry{
			TaskID:    a.TaskID,
			AgentID:   a.AgentID,
			Summary:   message,
			CreatedAt: c.now(),
		})
		cancel()
		if err != nil {
			log.WithComponent("coordinator").Warn().Err(err).
				Str("task_id", a.TaskID).
				Msg("could not record implementation summary")
		}
	}

	c.endAssignment(a, types.ProgressCompleted)

	if c.broker != nil {
		c.broker.Emit(events.EventTaskCompleted, "task "+a.TaskID+" completed", map[string]string{
			"task_id":  a.TaskID,
			"agent_id": a.AgentID,
		})
	}
	return nil
}

func (c *Coordinator) block(ctx context.Context, a *types.Assignment, message string) error {
	blocked := types.TaskStatusBlocked
	patch := types.TaskPatch{Status: &blocked}
	if message != "" {
		patch.Comment = "Blocked: " + message
	}
	if err := c.updateBoard(ctx, a.TaskID, patch); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}

	c.endAssignment(a, types.ProgressBlocked)

	if c.broker != nil {
		c.broker.Emit(events.EventTaskBlocked, "task "+a.TaskID+" blocked", map[string]string{
			"task_id":  a.TaskID,
			"agent_id": a.AgentID,
		})
	}
	return nil
}

// endAssignment removes the ledger record and lease and updates the agent's
// counters. The board has already been updated by the caller.
func (c *Coordinator) endAssignment(a *types.Assignment, outcome types.ProgressStatus) {
	if err := c.ledger.Remove(a.AgentID); err != nil {
		log.WithComponent("coordinator").Error().Err(err).
			Str("task_id", a.TaskID).
			Msg("could not remove finished assignment, monitor will retry")
	}
	c.leases.Release(a.TaskID, a.AgentID)
	c.recordOutcome(a.AgentID, outcome)

	metrics.AssignmentsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.AssignmentDuration.Observe(time.Since(a.AssignedAt).Seconds())

	if c.broker != nil {
		c.broker.Emit(events.EventAssignmentReleased, "assignment ended for "+a.TaskID, map[string]string{
			"task_id":  a.TaskID,
			"agent_id": a.AgentID,
			"outcome":  string(outcome),
		})
	}
}

// ReportBlocker records a blocker on the board, marks the task blocked, and
// asks the Oracle for resolution suggestions. The assignment stays with the
// agent so it can resume once unblocked.
func (c *Coordinator) ReportBlocker(ctx context.Context, agentID, taskID, description string, severity types.BlockerSeverity) ([]string, error) {
	if description == "" {
		return nil, fmt.Errorf("%w: blocker description is required", types.ErrInvalidInput)
	}
	switch severity {
	case types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical:
	default:
		return nil, fmt.Errorf("%w: unknown severity %q", types.ErrInvalidInput, severity)
	}

	if _, err := c.touchAgent(agentID); err != nil {
		return nil, err
	}
	if _, err := c.validateAssignment(agentID, taskID); err != nil {
		return nil, err
	}

	blocked := types.TaskStatusBlocked
	patch := types.TaskPatch{
		Status:  &blocked,
		Comment: fmt.Sprintf("Blocker (%s): %s", severity, description),
	}
	if err := c.updateBoard(ctx, taskID, patch); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
	}

	var suggestions []string
	if c.oracle != nil {
		task, terr := c.fetchTask(ctx, taskID)
		if terr == nil {
			octx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout())
			s, serr := c.oracle.SuggestResolutions(octx, task, description, severity)
			cancel()
			if serr != nil {
				log.WithComponent("coordinator").Warn().Err(serr).
					Str("task_id", taskID).
					Msg("no blocker suggestions from oracle")
			} else {
				suggestions = s
			}
		}
	}

	c.agentMu.Lock()
	if ag, ok := c.agents[agentID]; ok {
		ag.Blocked++
	}
	c.agentMu.Unlock()

	if c.broker != nil {
		c.broker.Emit(events.EventTaskBlocked, "blocker reported on "+taskID, map[string]string{
			"task_id":  taskID,
			"agent_id": agentID,
			"severity": string(severity),
		})
	}
	return suggestions, nil
}

// ReleaseTask hands a task back voluntarily. Releasing an assignment that
// no longer exists is a successful no-op; releasing someone else's task is
// not.
func (c *Coordinator) ReleaseTask(ctx context.Context, agentID, taskID string) error {
	if _, err := c.touchAgent(agentID); err != nil {
		return err
	}

	a, ok := c.ledger.ByAgent(agentID)
	if !ok {
		if held, holderOK := c.ledger.ByTask(taskID); holderOK && held.AgentID != agentID {
			return fmt.Errorf("%w: task %s is held by another agent", types.ErrNotAssigned, taskID)
		}
		return nil
	}
	if a.TaskID != taskID {
		return fmt.Errorf("%w: agent %s does not hold task %s", types.ErrNotAssigned, agentID, taskID)
	}

	if err := c.updateBoard(ctx, taskID, unassignPatch()); err != nil {
		// The monitor will observe the mismatch and heal the board.
		log.WithComponent("coordinator").Warn().Err(err).
			Str("task_id", taskID).
			Msg("board reset failed during release")
	}
	if err := c.ledger.Remove(agentID); err != nil {
		return fmt.Errorf("remove assignment: %w", err)
	}
	c.leases.Release(taskID, agentID)

	metrics.AssignmentsTotal.WithLabelValues("released").Inc()
	if c.broker != nil {
		c.broker.Emit(events.EventAssignmentReleased, "task "+taskID+" released by "+agentID, map[string]string{
			"task_id":  taskID,
			"agent_id": agentID,
			"outcome":  "released",
		})
	}
	return nil
}

// GetTaskContext builds the briefing payload for any known task, without
// requiring an assignment.
func (c *Coordinator) GetTaskContext(ctx context.Context, taskID string) (string, error) {
	task, ok := c.graph.Get(taskID)
	if !ok {
		fetched, err := c.fetchTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, types.ErrUnknownTask) {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", types.ErrBoardUnavailable, err)
		}
		task = fetched
		c.graph.Upsert(task)
	}

	agent := &types.Agent{}
	if a, ok := c.ledger.ByTask(taskID); ok {
		if holder, found := c.Agent(a.AgentID); found {
			agent = holder
		}
	}
	return c.buildBriefing(ctx, agent, task, nil), nil
}

func (c *Coordinator) addComment(ctx context.Context, taskID, text string) error {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BoardTimeout())
	defer cancel()
	return c.board.AddComment(bctx, taskID, text)
}
