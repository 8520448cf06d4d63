package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-set/v3"

	"github.com/marcus-agent/marcus/pkg/board"
	"github.com/marcus-agent/marcus/pkg/briefing"
	"github.com/marcus-agent/marcus/pkg/config"
	"github.com/marcus-agent/marcus/pkg/events"
	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/inference"
	"github.com/marcus-agent/marcus/pkg/lease"
	"github.com/marcus-agent/marcus/pkg/ledger"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/matcher"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/oracle"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Reasons returned with an empty match. These are normal outcomes, not
// errors.
const (
	ReasonNoMatch          = "no_match"
	ReasonAllBlocked       = "all_blocked"
	ReasonBoardUnavailable = "board_unavailable"
)

// performance EMA smoothing factor and the neutral starting score.
const (
	perfAlpha   = 0.2
	perfNeutral = 0.5
)

// NextTask is the result of one request_next_task call. Task is nil when no
// assignment was made; Reason then explains why.
type NextTask struct {
	Task         *types.Task    `json:"task,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Score        *matcher.Score `json:"score,omitempty"`
	Reason       string         `json:"reason_if_none,omitempty"`
}

// Coordinator owns the assignment workflow: agent registry, candidate
// selection, lease acquisition, board and ledger updates, and the briefing
// returned to the agent. A single process-wide mutex serializes the
// select-lease-persist sequence for all agents; the Oracle is consulted
// before that critical section, never inside it.
type Coordinator struct {
	cfg     *config.Config
	board   board.Board
	oracle  oracle.Oracle // may be nil
	ledger  *ledger.Ledger
	leases  *lease.Manager
	graph   *graph.Graph
	inferer *inference.Inferer
	broker  *events.Broker

	assignMu sync.Mutex

	agentMu sync.RWMutex
	agents  map[string]*types.Agent

	now func() time.Time
}

// New wires a coordinator. oracle may be nil for pattern-only operation.
func New(cfg *config.Config, b board.Board, orc oracle.Oracle, led *ledger.Ledger, leases *lease.Manager, g *graph.Graph, inf *inference.Inferer, broker *events.Broker) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		board:   b,
		oracle:  orc,
		ledger:  led,
		leases:  leases,
		graph:   g,
		inferer: inf,
		broker:  broker,
		agents:  make(map[string]*types.Agent),
		now:     time.Now,
	}
}

// RegisterAgent adds or refreshes an agent. Re-registration updates the
// profile but keeps accumulated counters and performance history. Only
// capacity 1 is supported.
func (c *Coordinator) RegisterAgent(reg types.Agent) (*types.Agent, error) {
	if reg.ID == "" || reg.Name == "" {
		return nil, fmt.Errorf("%w: agent id and name are required", types.ErrInvalidInput)
	}
	capacity := c.cfg.AssignmentCapacityPerAgent
	if capacity <= 0 {
		capacity = 1
	}
	if reg.Capacity == 0 {
		reg.Capacity = capacity
	}
	if reg.Capacity != capacity {
		return nil, fmt.Errorf("%w: capacity must be %d, got %d", types.ErrInvalidInput, capacity, reg.Capacity)
	}

	c.agentMu.Lock()
	defer c.agentMu.Unlock()

	now := c.now()
	existing, ok := c.agents[reg.ID]
	if ok {
		existing.Name = reg.Name
		existing.Role = reg.Role
		existing.Skills = reg.Skills
		existing.LastSeen = now
		out := *existing
		return &out, nil
	}

	agent := &types.Agent{
		ID:               reg.ID,
		Name:             reg.Name,
		Role:             reg.Role,
		Skills:           reg.Skills,
		Capacity:         capacity,
		PerformanceScore: perfNeutral,
		LastSeen:         now,
		RegisteredAt:     now,
	}
	c.agents[reg.ID] = agent

	log.WithComponent("coordinator").Info().
		Str("agent_id", agent.ID).
		Str("role", agent.Role).
		Strs("skills", agent.Skills).
		Msg("agent registered")

	out := *agent
	return &out, nil
}

// Stats reports registry and ledger counts for diagnostics.
func (c *Coordinator) Stats() (agents, assignments int) {
	c.agentMu.RLock()
	agents = len(c.agents)
	c.agentMu.RUnlock()
	return agents, c.ledger.Len()
}

// ActiveLeases returns the task ids currently under lease.
func (c *Coordinator) ActiveLeases() []string {
	return c.leases.ActiveTasks()
}

// Agent returns a copy of a registered agent.
func (c *Coordinator) Agent(agentID string) (*types.Agent, bool) {
	c.agentMu.RLock()
	defer c.agentMu.RUnlock()
	a, ok := c.agents[agentID]
	if !ok {
		return nil, false
	}
	out := *a
	return &out, true
}

// touchAgent bumps last_seen and returns a copy, or ErrNotRegistered.
func (c *Coordinator) touchAgent(agentID string) (*types.Agent, error) {
	c.agentMu.Lock()
	defer c.agentMu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", types.ErrNotRegistered, agentID)
	}
	a.LastSeen = c.now()
	out := *a
	return &out, nil
}

// recordOutcome updates an agent's counters and performance EMA. outcome is
// 1 for success, 0 for failure or blockage.
func (c *Coordinator) recordOutcome(agentID string, status types.ProgressStatus) {
	c.agentMu.Lock()
	defer c.agentMu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return
	}

	var outcome float64
	switch status {
	case types.ProgressCompleted:
		a.Completed++
		outcome = 1
	case types.ProgressBlocked:
		a.Blocked++
	default:
		a.Failed++
	}
	a.PerformanceScore = (1-perfAlpha)*a.PerformanceScore + perfAlpha*outcome
}

// RequestNextTask picks, leases, and records the best available task for an
// agent. A nil Task with a Reason is a normal "nothing for you right now"
// outcome.
func (c *Coordinator) RequestNextTask(ctx context.Context, agentID string) (*NextTask, error) {
	logger := log.WithComponent("coordinator")

	agent, err := c.touchAgent(agentID)
	if err != nil {
		return nil, err
	}

	// An agent that already holds a task gets the same task back.
	if a, ok := c.ledger.ByAgent(agentID); ok {
		task, err := c.fetchTask(ctx, a.TaskID)
		if err != nil {
			logger.Warn().Err(err).Str("task_id", a.TaskID).Msg("could not refresh current assignment")
			return &NextTask{Reason: ReasonBoardUnavailable}, nil
		}
		return &NextTask{
			Task:         task,
			Instructions: c.buildBriefing(ctx, agent, task, nil),
		}, nil
	}

	tasks, err := c.listTasks(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("board unavailable for task selection")
		metrics.AssignmentsTotal.WithLabelValues(ReasonBoardUnavailable).Inc()
		return &NextTask{Reason: ReasonBoardUnavailable}, nil
	}

	c.refreshGraph(ctx, tasks)

	var candidates []*types.Task
	for _, t := range tasks {
		if t.Status == types.TaskStatusTodo && t.AssignedTo == "" {
			candidates = append(candidates, t)
		}
	}

	// Oracle scoring happens before the critical section so the global
	// mutex is never held across an Oracle call.
	scores := c.scoreCandidates(ctx, agent, candidates)

	result, err := c.assign(ctx, agent, candidates, scores)
	if err != nil || result.Task == nil {
		return result, err
	}

	var pred *briefing.Predictions
	if s, ok := scores[result.Task.ID]; ok {
		pred = &briefing.Predictions{
			SuccessProbability: s.SuccessProbability,
			ExpectedHours:      s.ExpectedHours,
			Risk:               s.Risk,
		}
	}
	result.Instructions = c.buildBriefing(ctx, agent, result.Task, pred)
	return result, nil
}

// assign runs the critical section: match, lease, board update, ledger save.
func (c *Coordinator) assign(ctx context.Context, agent *types.Agent, candidates []*types.Task, scores map[string]types.TaskScore) (*NextTask, error) {
	logger := log.WithComponent("coordinator")

	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	// Another call may have assigned this agent while we were scoring.
	if a, ok := c.ledger.ByAgent(agent.ID); ok {
		task, err := c.fetchTask(ctx, a.TaskID)
		if err != nil {
			return &NextTask{Reason: ReasonBoardUnavailable}, nil
		}
		return &NextTask{Task: task}, nil
	}

	excluded := set.From(c.leases.ActiveTasks())
	for _, a := range c.ledger.All() {
		excluded.Insert(a.TaskID)
	}

	res := matcher.Match(agent, candidates, c.graph, scores, excluded)
	if res.Task == nil {
		reason := ReasonNoMatch
		for _, why := range res.Rejected {
			if strings.Contains(why, "dependency") {
				reason = ReasonAllBlocked
				break
			}
		}
		metrics.AssignmentsTotal.WithLabelValues(reason).Inc()
		return &NextTask{Reason: reason}, nil
	}

	byID := make(map[string]*types.Task, len(candidates))
	for _, t := range candidates {
		byID[t.ID] = t
	}

	// Walk the ranked list: a board failure on one task releases its lease
	// and falls through to the next best.
	for _, score := range res.Scored {
		task := byID[score.TaskID]

		l, ok := c.leases.Acquire(task.ID, agent.ID, c.cfg.LeaseDefault())
		if !ok {
			continue
		}

		if err := c.updateBoard(ctx, task.ID, assignPatch(agent.ID)); err != nil {
			c.leases.Release(task.ID, agent.ID)
			logger.Warn().Err(err).Str("task_id", task.ID).Msg("board update failed, trying next candidate")
			continue
		}

		a := &types.Assignment{
			AgentID:        agent.ID,
			TaskID:         task.ID,
			AssignedAt:     l.AcquiredAt,
			LeaseExpiresAt: l.ExpiresAt,
			LastHeartbeat:  l.LastHeartbeat,
			Status:         types.AssignmentActive,
		}
		if err := c.ledger.Save(a); err != nil {
			// Undo in reverse order. Best effort on the board; the monitor
			// heals anything left behind.
			if rbErr := c.updateBoard(ctx, task.ID, unassignPatch()); rbErr != nil {
				logger.Error().Err(rbErr).Str("task_id", task.ID).Msg("rollback of board update failed")
			}
			c.leases.Release(task.ID, agent.ID)
			metrics.AssignmentsTotal.WithLabelValues("ledger_error").Inc()
			return nil, fmt.Errorf("persist assignment: %w", err)
		}

		out := *task
		out.Status = types.TaskStatusInProgress
		out.AssignedTo = agent.ID

		metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
		if c.broker != nil {
			c.broker.Emit(events.EventAssignmentAcquired, "task "+task.ID+" assigned to "+agent.ID, map[string]string{
				"task_id":  task.ID,
				"agent_id": agent.ID,
			})
			c.broker.Emit(events.EventTaskStarted, "task "+task.ID+" started", map[string]string{
				"task_id":  task.ID,
				"agent_id": agent.ID,
			})
		}
		logger.Info().
			Str("task_id", task.ID).
			Str("agent_id", agent.ID).
			Float64("score", score.Total).
			Msg("task assigned")

		scoreCopy := score
		return &NextTask{Task: &out, Score: &scoreCopy}, nil
	}

	metrics.AssignmentsTotal.WithLabelValues(ReasonBoardUnavailable).Inc()
	return &NextTask{Reason: ReasonBoardUnavailable}, nil
}

// HandleLeaseExpiry clears the ledger record for an expired lease and puts
// the task back in the pool. Wired as the lease manager's expire callback.
func (c *Coordinator) HandleLeaseExpiry(l lease.Lease) {
	logger := log.WithComponent("coordinator")

	a, ok := c.ledger.ByTask(l.TaskID)
	if !ok || a.AgentID != l.AgentID {
		return
	}
	if err := c.ledger.Remove(a.AgentID); err != nil {
		logger.Error().Err(err).Str("task_id", l.TaskID).Msg("could not clear expired assignment")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BoardTimeout())
	defer cancel()
	if err := c.board.UpdateTask(ctx, l.TaskID, unassignPatch()); err != nil {
		// Leave the board for the monitor to heal, but leave a trace.
		_ = c.board.AddComment(ctx, l.TaskID, "Lease expired for agent "+l.AgentID+"; task will be reassigned")
		logger.Warn().Err(err).Str("task_id", l.TaskID).Msg("board reset failed after lease expiry")
	}

	c.recordOutcome(l.AgentID, types.ProgressStatus("expired"))
	metrics.AssignmentsTotal.WithLabelValues("expired").Inc()
	logger.Warn().
		Str("task_id", l.TaskID).
		Str("agent_id", l.AgentID).
		Msg("assignment expired with its lease")
}

// refreshGraph replaces the graph from the board snapshot and supplements
// it with inferred edges. Inference failure never blocks assignment.
func (c *Coordinator) refreshGraph(ctx context.Context, tasks []*types.Task) {
	c.graph.Replace(tasks)

	edges, err := c.inferer.Infer(ctx, tasks)
	if err != nil {
		var cycleErr *types.CircularDependencyError
		if errors.As(err, &cycleErr) {
			log.WithComponent("coordinator").Error().
				Strs("cycle", cycleErr.Cycle).
				Msg("mandatory dependency cycle, using explicit dependencies only")
			return
		}
		log.WithComponent("coordinator").Warn().Err(err).Msg("dependency inference failed")
		return
	}
	for _, e := range edges {
		// Edges that would contradict the board's explicit dependencies are
		// skipped; the inferred set itself is already acyclic.
		_ = c.graph.AddEdge(e.DependencyID, e.DependentID)
	}
}

// scoreCandidates collects Oracle impact scores for each candidate. A
// failing Oracle yields neutral scores rather than no scores, keeping the
// full weighting in play.
func (c *Coordinator) scoreCandidates(ctx context.Context, agent *types.Agent, candidates []*types.Task) map[string]types.TaskScore {
	if c.oracle == nil {
		return nil
	}

	scores := make(map[string]types.TaskScore, len(candidates))
	for _, task := range candidates {
		octx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout())
		s, err := c.oracle.ScoreTaskForAgent(octx, agent, task)
		cancel()
		if err != nil {
			scores[task.ID] = types.TaskScore{SuccessProbability: 0.5, Risk: 0.5}
			continue
		}
		scores[task.ID] = *s
	}
	return scores
}

// buildBriefing assembles the layered instruction payload for a task.
func (c *Coordinator) buildBriefing(ctx context.Context, agent *types.Agent, task *types.Task, pred *briefing.Predictions) string {
	in := briefing.Input{
		Agent:       agent,
		Task:        task,
		Graph:       c.graph,
		Predictions: pred,
	}

	if hp, ok := c.board.(board.HistoryProvider); ok {
		history := make(map[string][]types.ImplementationEntry)
		for _, depID := range c.graph.DependenciesOf(task.ID) {
			dep, ok := c.graph.Get(depID)
			if !ok || dep.Status != types.TaskStatusDone {
				continue
			}
			bctx, cancel := context.WithTimeout(ctx, c.cfg.BoardTimeout())
			entries, err := hp.ImplementationHistory(bctx, depID)
			cancel()
			if err == nil && len(entries) > 0 {
				history[depID] = entries
			}
		}
		in.History = history
	}

	return briefing.Build(in)
}

func (c *Coordinator) listTasks(ctx context.Context) ([]*types.Task, error) {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BoardTimeout())
	defer cancel()
	return c.board.ListTasks(bctx)
}

func (c *Coordinator) fetchTask(ctx context.Context, taskID string) (*types.Task, error) {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BoardTimeout())
	defer cancel()
	return c.board.GetTask(bctx, taskID)
}

func (c *Coordinator) updateBoard(ctx context.Context, taskID string, patch types.TaskPatch) error {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BoardTimeout())
	defer cancel()
	return c.board.UpdateTask(bctx, taskID, patch)
}

func assignPatch(agentID string) types.TaskPatch {
	status := types.TaskStatusInProgress
	return types.TaskPatch{Status: &status, AssignedTo: &agentID}
}

func unassignPatch() types.TaskPatch {
	status := types.TaskStatusTodo
	none := ""
	return types.TaskPatch{Status: &status, AssignedTo: &none}
}
