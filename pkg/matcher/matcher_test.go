package matcher

import (
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func task(id, name string, status types.TaskStatus, deps ...string) *types.Task {
	return &types.Task{
		ID:           id,
		Name:         name,
		Status:       status,
		Priority:     types.PriorityMedium,
		Dependencies: deps,
		CreatedAt:    baseTime,
	}
}

func agent(skills ...string) *types.Agent {
	return &types.Agent{ID: "agent-1", Skills: skills, Capacity: 1}
}

func buildGraph(tasks ...*types.Task) *graph.Graph {
	g := graph.New()
	g.Replace(tasks)
	return g
}

func todoTasks(tasks ...*types.Task) []*types.Task {
	var out []*types.Task
	for _, t := range tasks {
		if t.Status == types.TaskStatusTodo {
			out = append(out, t)
		}
	}
	return out
}

func TestSafetyFilterUnmetDependency(t *testing.T) {
	dep := task("t1", "Build API", types.TaskStatusInProgress)
	dependent := task("t2", "Build UI", types.TaskStatusTodo, "t1")
	g := buildGraph(dep, dependent)

	res := Match(agent(), []*types.Task{dependent}, g, nil, nil)
	assert.Nil(t, res.Task)
	assert.Contains(t, res.Rejected["t2"], "unmet dependency t1")

	dep.Status = types.TaskStatusDone
	g.Replace([]*types.Task{dep, dependent})
	res = Match(agent(), []*types.Task{dependent}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t2", res.Task.ID)
}

func TestSafetyFilterTransitiveImplementationDeps(t *testing.T) {
	impl := task("t1", "Implement checkout service", types.TaskStatusInProgress)
	review := task("t2", "Review checkout docs", types.TaskStatusDone, "t1")
	deploy := task("t3", "Deploy checkout service", types.TaskStatusTodo, "t2")
	g := buildGraph(impl, review, deploy)

	// t3 depends on t2 (done), but t2 transitively depends on unfinished
	// implementation work.
	res := Match(agent(), []*types.Task{deploy}, g, nil, nil)
	assert.Nil(t, res.Task)
	assert.Contains(t, res.Rejected["t3"], "implementation dependency t1")
}

func TestSafetyFilterExcludedSet(t *testing.T) {
	only := task("t1", "Write report", types.TaskStatusTodo)
	g := buildGraph(only)

	res := Match(agent(), []*types.Task{only}, g, nil, set.From([]string{"t1"}))
	assert.Nil(t, res.Task)
	assert.Contains(t, res.Rejected["t1"], "in flight")
}

func TestSkillMatchScoring(t *testing.T) {
	matching := task("t1", "Harden API auth", types.TaskStatusTodo)
	matching.Labels = []string{"api", "security"}
	other := task("t2", "Polish landing page", types.TaskStatusTodo)
	other.Labels = []string{"frontend", "css"}
	g := buildGraph(matching, other)

	res := Match(agent("api", "security"), []*types.Task{matching, other}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t1", res.Task.ID)
	assert.Equal(t, 1.0, res.Score.SkillMatch)
	assert.False(t, res.Score.OracleUsed)

	// 0.30*skill + 0.30*priority + 0.40*unblock
	assert.InDelta(t, 0.30*1.0+0.30*0.5, res.Score.Total, 1e-9)
}

func TestUnblockScoring(t *testing.T) {
	key := task("t1", "Build schema", types.TaskStatusTodo)
	leaf := task("t2", "Standalone cleanup", types.TaskStatusTodo)
	var all []*types.Task
	all = append(all, key, leaf)
	for _, id := range []string{"t3", "t4", "t5"} {
		all = append(all, task(id, "Downstream "+id, types.TaskStatusTodo, "t1"))
	}
	g := buildGraph(all...)

	res := Match(agent(), []*types.Task{key, leaf}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t1", res.Task.ID)
	assert.Equal(t, 3, res.Score.UnblockCount)
	assert.InDelta(t, 0.6, res.Score.UnblockScore, 1e-9)
}

func TestUnblockOnlyCountsSoleBlocker(t *testing.T) {
	a := task("t1", "Build schema", types.TaskStatusTodo)
	b := task("t2", "Build queue", types.TaskStatusTodo)
	// t3 is blocked by both, so finishing either alone unblocks nothing.
	blocked := task("t3", "Wire pipeline", types.TaskStatusTodo, "t1", "t2")
	g := buildGraph(a, b, blocked)

	res := Match(agent(), []*types.Task{a, b}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, 0, res.Score.UnblockCount)
}

func TestOracleWeights(t *testing.T) {
	safe := task("t1", "Refactor config", types.TaskStatusTodo)
	risky := task("t2", "Rewrite billing", types.TaskStatusTodo)
	g := buildGraph(safe, risky)

	scores := map[string]types.TaskScore{
		"t1": {SuccessProbability: 0.9, Risk: 0.1},
		"t2": {SuccessProbability: 0.4, Risk: 0.8},
	}

	res := Match(agent(), []*types.Task{safe, risky}, g, scores, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t1", res.Task.ID)
	assert.True(t, res.Score.OracleUsed)

	// 0.15*skill + 0.15*priority + 0.25*unblock + 0.30*success + 0.15*(1-risk)
	want := 0.15*0 + 0.15*0.5 + 0.25*0 + 0.30*0.9 + 0.15*0.9
	assert.InDelta(t, want, res.Score.Total, 1e-9)
}

func TestTiebreakPriorityThenAgeThenID(t *testing.T) {
	older := task("t-b", "Chore one", types.TaskStatusTodo)
	newer := task("t-a", "Chore two", types.TaskStatusTodo)
	newer.CreatedAt = baseTime.Add(time.Hour)
	g := buildGraph(older, newer)

	res := Match(agent(), []*types.Task{newer, older}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t-b", res.Task.ID, "equal score, older task wins")

	// Priority beats age.
	newer.Priority = types.PriorityHigh
	res = Match(agent(), []*types.Task{newer, older}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t-a", res.Task.ID)

	// Same priority, same age: lexicographic id.
	newer.Priority = types.PriorityMedium
	newer.CreatedAt = older.CreatedAt
	res = Match(agent(), []*types.Task{newer, older}, g, nil, nil)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t-a", res.Task.ID)
}

func TestScoredListIsOrdered(t *testing.T) {
	low := task("t1", "Minor tweak", types.TaskStatusTodo)
	low.Priority = types.PriorityLow
	high := task("t2", "Critical fix", types.TaskStatusTodo)
	high.Priority = types.PriorityCritical
	g := buildGraph(low, high)

	res := Match(agent(), []*types.Task{low, high}, g, nil, nil)
	require.Len(t, res.Scored, 2)
	assert.Equal(t, "t2", res.Scored[0].TaskID)
	assert.Equal(t, "t1", res.Scored[1].TaskID)
	assert.Greater(t, res.Scored[0].Total, res.Scored[1].Total)
}

func TestNoCandidates(t *testing.T) {
	g := buildGraph()
	res := Match(agent(), nil, g, nil, nil)
	assert.Nil(t, res.Task)
	assert.Empty(t, res.Scored)
}
