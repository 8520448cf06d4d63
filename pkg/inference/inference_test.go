package inference

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/oracle"
	"github.com/marcus-agent/marcus/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

func task(id, name string) *types.Task {
	return &types.Task{ID: id, Name: name, Status: types.TaskStatusTodo}
}

func findEdge(edges []types.DependencyEdge, dep, dependent string) (types.DependencyEdge, bool) {
	for _, e := range edges {
		if e.DependencyID == dep && e.DependentID == dependent {
			return e, true
		}
	}
	return types.DependencyEdge{}, false
}

func TestPatternPassPhaseOrdering(t *testing.T) {
	tasks := []*types.Task{
		task("t1", "Design payment flow"),
		task("t2", "Implement payment flow"),
		task("t3", "Test payment flow"),
		task("t4", "Deploy payment service"),
	}

	inf := New(Options{}, nil, nil, nil)
	edges, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)

	e, ok := findEdge(edges, "t1", "t2")
	require.True(t, ok, "design before implementation")
	assert.True(t, e.Mandatory)
	assert.Equal(t, 0.95, e.Confidence)
	assert.Equal(t, types.OriginPattern, e.Origin)

	_, ok = findEdge(edges, "t2", "t3")
	assert.True(t, ok, "implementation before testing")
	_, ok = findEdge(edges, "t3", "t4")
	assert.True(t, ok, "testing before deployment")

	// No reversed edges.
	_, ok = findEdge(edges, "t2", "t1")
	assert.False(t, ok)
}

func TestPatternRejectsDoneDependencyForNewTask(t *testing.T) {
	design := task("t1", "Design payment flow")
	design.Status = types.TaskStatusDone
	impl := task("t2", "Implement payment flow")

	edges := patternEdges([]*types.Task{design, impl})
	_, ok := findEdge(edges, "t1", "t2")
	assert.False(t, ok, "a new task must not depend on finished work")
}

func TestComponentScopedPatternNeedsSharedToken(t *testing.T) {
	api := task("t1", "Auth API endpoints")
	relatedUI := task("t2", "Auth UI screen")
	unrelatedUI := task("t3", "Reporting UI screen")

	edges := patternEdges([]*types.Task{api, relatedUI, unrelatedUI})

	e, ok := findEdge(edges, "t1", "t2")
	require.True(t, ok, "backend before frontend within the auth component")
	assert.False(t, e.Mandatory)
	assert.Equal(t, 0.85, e.Confidence)

	_, ok = findEdge(edges, "t1", "t3")
	assert.False(t, ok, "no shared component token")
}

func TestOracleResolvesAmbiguousPair(t *testing.T) {
	tasks := []*types.Task{
		task("t1", "User profile database migration"),
		task("t2", "User profile export endpoint"),
	}

	orc := oracle.NewScripted()
	orc.PairAnswers[oracle.PairKey(tasks[0].Name, tasks[1].Name)] = types.PairScore{
		Direction:  types.DirectionAToB,
		Confidence: 0.8,
		Reasoning:  "endpoint reads migrated schema",
	}

	inf := New(Options{OracleEnabled: true}, orc, nil, nil)
	edges, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)

	e, ok := findEdge(edges, "t1", "t2")
	require.True(t, ok)
	assert.Equal(t, types.OriginOracle, e.Origin)
	assert.Equal(t, 1, orc.InferCalls)
}

func TestOracleBelowThresholdIgnored(t *testing.T) {
	tasks := []*types.Task{
		task("t1", "User profile database migration"),
		task("t2", "User profile export endpoint"),
	}

	orc := oracle.NewScripted()
	orc.PairAnswers[oracle.PairKey(tasks[0].Name, tasks[1].Name)] = types.PairScore{
		Direction:  types.DirectionAToB,
		Confidence: 0.5,
	}

	inf := New(Options{OracleEnabled: true}, orc, nil, nil)
	edges, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestAgreementBoostsConfidence(t *testing.T) {
	// Non-mandatory backend-before-frontend hit (0.85 < 0.9) leaves the
	// pair ambiguous, so the Oracle is also consulted.
	tasks := []*types.Task{
		task("t1", "Build auth API"),
		task("t2", "Build auth UI screen"),
	}

	orc := oracle.NewScripted()
	orc.PairAnswers[oracle.PairKey(tasks[0].Name, tasks[1].Name)] = types.PairScore{
		Direction:  types.DirectionAToB,
		Confidence: 0.75,
	}

	inf := New(Options{OracleEnabled: true}, orc, nil, nil)
	edges, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)

	e, ok := findEdge(edges, "t1", "t2")
	require.True(t, ok)
	assert.Equal(t, types.OriginBoth, e.Origin)
	assert.InDelta(t, 1.0, e.Confidence, 1e-9) // 0.85 + 0.15 capped at 1.0
}

func TestDisagreementPrefersMandatory(t *testing.T) {
	a := types.DependencyEdge{DependencyID: "x", DependentID: "y", Confidence: 0.95, Mandatory: true, Origin: types.OriginPattern}
	pattern := map[edgeKey]types.DependencyEdge{{"x", "y"}: a}
	orc := map[edgeKey]types.DependencyEdge{{"y", "x"}: {
		DependencyID: "y", DependentID: "x", Confidence: 0.99, Origin: types.OriginOracle,
	}}

	inf := New(Options{}, nil, nil, nil)
	merged := inf.merge(pattern, orc)

	require.Len(t, merged, 1)
	_, ok := merged[edgeKey{"x", "y"}]
	assert.True(t, ok, "mandatory pattern edge wins over a more confident oracle reversal")
}

func TestDisagreementPrefersHigherConfidence(t *testing.T) {
	pattern := map[edgeKey]types.DependencyEdge{{"x", "y"}: {
		DependencyID: "x", DependentID: "y", Confidence: 0.85, Origin: types.OriginPattern,
	}}
	orc := map[edgeKey]types.DependencyEdge{{"y", "x"}: {
		DependencyID: "y", DependentID: "x", Confidence: 0.95, Origin: types.OriginOracle,
	}}

	inf := New(Options{}, nil, nil, nil)
	merged := inf.merge(pattern, orc)

	require.Len(t, merged, 1)
	_, ok := merged[edgeKey{"y", "x"}]
	assert.True(t, ok)
}

func TestCycleBreakDropsLowestConfidence(t *testing.T) {
	edges := []types.DependencyEdge{
		{DependencyID: "x", DependentID: "y", Confidence: 0.9},
		{DependencyID: "y", DependentID: "z", Confidence: 0.8},
		{DependencyID: "z", DependentID: "x", Confidence: 0.7},
	}

	var dropped []types.DependencyEdge
	out, err := breakCycles(edges, func(e types.DependencyEdge) { dropped = append(dropped, e) })
	require.NoError(t, err)

	require.Len(t, out, 2)
	require.Len(t, dropped, 1)
	assert.Equal(t, "z", dropped[0].DependencyID)
	assert.Equal(t, "x", dropped[0].DependentID)
	assert.Nil(t, findCycle(out))
}

func TestAllMandatoryCycleIsFatal(t *testing.T) {
	edges := []types.DependencyEdge{
		{DependencyID: "x", DependentID: "y", Confidence: 0.9, Mandatory: true},
		{DependencyID: "y", DependentID: "z", Confidence: 0.8, Mandatory: true},
		{DependencyID: "z", DependentID: "x", Confidence: 0.7, Mandatory: true},
	}

	_, err := breakCycles(edges, nil)
	require.Error(t, err)

	var cycleErr *types.CircularDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"x", "y", "z"}, cycleErr.Cycle)
}

func TestOracleFailureFallsBackToPatterns(t *testing.T) {
	tasks := []*types.Task{
		task("t1", "Design payment flow"),
		task("t2", "Implement payment flow"),
		task("t3", "Implement payment frontend"),
	}

	orc := oracle.NewScripted()
	orc.Fail = true

	inf := New(Options{OracleEnabled: true}, orc, nil, nil)
	edges, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)

	// The pattern-only edge set still comes back.
	_, ok := findEdge(edges, "t1", "t2")
	assert.True(t, ok)
}

func TestCacheHitSkipsOracle(t *testing.T) {
	tasks := []*types.Task{
		task("t1", "User profile database migration"),
		task("t2", "User profile export endpoint"),
	}

	orc := oracle.NewScripted()
	orc.PairAnswers[oracle.PairKey(tasks[0].Name, tasks[1].Name)] = types.PairScore{
		Direction: types.DirectionAToB, Confidence: 0.9,
	}

	cache := NewCache(nil, time.Hour)
	inf := New(Options{OracleEnabled: true}, orc, cache, nil)

	first, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)
	second, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, orc.InferCalls, "second run served from cache")
}

func TestStaleCacheServedOnOracleOutage(t *testing.T) {
	tasks := []*types.Task{
		task("t1", "User profile database migration"),
		task("t2", "User profile export endpoint"),
	}

	orc := oracle.NewScripted()
	orc.PairAnswers[oracle.PairKey(tasks[0].Name, tasks[1].Name)] = types.PairScore{
		Direction: types.DirectionAToB, Confidence: 0.9,
	}

	cache := NewCache(nil, time.Hour)
	now := time.Now()
	cache.now = func() time.Time { return now }

	inf := New(Options{OracleEnabled: true}, orc, cache, nil)
	first, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Entry expires, oracle goes down.
	now = now.Add(48 * time.Hour)
	orc.Fail = true

	second, err := inf.Infer(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, first, second, "stale cache beats pattern-only degradation")
}

func TestCacheKeyChangesWithContent(t *testing.T) {
	t1 := task("t1", "Build API")
	t2 := task("t2", "Test API")

	key1 := CacheKey([]*types.Task{t1, t2})
	assert.Equal(t, key1, CacheKey([]*types.Task{t2, t1}), "order independent")

	t2edit := *t2
	t2edit.Description = "now with edge cases"
	assert.NotEqual(t, key1, CacheKey([]*types.Task{t1, &t2edit}))
}
