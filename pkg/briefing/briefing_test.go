package briefing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/types"
)

func buildGraph(tasks ...*types.Task) *graph.Graph {
	g := graph.New()
	g.Replace(tasks)
	return g
}

func baseInput() Input {
	task := &types.Task{
		ID:          "t1",
		Name:        "Build checkout API",
		Description: "Expose cart checkout over REST.",
		Status:      types.TaskStatusTodo,
		Priority:    types.PriorityHigh,
		Labels:      []string{"api", "security"},
	}
	return Input{
		Agent: &types.Agent{ID: "agent-1"},
		Task:  task,
		Graph: buildGraph(task),
	}
}

func TestBaseLayerAlwaysPresent(t *testing.T) {
	out := Build(baseInput())

	assert.Contains(t, out, "## Task: Build checkout API")
	assert.Contains(t, out, "Expose cart checkout over REST.")
	assert.Contains(t, out, "Priority: high")
	assert.Contains(t, out, "Labels: api, security")
	assert.Contains(t, out, "Acceptance criteria:")
}

func TestDeterminism(t *testing.T) {
	in := baseInput()
	in.History = map[string][]types.ImplementationEntry{
		"t0": {{TaskID: "t0", AgentID: "agent-0", Summary: "Used sqlite"}},
	}
	in.Predictions = &Predictions{SuccessProbability: 0.8, ExpectedHours: 4, Risk: 0.2}

	first := Build(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Build(in), "payload must be byte-identical across builds")
	}
}

func TestHistoryLayerOnlyWithEntries(t *testing.T) {
	in := baseInput()
	assert.NotContains(t, Build(in), "dependencies were implemented")

	in.History = map[string][]types.ImplementationEntry{"t0": {}}
	assert.NotContains(t, Build(in), "dependencies were implemented", "empty entry lists do not trigger the layer")

	in.History["t0"] = []types.ImplementationEntry{{TaskID: "t0", AgentID: "agent-0", Summary: "Used sqlite with WAL"}}
	out := Build(in)
	assert.Contains(t, out, "## How your dependencies were implemented")
	assert.Contains(t, out, "Used sqlite with WAL (by agent-0)")
}

func TestDependentsLayer(t *testing.T) {
	task := &types.Task{ID: "t1", Name: "Build schema", Status: types.TaskStatusTodo, Priority: types.PriorityMedium}
	downstream := &types.Task{ID: "t2", Name: "Build reports", Status: types.TaskStatusTodo, Dependencies: []string{"t1"}}
	in := Input{
		Agent: &types.Agent{ID: "agent-1"},
		Task:  task,
		Graph: buildGraph(task, downstream),
	}

	out := Build(in)
	assert.Contains(t, out, "## Downstream tasks depend on this work")
	assert.Contains(t, out, "Build reports (t2)")

	solo := baseInput()
	assert.NotContains(t, Build(solo), "Downstream tasks")
}

func TestDecisionLogRequiresFanoutOrCriticalPath(t *testing.T) {
	hub := &types.Task{ID: "t1", Name: "Core library", Status: types.TaskStatusTodo, Priority: types.PriorityMedium}
	tasks := []*types.Task{hub}
	for _, id := range []string{"t2", "t3", "t4"} {
		tasks = append(tasks, &types.Task{ID: id, Name: "Leaf " + id, Status: types.TaskStatusTodo, Dependencies: []string{"t1"}})
	}
	in := Input{Agent: &types.Agent{ID: "agent-1"}, Task: hub, Graph: buildGraph(tasks...)}

	assert.Contains(t, Build(in), "## Record your decisions")
}

func TestPredictionsLayer(t *testing.T) {
	in := baseInput()
	assert.NotContains(t, Build(in), "## Predictions")

	in.Predictions = &Predictions{
		SuccessProbability: 0.85,
		ExpectedHours:      6.5,
		Risk:               0.3,
		TopBlockers:        []string{"payment provider sandbox access"},
	}
	out := Build(in)
	assert.Contains(t, out, "- Success probability: 85%")
	assert.Contains(t, out, "- Expected effort: 6.5 hours")
	assert.Contains(t, out, "- Risk: 30%")
	assert.Contains(t, out, "payment provider sandbox access")
}

func TestLabelChecklists(t *testing.T) {
	in := baseInput()
	out := Build(in)

	assert.Contains(t, out, "## Api checklist")
	assert.Contains(t, out, "## Security checklist")
	assert.NotContains(t, out, "## Database checklist")

	// Recognized labels are emitted in a fixed order regardless of input order.
	require.Less(t, strings.Index(out, "## Api checklist"), strings.Index(out, "## Security checklist"))

	in.Task.Labels = []string{"security", "api"}
	out2 := Build(in)
	require.Less(t, strings.Index(out2, "## Api checklist"), strings.Index(out2, "## Security checklist"))
}
