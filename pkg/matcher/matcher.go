package matcher

import (
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"

	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Scoring weights when Oracle impact scores are available.
const (
	weightSkill    = 0.15
	weightPriority = 0.15
	weightUnblock  = 0.25
	weightSuccess  = 0.30
	weightRisk     = 0.15
)

// Fallback weights without Oracle scores.
const (
	fallbackSkill    = 0.30
	fallbackPriority = 0.30
	fallbackUnblock  = 0.40
)

// unblockCap is the dependent count at which the unblock score saturates.
const unblockCap = 5

// Score explains how one candidate task was rated for one agent.
type Score struct {
	TaskID        string  `json:"task_id"`
	SkillMatch    float64 `json:"skill_match"`
	PriorityScore float64 `json:"priority_score"`
	UnblockCount  int     `json:"unblock_count"`
	UnblockScore  float64 `json:"unblock_score"`
	SuccessProb   float64 `json:"success_probability,omitempty"`
	Risk          float64 `json:"risk,omitempty"`
	OracleUsed    bool    `json:"oracle_used"`
	Total         float64 `json:"total"`
}

// Result is the outcome of one matching run: the winning task (nil when no
// candidate survived), its score, and why the others were rejected.
type Result struct {
	Task     *types.Task
	Score    Score
	Scored   []Score           // survivors, best first
	Rejected map[string]string // task id -> safety filter reason
}

// Match picks the best next task for an agent. Candidates are filtered for
// safety, scored, and the maximum chosen with deterministic tiebreaks.
// scores carries Oracle impact judgments keyed by task id; it may be nil or
// partial, and tasks without one are scored with the fallback weights.
// excluded holds task ids that are mid-assignment or under an active lease.
func Match(agent *types.Agent, candidates []*types.Task, g *graph.Graph, scores map[string]types.TaskScore, excluded *set.Set[string]) *Result {
	res := &Result{Rejected: make(map[string]string)}

	var survivors []*types.Task
	for _, task := range candidates {
		if reason, ok := filtered(task, g, excluded); ok {
			res.Rejected[task.ID] = reason
			continue
		}
		survivors = append(survivors, task)
	}
	if len(survivors) == 0 {
		return res
	}

	skills := set.From(lowered(agent.Skills))
	res.Scored = make([]Score, 0, len(survivors))
	byID := make(map[string]*types.Task, len(survivors))
	for _, task := range survivors {
		byID[task.ID] = task

		s := Score{
			TaskID:        task.ID,
			SkillMatch:    skillMatch(skills, task.Labels),
			PriorityScore: types.PriorityScore(task.Priority),
			UnblockCount:  unblockCount(task, g),
		}
		s.UnblockScore = float64(s.UnblockCount) / unblockCap
		if s.UnblockScore > 1 {
			s.UnblockScore = 1
		}

		if impact, ok := scores[task.ID]; ok {
			s.OracleUsed = true
			s.SuccessProb = impact.SuccessProbability
			s.Risk = impact.Risk
			s.Total = weightSkill*s.SkillMatch +
				weightPriority*s.PriorityScore +
				weightUnblock*s.UnblockScore +
				weightSuccess*s.SuccessProb +
				weightRisk*(1-s.Risk)
		} else {
			s.Total = fallbackSkill*s.SkillMatch +
				fallbackPriority*s.PriorityScore +
				fallbackUnblock*s.UnblockScore
		}
		res.Scored = append(res.Scored, s)
	}

	sort.Slice(res.Scored, func(i, j int) bool {
		a, b := res.Scored[i], res.Scored[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		ta, tb := byID[a.TaskID], byID[b.TaskID]
		if ra, rb := types.PriorityRank(ta.Priority), types.PriorityRank(tb.Priority); ra != rb {
			return ra > rb
		}
		if !ta.CreatedAt.Equal(tb.CreatedAt) {
			return ta.CreatedAt.Before(tb.CreatedAt)
		}
		return a.TaskID < b.TaskID
	})

	res.Score = res.Scored[0]
	res.Task = byID[res.Score.TaskID]

	log.WithComponent("matcher").Debug().
		Str("agent_id", agent.ID).
		Str("task_id", res.Task.ID).
		Float64("score", res.Score.Total).
		Int("considered", len(candidates)).
		Msg("matched task")
	return res
}

// filtered applies the safety filter and returns the rejection reason.
func filtered(task *types.Task, g *graph.Graph, excluded *set.Set[string]) (string, bool) {
	if excluded != nil && excluded.Contains(task.ID) {
		return "assignment in flight or active lease", true
	}

	for _, depID := range g.DependenciesOf(task.ID) {
		dep, ok := g.Get(depID)
		if !ok || dep.Status != types.TaskStatusDone {
			return "unmet dependency " + depID, true
		}
	}

	// Late-phase tasks additionally wait on every transitive implementation
	// dependency, not just direct ones.
	class := graph.Classify(task)
	if class == types.ClassDeployment || class == types.ClassTesting {
		if blocker := unfinishedImplDep(task.ID, g); blocker != "" {
			return "implementation dependency " + blocker + " not done", true
		}
	}
	return "", false
}

// unfinishedImplDep walks the transitive dependency closure and returns the
// first implementation-class task that is not done.
func unfinishedImplDep(taskID string, g *graph.Graph) string {
	seen := set.New[string](8)
	queue := g.DependenciesOf(taskID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen.Contains(id) {
			continue
		}
		seen.Insert(id)

		dep, ok := g.Get(id)
		if !ok {
			continue
		}
		if graph.Classify(dep) == types.ClassImplementation && dep.Status != types.TaskStatusDone {
			return id
		}
		queue = append(queue, g.DependenciesOf(id)...)
	}
	return ""
}

// unblockCount counts dependents for which this task is the only remaining
// blocker.
func unblockCount(task *types.Task, g *graph.Graph) int {
	count := 0
	for _, depID := range g.DependentsOf(task.ID) {
		if onlyBlocker(task.ID, depID, g) {
			count++
		}
	}
	return count
}

func onlyBlocker(taskID, dependentID string, g *graph.Graph) bool {
	for _, otherID := range g.DependenciesOf(dependentID) {
		if otherID == taskID {
			continue
		}
		other, ok := g.Get(otherID)
		if !ok || other.Status != types.TaskStatusDone {
			return false
		}
	}
	return true
}

func skillMatch(skills *set.Set[string], labels []string) float64 {
	if len(labels) == 0 {
		return 0
	}
	matched := skills.Intersect(set.From(lowered(labels))).Size()
	return float64(matched) / float64(len(labels))
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
