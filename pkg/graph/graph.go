package graph

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/hashicorp/go-set/v3"

	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/types"
)

// originalIDRe matches the symbolic-id metadata line some boards embed in
// task descriptions, e.g. "Original ID: AUTH-3".
var originalIDRe = regexp.MustCompile(`(?mi)^Original ID:\s*(\S+)\s*$`)

// Graph is an in-memory directed acyclic graph of tasks keyed by task id.
//
// Edges run from a dependency to its dependents: an edge A->B means B cannot
// start until A is done. Single writer, many readers; inference holds the
// writer side while it rebuilds edges.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*types.Task
	dependsOn  map[string]*set.Set[string] // task -> its dependencies
	dependents map[string]*set.Set[string] // task -> tasks that depend on it
	symToID    map[string]string
	idToSym    map[string]string
}

// New creates an empty task graph.
func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*types.Task),
		dependsOn:  make(map[string]*set.Set[string]),
		dependents: make(map[string]*set.Set[string]),
		symToID:    make(map[string]string),
		idToSym:    make(map[string]string),
	}
}

// Upsert inserts or replaces a task and re-links its dependency edges.
// Dependencies naming unknown ids (after symbolic resolution) are dropped
// with a warning.
func (g *Graph) Upsert(task *types.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlinkLocked(task.ID)
	g.tasks[task.ID] = task

	if m := originalIDRe.FindStringSubmatch(task.Description); m != nil {
		sym := m[1]
		g.symToID[sym] = task.ID
		g.idToSym[task.ID] = sym
	}

	g.relinkAllLocked()
}

// Remove deletes a task and all edges touching it.
func (g *Graph) Remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlinkLocked(taskID)
	delete(g.tasks, taskID)
	if sym, ok := g.idToSym[taskID]; ok {
		delete(g.symToID, sym)
		delete(g.idToSym, taskID)
	}
	g.relinkAllLocked()
}

// Replace swaps the whole task set in one writer section.
func (g *Graph) Replace(tasks []*types.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tasks = make(map[string]*types.Task, len(tasks))
	g.symToID = make(map[string]string)
	g.idToSym = make(map[string]string)

	for _, t := range tasks {
		g.tasks[t.ID] = t
		if m := originalIDRe.FindStringSubmatch(t.Description); m != nil {
			g.symToID[m[1]] = t.ID
			g.idToSym[t.ID] = m[1]
		}
	}
	g.relinkAllLocked()
}

func (g *Graph) unlinkLocked(taskID string) {
	delete(g.dependsOn, taskID)
	delete(g.dependents, taskID)
}

// relinkAllLocked rebuilds the edge maps from task dependency lists,
// resolving symbolic references and dropping orphans.
func (g *Graph) relinkAllLocked() {
	g.dependsOn = make(map[string]*set.Set[string], len(g.tasks))
	g.dependents = make(map[string]*set.Set[string], len(g.tasks))

	for id := range g.tasks {
		g.dependsOn[id] = set.New[string](0)
		g.dependents[id] = set.New[string](0)
	}

	for id, task := range g.tasks {
		for _, dep := range task.Dependencies {
			depID, ok := g.resolveLocked(dep)
			if !ok {
				log.WithComponent("graph").Warn().
					Str("task_id", id).
					Str("dependency", dep).
					Msg("dropping dependency on unknown task")
				continue
			}
			if depID == id {
				continue
			}
			g.dependsOn[id].Insert(depID)
			g.dependents[depID].Insert(id)
		}
	}
}

func (g *Graph) resolveLocked(ref string) (string, bool) {
	if _, ok := g.tasks[ref]; ok {
		return ref, true
	}
	if id, ok := g.symToID[ref]; ok {
		return id, true
	}
	return "", false
}

// Resolve maps a task id or symbolic id to a known task id.
func (g *Graph) Resolve(ref string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveLocked(ref)
}

// Get returns a task by id.
func (g *Graph) Get(taskID string) (*types.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[taskID]
	return t, ok
}

// Tasks returns all tasks in the graph.
func (g *Graph) Tasks() []*types.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// DependenciesOf returns the ids the given task depends on.
func (g *Graph) DependenciesOf(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.dependsOn[taskID]; ok {
		return sortedSlice(s)
	}
	return nil
}

// DependentsOf returns the ids that depend on the given task.
func (g *Graph) DependentsOf(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.dependents[taskID]; ok {
		return sortedSlice(s)
	}
	return nil
}

// AddEdge inserts a single dependency edge, rejecting any edge that would
// close a cycle. Cycle-breaking is the inference package's job; the graph
// itself stays acyclic.
func (g *Graph) AddEdge(dependencyID, dependentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[dependencyID]; !ok {
		return fmt.Errorf("unknown dependency task %s", dependencyID)
	}
	if _, ok := g.tasks[dependentID]; !ok {
		return fmt.Errorf("unknown dependent task %s", dependentID)
	}
	if dependencyID == dependentID {
		return fmt.Errorf("task %s cannot depend on itself", dependencyID)
	}
	if g.pathExistsLocked(dependentID, dependencyID) {
		return fmt.Errorf("edge %s->%s would create a cycle", dependencyID, dependentID)
	}

	g.dependsOn[dependentID].Insert(dependencyID)
	g.dependents[dependencyID].Insert(dependentID)

	task := g.tasks[dependentID]
	if !contains(task.Dependencies, dependencyID) {
		task.Dependencies = append(task.Dependencies, dependencyID)
	}
	return nil
}

// pathExistsLocked reports whether `to` is reachable from `from` following
// dependency->dependent edges.
func (g *Graph) pathExistsLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := set.New[string](0)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen.Contains(cur) {
			continue
		}
		seen.Insert(cur)
		if deps, ok := g.dependents[cur]; ok {
			stack = append(stack, deps.Slice()...)
		}
	}
	return false
}

// HasCycle reports whether the dependency graph contains a cycle.
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.topoOrderLocked()
	return err != nil
}

// TopologicalOrder returns task ids such that every dependency precedes its
// dependents. Ties are broken lexicographically for determinism.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoOrderLocked()
}

func (g *Graph) topoOrderLocked() ([]string, error) {
	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = g.dependsOn[id].Size()
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := sortedSlice(g.dependents[id])
		changed := false
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.tasks) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &types.CircularDependencyError{Cycle: stuck}
	}
	return order, nil
}

// CriticalPath returns the longest dependency chain weighted by estimated
// hours, from the earliest task to the latest.
func (g *Graph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topoOrderLocked()
	if err != nil {
		return nil
	}

	cost := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))

	hours := func(id string) float64 {
		h := g.tasks[id].EstimatedHours
		if h <= 0 {
			h = 1 // unestimated tasks still contribute to path length
		}
		return h
	}

	var bestEnd string
	var bestCost float64
	for _, id := range order {
		best := 0.0
		for _, dep := range sortedSlice(g.dependsOn[id]) {
			if cost[dep] > best {
				best = cost[dep]
				prev[id] = dep
			}
		}
		cost[id] = best + hours(id)
		if cost[id] > bestCost {
			bestCost = cost[id]
			bestEnd = id
		}
	}

	if bestEnd == "" {
		return nil
	}

	var path []string
	for id := bestEnd; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
		if _, ok := prev[id]; !ok {
			break
		}
	}
	return path
}

// OnCriticalPath reports whether the task sits on the current critical path.
func (g *Graph) OnCriticalPath(taskID string) bool {
	for _, id := range g.CriticalPath() {
		if id == taskID {
			return true
		}
	}
	return false
}

func sortedSlice(s *set.Set[string]) []string {
	if s == nil {
		return nil
	}
	out := s.Slice()
	sort.Strings(out)
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Keyword matches anchor on word boundaries so "check" does not fire
// inside "checkout".
var classMatchers = []struct {
	class types.TaskClass
	re    *regexp.Regexp
}{
	{types.ClassDesign, regexp.MustCompile(`(?i)\b(design|plan|architect|wireframe|spec|research|analyze)\b`)},
	{types.ClassTesting, regexp.MustCompile(`(?i)\b(test|tests|testing|qa|quality|verify|validation|check)\b`)},
	{types.ClassDeployment, regexp.MustCompile(`(?i)\b(deploy|deployment|release|launch|production|publish)\b`)},
	{types.ClassImplementation, regexp.MustCompile(`(?i)\b(implement|build|create|develop|code|write)\b`)},
}

// Classify buckets a task into a phase by keyword match on its name.
// Earlier buckets win so "test deployment plan" classifies as design.
func Classify(task *types.Task) types.TaskClass {
	for _, cm := range classMatchers {
		if cm.re.MatchString(task.Name) {
			return cm.class
		}
	}
	return types.ClassOther
}
