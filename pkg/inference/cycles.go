package inference

import (
	"sort"

	"github.com/marcus-agent/marcus/pkg/types"
)

// breakCycles removes edges until the set is acyclic. Each detected cycle
// loses its lowest-confidence non-mandatory edge; a cycle made entirely of
// mandatory edges is unbreakable and fatal for the inference call.
func breakCycles(edges []types.DependencyEdge, onDrop func(types.DependencyEdge)) ([]types.DependencyEdge, error) {
	for {
		cycle := findCycle(edges)
		if cycle == nil {
			return edges, nil
		}

		dropIdx := -1
		for _, idx := range cycle {
			if edges[idx].Mandatory {
				continue
			}
			if dropIdx == -1 || edges[idx].Confidence < edges[dropIdx].Confidence {
				dropIdx = idx
			}
		}
		if dropIdx == -1 {
			var ids []string
			seen := map[string]bool{}
			for _, idx := range cycle {
				for _, id := range []string{edges[idx].DependencyID, edges[idx].DependentID} {
					if !seen[id] {
						seen[id] = true
						ids = append(ids, id)
					}
				}
			}
			sort.Strings(ids)
			return nil, &types.CircularDependencyError{Cycle: ids}
		}

		if onDrop != nil {
			onDrop(edges[dropIdx])
		}
		edges = append(edges[:dropIdx:dropIdx], edges[dropIdx+1:]...)
	}
}

// findCycle runs a DFS over the edge set and returns the edge indexes of
// the first cycle found, or nil when the set is acyclic.
func findCycle(edges []types.DependencyEdge) []int {
	adj := make(map[string][]int) // node -> outgoing edge indexes
	nodes := map[string]bool{}
	for i, e := range edges {
		adj[e.DependencyID] = append(adj[e.DependencyID], i)
		nodes[e.DependencyID] = true
		nodes[e.DependentID] = true
	}

	ordered := make([]string, 0, len(nodes))
	for n := range nodes {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var stack []int // edge indexes along the current DFS path
	var cycle []int

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		for _, idx := range adj[node] {
			next := edges[idx].DependentID
			switch color[next] {
			case gray:
				// Found a back edge: the cycle is the path suffix from next.
				cycle = append([]int(nil), stack...)
				cycle = append(cycle, idx)
				for i, pathIdx := range cycle {
					if edges[pathIdx].DependencyID == next {
						cycle = cycle[i:]
						break
					}
				}
				return true
			case white:
				stack = append(stack, idx)
				if visit(next) {
					return true
				}
				stack = stack[:len(stack)-1]
			}
		}
		color[node] = black
		return false
	}

	for _, n := range ordered {
		if color[n] == white {
			stack = stack[:0]
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}
