package briefing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Predictions carries Oracle judgments captured before the briefing is
// built, so the payload itself is a pure function of its input.
type Predictions struct {
	SuccessProbability float64  `json:"success_probability"`
	ExpectedHours      float64  `json:"expected_hours"`
	Risk               float64  `json:"risk"`
	TopBlockers        []string `json:"top_blockers,omitempty"`
}

// Input is everything the builder reads. All non-deterministic sources
// (board history, Oracle) are resolved by the caller first; identical
// inputs produce byte-identical payloads.
type Input struct {
	Agent       *types.Agent
	Task        *types.Task
	Graph       *graph.Graph
	History     map[string][]types.ImplementationEntry // completed dependency id -> entries
	Predictions *Predictions
}

// decisionLogThreshold is the dependent count above which an agent is asked
// to record architectural decisions.
const decisionLogThreshold = 3

// labelGuidance holds the pre-canned checklist per recognized label, in the
// order the layers are emitted.
var guidanceOrder = []string{"api", "frontend", "database", "security", "deployment"}

var labelGuidance = map[string][]string{
	"api": {
		"Document every endpoint: method, path, request and response shapes.",
		"Return structured errors with stable codes.",
		"Validate all inputs at the boundary.",
	},
	"frontend": {
		"Handle loading, empty, and error states for every view.",
		"Keep components accessible: labels, focus order, contrast.",
		"Match the existing design system before inventing new styles.",
	},
	"database": {
		"Ship schema changes as reversible migrations.",
		"Index the columns your queries filter and join on.",
		"Never interpolate user input into SQL.",
	},
	"security": {
		"Least privilege for every credential and token.",
		"Sanitize and validate all external input.",
		"No secrets in code, logs, or comments.",
	},
	"deployment": {
		"Verify rollback works before rolling forward.",
		"Gate the deploy on the full test suite.",
		"Watch error rates during and after the rollout.",
	},
}

// Build renders the layered instruction payload for one assignment.
func Build(in Input) string {
	var b strings.Builder

	writeBase(&b, in.Task)
	writeHistory(&b, in.History)
	writeDependents(&b, in.Task, in.Graph)
	writeDecisionLog(&b, in.Task, in.Graph)
	writePredictions(&b, in.Predictions)
	writeGuidance(&b, in.Task.Labels)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeBase(b *strings.Builder, task *types.Task) {
	fmt.Fprintf(b, "## Task: %s\n\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(task.Description))
	}
	fmt.Fprintf(b, "Priority: %s\n", task.Priority)
	if len(task.Labels) > 0 {
		labels := append([]string(nil), task.Labels...)
		sort.Strings(labels)
		fmt.Fprintf(b, "Labels: %s\n", strings.Join(labels, ", "))
		fmt.Fprintf(b, "\nAcceptance criteria:\n")
		for _, label := range labels {
			fmt.Fprintf(b, "- The %s work is complete, reviewed, and verified.\n", label)
		}
	}
	b.WriteString("\n")
}

func writeHistory(b *strings.Builder, history map[string][]types.ImplementationEntry) {
	if len(history) == 0 {
		return
	}
	ids := make([]string, 0, len(history))
	for id := range history {
		if len(history[id]) > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	b.WriteString("## How your dependencies were implemented\n\n")
	for _, id := range ids {
		fmt.Fprintf(b, "### %s\n", id)
		for _, entry := range history[id] {
			fmt.Fprintf(b, "- %s (by %s)\n", strings.TrimSpace(entry.Summary), entry.AgentID)
		}
		b.WriteString("\n")
	}
}

func writeDependents(b *strings.Builder, task *types.Task, g *graph.Graph) {
	dependents := g.DependentsOf(task.ID)
	if len(dependents) == 0 {
		return
	}

	b.WriteString("## Downstream tasks depend on this work\n\n")
	for _, id := range dependents {
		name := id
		if dep, ok := g.Get(id); ok {
			name = fmt.Sprintf("%s (%s)", dep.Name, id)
		}
		fmt.Fprintf(b, "- %s\n", name)
	}
	b.WriteString("\nKeep the interfaces you expose stable and documented; the tasks above will build directly on them.\n\n")
}

func writeDecisionLog(b *strings.Builder, task *types.Task, g *graph.Graph) {
	dependents := g.DependentsOf(task.ID)
	if len(dependents) < decisionLogThreshold && !g.OnCriticalPath(task.ID) {
		return
	}

	b.WriteString("## Record your decisions\n\n")
	b.WriteString("This task shapes a significant part of the project. For each architectural choice, add a comment: what you decided, what you rejected, and what constraint drove it.\n\n")
}

func writePredictions(b *strings.Builder, p *Predictions) {
	if p == nil {
		return
	}

	b.WriteString("## Predictions\n\n")
	fmt.Fprintf(b, "- Success probability: %.0f%%\n", p.SuccessProbability*100)
	fmt.Fprintf(b, "- Expected effort: %.1f hours\n", p.ExpectedHours)
	fmt.Fprintf(b, "- Risk: %.0f%%\n", p.Risk*100)
	if len(p.TopBlockers) > 0 {
		b.WriteString("- Likely blockers:\n")
		for _, blocker := range p.TopBlockers {
			fmt.Fprintf(b, "  - %s\n", blocker)
		}
	}
	b.WriteString("\n")
}

func writeGuidance(b *strings.Builder, labels []string) {
	present := make(map[string]bool, len(labels))
	for _, l := range labels {
		present[strings.ToLower(l)] = true
	}

	for _, label := range guidanceOrder {
		if !present[label] {
			continue
		}
		fmt.Fprintf(b, "## %s checklist\n\n", strings.ToUpper(label[:1])+label[1:])
		for _, item := range labelGuidance[label] {
			fmt.Fprintf(b, "- %s\n", item)
		}
		b.WriteString("\n")
	}
}
