package inference

import (
	"regexp"
	"strings"

	"github.com/hashicorp/go-set/v3"

	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Pattern is one ordering rule applied to task names. DepRe matches the
// prerequisite side, CondRe the dependent side. ComponentScoped patterns
// additionally require the two names to share a meaningful token so
// "Build auth API" is not ordered against an unrelated frontend task.
type Pattern struct {
	Name            string
	DepRe           *regexp.Regexp
	CondRe          *regexp.Regexp
	Confidence      float64
	Mandatory       bool
	ComponentScoped bool
}

// canonical safety patterns, in evaluation order.
var patterns = []Pattern{
	{
		Name:       "infrastructure-before-features",
		DepRe:      regexp.MustCompile(`(?i)\b(infrastructure|infra|setup|scaffold|environment|foundation|provision)\b`),
		CondRe:     regexp.MustCompile(`(?i)\b(feature|implement|build|create|develop|add)\b`),
		Confidence: 0.95,
		Mandatory:  true,
	},
	{
		Name:       "design-before-implementation",
		DepRe:      regexp.MustCompile(`(?i)\b(design|plan|architect|spec|wireframe|research)\b`),
		CondRe:     regexp.MustCompile(`(?i)\b(implement|build|create|develop|code|write)\b`),
		Confidence: 0.95,
		Mandatory:  true,
	},
	{
		Name:       "implementation-before-testing",
		DepRe:      regexp.MustCompile(`(?i)\b(implement|build|create|develop|code|write)\b`),
		CondRe:     regexp.MustCompile(`(?i)\b(test|qa|verify|validate|validation)\b`),
		Confidence: 0.95,
		Mandatory:  true,
	},
	{
		Name:       "testing-before-deployment",
		DepRe:      regexp.MustCompile(`(?i)\b(test|qa|verify|validate|validation)\b`),
		CondRe:     regexp.MustCompile(`(?i)\b(deploy|release|launch|production|publish)\b`),
		Confidence: 0.95,
		Mandatory:  true,
	},
	{
		Name:            "backend-before-frontend",
		DepRe:           regexp.MustCompile(`(?i)\b(backend|api|server|service|endpoint)\b`),
		CondRe:          regexp.MustCompile(`(?i)\b(frontend|ui|client|interface|page|screen)\b`),
		Confidence:      0.85,
		Mandatory:       false,
		ComponentScoped: true,
	},
}

var stopwords = set.From([]string{
	"the", "a", "an", "and", "or", "for", "to", "of", "in", "on", "with",
	"is", "are", "be", "this", "that", "it", "as", "at", "by", "from",
	"new", "add", "make", "set", "up", "all", "our",
})

var techKeywords = set.From([]string{
	"api", "database", "frontend", "backend", "auth", "user", "admin",
})

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// tokens returns the lowercased non-stopword tokens of a task name.
func tokens(name string) *set.Set[string] {
	out := set.New[string](8)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(name), -1) {
		if !stopwords.Contains(tok) {
			out.Insert(tok)
		}
	}
	return out
}

// sharedTokens counts meaningful tokens two task names have in common.
func sharedTokens(a, b *types.Task) int {
	return tokens(a.Name).Intersect(tokens(b.Name)).Size()
}

// sharesTechKeyword reports whether both names mention the same tech noun.
func sharesTechKeyword(a, b *types.Task) bool {
	common := tokens(a.Name).Intersect(tokens(b.Name))
	return common.Intersect(techKeywords).Size() > 0
}

// matchPattern tests one ordered pair against one pattern: dep must finish
// before dependent starts.
func matchPattern(p Pattern, dep, dependent *types.Task) bool {
	if !p.DepRe.MatchString(dep.Name) || !p.CondRe.MatchString(dependent.Name) {
		return false
	}
	if p.ComponentScoped && sharedTokens(dep, dependent) < 1 {
		return false
	}
	// Component-scoped patterns order work within one phase (backend before
	// frontend are both implementation), so the phase check is skipped.
	return validRelation(dep, dependent, !p.ComponentScoped)
}

// validRelation applies the logical sanity predicate to a candidate edge.
func validRelation(dep, dependent *types.Task, checkPhase bool) bool {
	// Phase ordering: a prerequisite must belong to an earlier phase.
	// "Other" tasks have no meaningful phase and are exempt.
	depClass := graph.Classify(dep)
	dependentClass := graph.Classify(dependent)
	if checkPhase && depClass != types.ClassOther && dependentClass != types.ClassOther {
		if types.ClassOrder(depClass) >= types.ClassOrder(dependentClass) {
			return false
		}
	}

	// A brand-new task gains nothing from depending on finished work, and
	// the edge would immediately look satisfied. Reject it.
	if dep.Status == types.TaskStatusDone && dependent.Status == types.TaskStatusTodo {
		return false
	}
	return true
}

// patternEdges runs the pattern pass over every ordered pair.
func patternEdges(tasks []*types.Task) []types.DependencyEdge {
	var edges []types.DependencyEdge
	for _, dep := range tasks {
		for _, dependent := range tasks {
			if dep.ID == dependent.ID {
				continue
			}
			for _, p := range patterns {
				if matchPattern(p, dep, dependent) {
					edges = append(edges, types.DependencyEdge{
						DependencyID: dep.ID,
						DependentID:  dependent.ID,
						Confidence:   p.Confidence,
						Mandatory:    p.Mandatory,
						Origin:       types.OriginPattern,
						Reasoning:    p.Name,
					})
					break // first matching pattern wins for this pair
				}
			}
		}
	}
	return edges
}
