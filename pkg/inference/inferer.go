package inference

import (
	"context"
	"fmt"
	"sort"

	"github.com/marcus-agent/marcus/pkg/events"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/oracle"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Options tunes one inferer instance. Zero values are filled from the
// balanced defaults.
type Options struct {
	PatternConfidenceThreshold float64
	AIConfidenceThreshold      float64
	CombinedConfidenceBoost    float64
	MaxPairsPerBatch           int
	OracleEnabled              bool
}

func (o Options) withDefaults() Options {
	if o.PatternConfidenceThreshold == 0 {
		o.PatternConfidenceThreshold = 0.8
	}
	if o.AIConfidenceThreshold == 0 {
		o.AIConfidenceThreshold = 0.7
	}
	if o.CombinedConfidenceBoost == 0 {
		o.CombinedConfidenceBoost = 0.15
	}
	if o.MaxPairsPerBatch == 0 {
		o.MaxPairsPerBatch = 20
	}
	return o
}

// Inferer produces a validated, acyclic dependency edge set for a task set.
// Patterns always run; the Oracle refines ambiguous pairs when available.
// Oracle failure never fails inference.
type Inferer struct {
	opts   Options
	oracle oracle.Oracle
	cache  *Cache
	broker *events.Broker
}

// New creates an inferer. oracle, cache, and broker may each be nil.
func New(opts Options, orc oracle.Oracle, cache *Cache, broker *events.Broker) *Inferer {
	return &Inferer{
		opts:   opts.withDefaults(),
		oracle: orc,
		cache:  cache,
		broker: broker,
	}
}

// edgeKey identifies a directed edge.
type edgeKey struct {
	dep, dependent string
}

// Infer runs the full pipeline: pattern pass, ambiguity selection, Oracle
// pass, merge, and cycle breaking.
func (inf *Inferer) Infer(ctx context.Context, tasks []*types.Task) ([]types.DependencyEdge, error) {
	logger := log.WithComponent("inference")

	if inf.cache != nil {
		if cached, ok := inf.cache.Get(tasks); ok {
			metrics.InferenceRunsTotal.WithLabelValues("cache").Inc()
			return cached, nil
		}
	}

	patterns := patternEdges(tasks)
	patternByKey := make(map[edgeKey]types.DependencyEdge, len(patterns))
	for _, e := range patterns {
		if e.Confidence < inf.opts.PatternConfidenceThreshold {
			continue
		}
		patternByKey[edgeKey{e.DependencyID, e.DependentID}] = e
	}

	merged := patternByKey
	source := "pattern_only"

	if inf.opts.OracleEnabled && inf.oracle != nil {
		oracleEdges, err := inf.oraclePass(ctx, tasks, patternByKey)
		if err != nil {
			logger.Warn().Err(err).Msg("oracle pass failed, falling back to patterns")
			if inf.cache != nil {
				if stale, ok := inf.cache.GetStale(tasks); ok {
					logger.Info().Msg("serving stale inference cache after oracle failure")
					metrics.InferenceRunsTotal.WithLabelValues("cache").Inc()
					return stale, nil
				}
			}
		} else {
			merged = inf.merge(patternByKey, oracleEdges)
			source = "full"
		}
	}

	edges := make([]types.DependencyEdge, 0, len(merged))
	for _, e := range merged {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].DependencyID != edges[j].DependencyID {
			return edges[i].DependencyID < edges[j].DependencyID
		}
		return edges[i].DependentID < edges[j].DependentID
	})

	edges, err := breakCycles(edges, func(dropped types.DependencyEdge) {
		logger.Warn().
			Str("dependency", dropped.DependencyID).
			Str("dependent", dropped.DependentID).
			Float64("confidence", dropped.Confidence).
			Msg("dropping lowest-confidence edge to break cycle")
		if inf.broker != nil {
			inf.broker.Emit(events.EventDependencyInferred,
				fmt.Sprintf("dropped edge %s->%s to break cycle", dropped.DependencyID, dropped.DependentID),
				map[string]string{
					"dependency_id": dropped.DependencyID,
					"dependent_id":  dropped.DependentID,
					"action":        "cycle_break",
				})
		}
	})
	if err != nil {
		return nil, err
	}

	metrics.InferenceRunsTotal.WithLabelValues(source).Inc()

	if inf.broker != nil {
		for _, e := range edges {
			inf.broker.Emit(events.EventDependencyInferred,
				fmt.Sprintf("%s depends on %s (%s, %.2f)", e.DependentID, e.DependencyID, e.Origin, e.Confidence),
				map[string]string{
					"dependency_id": e.DependencyID,
					"dependent_id":  e.DependentID,
					"origin":        string(e.Origin),
				})
		}
	}

	if inf.cache != nil {
		inf.cache.Put(tasks, edges)
	}
	return edges, nil
}

// ambiguousPairs selects unordered pairs that patterns did not settle with
// high confidence but that look related enough to ask the Oracle about.
func (inf *Inferer) ambiguousPairs(tasks []*types.Task, pattern map[edgeKey]types.DependencyEdge) []oracle.Pair {
	var pairs []oracle.Pair
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			a, b := tasks[i], tasks[j]

			settled := false
			for _, k := range []edgeKey{{a.ID, b.ID}, {b.ID, a.ID}} {
				if e, ok := pattern[k]; ok && e.Confidence >= 0.9 {
					settled = true
					break
				}
			}
			if settled {
				continue
			}

			if sharedTokens(a, b) >= 2 || sharesTechKeyword(a, b) {
				pairs = append(pairs, oracle.Pair{A: a, B: b})
			}
		}
	}
	return pairs
}

// oraclePass batches ambiguous pairs through the Oracle and keeps judgments
// above the confidence threshold.
func (inf *Inferer) oraclePass(ctx context.Context, tasks []*types.Task, pattern map[edgeKey]types.DependencyEdge) (map[edgeKey]types.DependencyEdge, error) {
	pairs := inf.ambiguousPairs(tasks, pattern)
	out := make(map[edgeKey]types.DependencyEdge)

	for start := 0; start < len(pairs); start += inf.opts.MaxPairsPerBatch {
		end := start + inf.opts.MaxPairsPerBatch
		if end > len(pairs) {
			end = len(pairs)
		}
		batch := pairs[start:end]

		scores, err := inf.oracle.InferPairs(ctx, batch)
		if err != nil {
			return nil, err
		}

		for i, score := range scores {
			if score.Direction == types.DirectionNone || score.Confidence < inf.opts.AIConfidenceThreshold {
				continue
			}
			pair := batch[i]
			edge := types.DependencyEdge{
				Confidence: score.Confidence,
				Origin:     types.OriginOracle,
				Reasoning:  score.Reasoning,
			}
			if score.Direction == types.DirectionAToB {
				edge.DependencyID, edge.DependentID = pair.A.ID, pair.B.ID
			} else {
				edge.DependencyID, edge.DependentID = pair.B.ID, pair.A.ID
			}
			out[edgeKey{edge.DependencyID, edge.DependentID}] = edge
		}
	}
	return out, nil
}

// merge combines pattern and oracle edge sets. Agreement boosts confidence;
// disagreement prefers the mandatory side, then the more confident one.
func (inf *Inferer) merge(pattern, oracleEdges map[edgeKey]types.DependencyEdge) map[edgeKey]types.DependencyEdge {
	out := make(map[edgeKey]types.DependencyEdge, len(pattern)+len(oracleEdges))
	for k, e := range pattern {
		out[k] = e
	}

	for k, oe := range oracleEdges {
		if pe, ok := out[k]; ok {
			// Same direction: boost.
			pe.Confidence = min1(maxf(pe.Confidence, oe.Confidence) + inf.opts.CombinedConfidenceBoost)
			pe.Origin = types.OriginBoth
			if oe.Reasoning != "" {
				pe.Reasoning = oe.Reasoning
			}
			out[k] = pe
			continue
		}

		reverse := edgeKey{k.dependent, k.dep}
		if pe, ok := out[reverse]; ok {
			// Opposite directions: mandatory pattern wins, else confidence.
			if pe.Mandatory || pe.Confidence >= oe.Confidence {
				continue
			}
			delete(out, reverse)
		}
		out[k] = oe
	}
	return out
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
