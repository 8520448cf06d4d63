package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/types"
)

// AnthropicOracle implements Oracle on the Anthropic Messages API.
// Responses are requested as bare JSON and parsed strictly; anything
// malformed is an OracleUnavailable error so callers fall back to patterns.
type AnthropicOracle struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewAnthropicOracle builds a client for the given API key and model.
func NewAnthropicOracle(apiKey, model string, timeout time.Duration) *AnthropicOracle {
	logger := log.WithComponent("oracle")
	return &AnthropicOracle{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "oracle",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("oracle circuit breaker state change")
			},
		}),
	}
}

const inferSystemPrompt = `You analyze pairs of software tasks and decide whether one must be
completed before the other. Answer with a JSON array only, no prose. Each
element: {"direction": "a->b" | "b->a" | "none", "confidence": 0.0-1.0,
"reasoning": "short explanation"}. "a->b" means task B depends on task A.`

const scoreSystemPrompt = `You estimate how an engineering agent will perform on a task. Answer with a
JSON object only, no prose: {"success_probability": 0.0-1.0, "risk": 0.0-1.0,
"expected_hours": number}.`

func (o *AnthropicOracle) complete(ctx context.Context, system, prompt string) (string, error) {
	out, err := o.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		msg, err := o.client.Messages.New(cctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(o.model),
			MaxTokens: 2048,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, err
		}

		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return sb.String(), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrOracleUnavailable, err)
	}
	return out.(string), nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func (o *AnthropicOracle) InferPairs(ctx context.Context, pairs []Pair) ([]types.PairScore, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Judge these %d task pairs:\n\n", len(pairs))
	for i, p := range pairs {
		fmt.Fprintf(&sb, "Pair %d:\n  Task A: %s — %s\n  Task B: %s — %s\n\n",
			i+1, p.A.Name, truncate(p.A.Description, 200),
			p.B.Name, truncate(p.B.Description, 200))
	}

	raw, err := o.complete(ctx, inferSystemPrompt, sb.String())
	if err != nil {
		metrics.OracleCallsTotal.WithLabelValues("infer_pairs", "error").Inc()
		return nil, err
	}

	var scores []types.PairScore
	if err := json.Unmarshal([]byte(stripFences(raw)), &scores); err != nil {
		metrics.OracleCallsTotal.WithLabelValues("infer_pairs", "parse_error").Inc()
		return nil, fmt.Errorf("%w: parse response: %v", types.ErrOracleUnavailable, err)
	}
	if len(scores) != len(pairs) {
		metrics.OracleCallsTotal.WithLabelValues("infer_pairs", "parse_error").Inc()
		return nil, fmt.Errorf("%w: got %d judgments for %d pairs", types.ErrOracleUnavailable, len(scores), len(pairs))
	}

	for i := range scores {
		scores[i].Confidence = clamp01(scores[i].Confidence)
		switch scores[i].Direction {
		case types.DirectionAToB, types.DirectionBToA, types.DirectionNone:
		default:
			scores[i].Direction = types.DirectionNone
		}
	}

	metrics.OracleCallsTotal.WithLabelValues("infer_pairs", "ok").Inc()
	return scores, nil
}

func (o *AnthropicOracle) ScoreTaskForAgent(ctx context.Context, agent *types.Agent, task *types.Task) (*types.TaskScore, error) {
	prompt := fmt.Sprintf(`Agent profile:
  Role: %s
  Skills: %s
  Completed: %d, Failed: %d, Blocked: %d
  Performance score: %.2f

Task:
  Name: %s
  Description: %s
  Labels: %s
  Estimated hours: %.1f`,
		agent.Role, strings.Join(agent.Skills, ", "),
		agent.Completed, agent.Failed, agent.Blocked, agent.PerformanceScore,
		task.Name, truncate(task.Description, 400),
		strings.Join(task.Labels, ", "), task.EstimatedHours)

	raw, err := o.complete(ctx, scoreSystemPrompt, prompt)
	if err != nil {
		metrics.OracleCallsTotal.WithLabelValues("score_task", "error").Inc()
		return nil, err
	}

	var score types.TaskScore
	if err := json.Unmarshal([]byte(stripFences(raw)), &score); err != nil {
		metrics.OracleCallsTotal.WithLabelValues("score_task", "parse_error").Inc()
		return nil, fmt.Errorf("%w: parse response: %v", types.ErrOracleUnavailable, err)
	}

	score.SuccessProbability = clamp01(score.SuccessProbability)
	score.Risk = clamp01(score.Risk)
	if score.ExpectedHours < 0 {
		score.ExpectedHours = 0
	}

	metrics.OracleCallsTotal.WithLabelValues("score_task", "ok").Inc()
	return &score, nil
}

const blockerSystemPrompt = `An engineering agent is blocked on a task. Suggest up to three concrete,
actionable ways to get unblocked. Answer with a JSON array of strings only,
no prose.`

func (o *AnthropicOracle) SuggestResolutions(ctx context.Context, task *types.Task, description string, severity types.BlockerSeverity) ([]string, error) {
	prompt := fmt.Sprintf(`Task:
  Name: %s
  Description: %s

Blocker (%s severity):
  %s`,
		task.Name, truncate(task.Description, 400),
		severity, truncate(description, 600))

	raw, err := o.complete(ctx, blockerSystemPrompt, prompt)
	if err != nil {
		metrics.OracleCallsTotal.WithLabelValues("suggest_resolutions", "error").Inc()
		return nil, err
	}

	var suggestions []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &suggestions); err != nil {
		metrics.OracleCallsTotal.WithLabelValues("suggest_resolutions", "parse_error").Inc()
		return nil, fmt.Errorf("%w: parse response: %v", types.ErrOracleUnavailable, err)
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}

	metrics.OracleCallsTotal.WithLabelValues("suggest_resolutions", "ok").Inc()
	return suggestions, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Oracle = (*AnthropicOracle)(nil)
