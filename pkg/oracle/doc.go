// Package oracle defines the AI inference interface used for ambiguous
// dependency judgments and agent-task fitness scoring, with an Anthropic
// Messages implementation and a deterministic scripted double for tests.
// The Oracle is optional everywhere; every caller degrades without it.
package oracle
