// Package matcher picks the best next task for an agent. Candidates pass a
// safety filter (dependency readiness, phase ordering, exclusivity), then a
// weighted score over skill fit, priority, unblock impact, and optional
// Oracle success and risk judgments decides the winner.
package matcher
