// Package briefing renders the instruction payload an agent receives with
// an assignment. The payload is layered: base instructions always, then
// dependency history, downstream awareness, decision-logging prompts,
// predictions, and label checklists as their preconditions hold. Identical
// inputs render byte-identical output.
package briefing
