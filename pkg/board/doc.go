/*
Package board abstracts the external kanban system of record.

The coordinator only depends on the Board interface: a consistent task
snapshot, partial task updates, and comments, plus the optional
HistoryProvider capability for implementation history. Three
implementations ship here: KanbanBoard (sqlite, shared with human tooling),
MemoryBoard (tests and demos), and Resilient, a decorator adding per-call
timeouts and a circuit breaker so a flapping provider fails fast instead of
stalling assignment decisions.
*/
package board
