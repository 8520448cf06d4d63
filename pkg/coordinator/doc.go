// Package coordinator implements the assignment workflow that ties the
// other components together: agents register here, request work, report
// progress and blockers, and release tasks. One process-wide mutex
// serializes every select-lease-persist sequence, which rules out
// double assignment without finer locking. Oracle calls always happen
// outside that critical section.
package coordinator
