// Package lease grants time-bounded exclusive ownership of tasks. Each task
// has at most one active lease; heartbeats keep a lease alive, renewals
// extend it up to a cap, and a background sweep expires leases whose agents
// went silent.
package lease
