package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coordination error taxonomy. Tool handlers map
// these to stable JSON-RPC error codes; internal callers branch with
// errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotRegistered      = errors.New("agent not registered")
	ErrNotAssigned        = errors.New("task not assigned to agent")
	ErrLeaseExpired       = errors.New("lease expired")
	ErrUnknownTask        = errors.New("unknown task")
	ErrBoardUnavailable   = errors.New("board unavailable")
	ErrOracleUnavailable  = errors.New("oracle unavailable")
	ErrCircularDependency = errors.New("circular dependency")
	ErrLedgerWrite        = errors.New("ledger write failed")
)

// CircularDependencyError reports a dependency cycle that could not be broken
// because every edge in it is mandatory. Fatal for the inference call, never
// for the server.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency among tasks %v", e.Cycle)
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}
