package rpc

import (
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/marcus-agent/marcus/pkg/types"
)

// Stable application error codes carried in JSON-RPC error objects. Agents
// dispatch on the code, so these never change meaning.
const (
	CodeInternal           = 1000
	CodeInvalidInput       = 1001
	CodeNotRegistered      = 1002
	CodeNotAssigned        = 1003
	CodeLeaseExpired       = 1004
	CodeUnknownTask        = 1005
	CodeBoardUnavailable   = 1006
	CodeOracleUnavailable  = 1007
	CodeCircularDependency = 1008
	CodeShuttingDown       = 1009
)

var codeByErr = []struct {
	sentinel error
	code     int64
}{
	{types.ErrInvalidInput, CodeInvalidInput},
	{types.ErrNotRegistered, CodeNotRegistered},
	{types.ErrNotAssigned, CodeNotAssigned},
	{types.ErrLeaseExpired, CodeLeaseExpired},
	{types.ErrUnknownTask, CodeUnknownTask},
	{types.ErrBoardUnavailable, CodeBoardUnavailable},
	{types.ErrOracleUnavailable, CodeOracleUnavailable},
	{types.ErrCircularDependency, CodeCircularDependency},
	{types.ErrLedgerWrite, CodeInternal},
}

// rpcError converts an internal error into a JSON-RPC error object with a
// stable code.
func rpcError(err error) *jsonrpc2.Error {
	for _, m := range codeByErr {
		if errors.Is(err, m.sentinel) {
			return &jsonrpc2.Error{Code: m.code, Message: err.Error()}
		}
	}
	return &jsonrpc2.Error{Code: CodeInternal, Message: err.Error()}
}
