// Package rpc exposes the agent-facing tool surface as JSON-RPC 2.0 over
// a newline-delimited stdio stream. Each tool maps to one coordinator
// operation; internal errors are translated into stable application error
// codes so agents can dispatch on them.
package rpc
