package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/marcus-agent/marcus/pkg/coordinator"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/types"
)

// Server exposes the agent-facing tool surface over JSON-RPC 2.0 on a
// newline-delimited stream, normally stdio. Tool calls run concurrently;
// Shutdown stops intake and drains in-flight calls within a budget.
type Server struct {
	coord *coordinator.Coordinator

	mu        sync.Mutex
	accepting bool
	inflight  sync.WaitGroup
}

// NewServer wires the tool surface to a coordinator.
func NewServer(coord *coordinator.Coordinator) *Server {
	return &Server{
		coord:     coord,
		accepting: true,
	}
}

// stdioStream pairs stdin and stdout into the ReadWriteCloser the codec
// needs. Closing closes only stdin; stdout stays usable for the final
// responses being flushed.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioStream) Close() error                { return os.Stdin.Close() }

// ServeStdio answers tool calls on stdin/stdout until the peer disconnects
// or the context is canceled. It owns the process lifetime: when it
// returns, the server is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, stdioStream{})
}

// Serve runs the JSON-RPC loop over an arbitrary stream.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.PlainObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))
	defer conn.Close()

	log.WithComponent("rpc").Info().Msg("tool surface listening")
	select {
	case <-conn.DisconnectNotify():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new tool calls and waits for in-flight ones, up
// to the drain budget.
func (s *Server) Shutdown(drain time.Duration) {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithComponent("rpc").Info().Msg("all in-flight tool calls drained")
	case <-time.After(drain):
		log.WithComponent("rpc").Warn().Dur("budget", drain).Msg("drain budget exceeded, abandoning in-flight calls")
	}
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil, &jsonrpc2.Error{Code: CodeShuttingDown, Message: "server is shutting down"}
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	result, err := s.dispatch(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ToolCallsTotal.WithLabelValues(req.Method, status).Inc()

	if err != nil {
		if rpcErr, ok := err.(*jsonrpc2.Error); ok {
			return nil, rpcErr
		}
		log.WithComponent("rpc").Warn().Err(err).Str("tool", req.Method).Msg("tool call failed")
		return nil, rpcError(err)
	}
	return result, nil
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "register_agent":
		return s.registerAgent(req)
	case "request_next_task":
		return s.requestNextTask(ctx, req)
	case "report_task_progress":
		return s.reportProgress(ctx, req)
	case "report_blocker":
		return s.reportBlocker(ctx, req)
	case "get_task_context":
		return s.getTaskContext(ctx, req)
	case "release_task":
		return s.releaseTask(ctx, req)
	case "ping":
		return s.ping(req)
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown tool " + req.Method}
	}
}

func unmarshalParams(req *jsonrpc2.Request, out any) error {
	if req.Params == nil {
		return fmt.Errorf("%w: missing params", types.ErrInvalidInput)
	}
	if err := json.Unmarshal(*req.Params, out); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	return nil
}

type registerAgentParams struct {
	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Skills  []string `json:"skills"`
}

func (s *Server) registerAgent(req *jsonrpc2.Request) (any, error) {
	var p registerAgentParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}

	agent, err := s.coord.RegisterAgent(types.Agent{
		ID:     p.AgentID,
		Name:   p.Name,
		Role:   p.Role,
		Skills: p.Skills,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "capacity": agent.Capacity}, nil
}

type agentTaskParams struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

func (s *Server) requestNextTask(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var p agentTaskParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	return s.coord.RequestNextTask(ctx, p.AgentID)
}

type reportProgressParams struct {
	AgentID  string `json:"agent_id"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) reportProgress(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var p reportProgressParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	err := s.coord.ReportProgress(ctx, p.AgentID, p.TaskID, types.ProgressStatus(p.Status), p.Progress, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type reportBlockerParams struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func (s *Server) reportBlocker(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var p reportBlockerParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	suggestions, err := s.coord.ReportBlocker(ctx, p.AgentID, p.TaskID, p.Description, types.BlockerSeverity(p.Severity))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"ok": true}
	if len(suggestions) > 0 {
		out["suggestions"] = suggestions
	}
	return out, nil
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

func (s *Server) getTaskContext(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var p taskParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	payload, err := s.coord.GetTaskContext(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": p.TaskID, "context": payload}, nil
}

func (s *Server) releaseTask(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	var p agentTaskParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if err := s.coord.ReleaseTask(ctx, p.AgentID, p.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

type pingParams struct {
	Level string `json:"level,omitempty"`
}

func (s *Server) ping(req *jsonrpc2.Request) (any, error) {
	p := pingParams{Level: "basic"}
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
		}
	}
	if p.Level == "" {
		p.Level = "basic"
	}

	health := metrics.GetHealth()
	out := map[string]any{
		"status": health.Status,
	}

	switch p.Level {
	case "basic":
	case "standard":
		out["version"] = health.Version
		out["uptime_seconds"] = int(metrics.Uptime().Seconds())
	case "detailed":
		out["version"] = health.Version
		out["uptime_seconds"] = int(metrics.Uptime().Seconds())
		out["components"] = health.Components
	case "diagnostic":
		out["version"] = health.Version
		out["uptime_seconds"] = int(metrics.Uptime().Seconds())
		out["components"] = health.Components
		agents, assignments := s.coord.Stats()
		out["agents"] = agents
		out["active_assignments"] = assignments
		out["active_leases"] = s.coord.ActiveLeases()
	default:
		return nil, fmt.Errorf("%w: unknown ping level %q", types.ErrInvalidInput, p.Level)
	}
	return out, nil
}
