// Package tools exposes the coordination queue and the transparency log to
// external agents as tools, over newline-delimited JSON-RPC 2.0.
package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/transparency"
	"github.com/ShayCichocki/conclave/internal/version"
)

// maxLine bounds one request line.
const maxLine = 1024 * 1024

// Server answers tool calls against a queue and a transparency log. Every
// tools/call is recorded as a tool_call event.
type Server struct {
	queue   *queue.Queue
	tlog    *transparency.Log
	logger  *logging.Logger
	metrics *metrics.Metrics
	agentID string
	now     func() time.Time

	tools       []tool
	toolsByName map[string]*tool
	initialized bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics counts tool calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAgentID sets the agent id recorded on tool_call events when the
// client does not identify itself on initialize.
func WithAgentID(id string) Option {
	return func(s *Server) { s.agentID = id }
}

// WithClock overrides time.Now (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a Server.
func NewServer(q *queue.Queue, tlog *transparency.Log, opts ...Option) *Server {
	s := &Server{
		queue:  q,
		tlog:   tlog,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("tools")
	s.tools = s.catalog()
	s.toolsByName = make(map[string]*tool, len(s.tools))
	for i := range s.tools {
		s.toolsByName[s.tools[i].name] = &s.tools[i]
	}
	return s
}

// Serve runs the server on stdin and stdout.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx, os.Stdin, os.Stdout)
}

// Run processes one request per input line until EOF or ctx ends.
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	encoder := json.NewEncoder(output)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := writeError(encoder, json.RawMessage("null"), codeParseError, "parse error: "+err.Error()); werr != nil {
				return fmt.Errorf("write parse error response: %w", werr)
			}
			continue
		}
		if req.JSONRPC != "2.0" {
			if !req.isNotification() {
				if werr := writeError(encoder, req.ID, codeInvalidRequest, "unsupported JSON-RPC version"); werr != nil {
					return fmt.Errorf("write version error response: %w", werr)
				}
			}
			continue
		}
		if req.isNotification() {
			continue
		}
		if err := s.dispatch(ctx, encoder, &req); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, encoder *json.Encoder, req *request) error {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(encoder, req)
	case "ping":
		return writeResult(encoder, req.ID, map[string]any{})
	case "tools/list":
		if !s.initialized {
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.handleToolsList(encoder, req)
	case "tools/call":
		if !s.initialized {
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.handleToolsCall(ctx, encoder, req)
	default:
		return writeError(encoder, req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for initialize")
	}
	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
	}
	if s.agentID == "" && params.ClientInfo.Name != "" {
		s.agentID = params.ClientInfo.Name
	}
	s.initialized = true
	s.logger.Info("client initialized", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version)

	return writeResult(encoder, req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    serverCapabilities{Tools: &toolCapability{}},
		ServerInfo:      serverInfo{Name: "conclave", Version: version.Get()},
	})
}

func (s *Server) handleToolsList(encoder *json.Encoder, req *request) error {
	descriptions := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		descriptions = append(descriptions, toolDescription{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema,
			Annotations: t.annotations,
		})
	}
	return writeResult(encoder, req.ID, toolsListResult{Tools: descriptions})
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for tools/call")
	}
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	t, ok := s.toolsByName[params.Name]
	if !ok {
		return writeError(encoder, req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	out, err := s.Call(ctx, t.name, params.Arguments)
	result, buildErr := buildToolResult(out, err)
	if buildErr != nil {
		return writeError(encoder, req.ID, codeInternalError, buildErr.Error())
	}
	return writeResult(encoder, req.ID, result)
}

// Call runs one tool directly and records it. It is what tools/call uses.
func (s *Server) Call(ctx context.Context, name string, arguments json.RawMessage) (any, error) {
	t, ok := s.toolsByName[name]
	if !ok {
		return nil, errs.NotFound("tool %s", name)
	}
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage("{}")
	}

	start := s.now()
	out, err := t.handler(ctx, arguments)
	elapsed := s.now().Sub(start)

	ev := transparency.Event{
		Type:     transparency.EventToolCall,
		AgentID:  s.agentID,
		ToolName: name,
		Duration: elapsed,
		Success:  transparency.Bool(err == nil),
		Metadata: map[string]any{"arguments_bytes": len(arguments)},
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Metadata["kind"] = errs.Kind(err)
	}
	s.tlog.Record(context.WithoutCancel(ctx), ev)
	s.metrics.ToolCall(name, err == nil)

	if err != nil {
		s.logger.Debug("tool call failed", "tool", name, "error", err)
	}
	return out, err
}

// buildToolResult renders a handler outcome as a tool result. Tool
// failures are results with IsError set, not protocol errors.
func buildToolResult(out any, callErr error) (toolsCallResult, error) {
	var result toolsCallResult
	if callErr != nil {
		result.IsError = true
		result.Content = []contentBlock{{Type: "text", Text: callErr.Error()}}
		result.ErrorInfo = classifyError(callErr)
		return result, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return result, fmt.Errorf("encode tool output: %w", err)
	}
	result.StructuredContent = out
	result.Content = []contentBlock{{Type: "text", Text: string(data)}}
	return result, nil
}

func classifyError(err error) *errorInfo {
	info := &errorInfo{Kind: errs.Kind(err)}
	switch {
	case errors.Is(err, errs.ErrPersistence), errors.Is(err, errs.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		info.Retryable = true
	}
	return info
}

func writeResult(encoder *json.Encoder, id json.RawMessage, result any) error {
	return encoder.Encode(response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(encoder *json.Encoder, id json.RawMessage, code int, message string) error {
	return encoder.Encode(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}
