package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ToolHandler is a tool the server exposes to the agent host.
type ToolHandler struct {
	// Definition describes the tool (name, description, input schema).
	Definition ToolDefinition
	// Execute is called for each tools/call targeting this tool.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Server speaks JSON-RPC 2.0 over stdio. Register tools before Serve;
// stdout carries only protocol frames, so all logging goes through the
// provided logger.
type Server struct {
	name    string
	version string
	log     *zap.Logger

	tools []ToolHandler

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes
}

// New creates a stdio tool server.
func New(name, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		name:    name,
		version: version,
		log:     log,
		reader:  os.Stdin,
		writer:  os.Stdout,
	}
}

// AddTool registers a tool handler. Must be called before Serve.
func (s *Server) AddTool(h ToolHandler) {
	s.tools = append(s.tools, h)
}

// SetIO overrides the transport streams. Used by tests and by hosts that
// speak the protocol over something other than stdin/stdout.
func (s *Server) SetIO(r io.Reader, w io.Writer) {
	s.reader = r
	s.writer = w
}

// Serve reads JSON-RPC messages from stdin and writes responses to stdout,
// blocking until stdin closes. ctx is checked after each line is read, so a
// cancellation takes effect when the next message arrives.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read stdin: %w", err)
	}
	return nil
}

// handleMessage parses a single JSON-RPC message (or batch) and dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(data, &frames); err != nil {
			s.writeResponse(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range frames {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	if resp := s.dispatch(ctx, &req); resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes one request. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *request) *response {
	var params initializeParams
	_ = json.Unmarshal(req.Params, &params)
	s.log.Info("client connected",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version))

	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return s.respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			s.log.Debug("tool call", zap.String("tool", params.Name))
			result := t.Execute(ctx, params.Arguments)
			return s.respond(req.ID, result)
		}
	}
	return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}
