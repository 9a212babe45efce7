// Package mcp implements the tool-call RPC surface agents and operators use
// to talk to Marcus: JSON-RPC 2.0 with initialize, tools/list and tools/call,
// served over line-delimited stdio or HTTP POST. Each endpoint advertises its
// own toolset; a tool outside the set does not exist for that endpoint.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/logger"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
	serverName      = "marcus"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Request is one decoded JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the protocol-level error object. Tool failures do not use it;
// they travel as structured tool results so callers always get a JSON body.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler executes one tool call. The returned map is the single JSON
// object sent to the caller and always carries a "success" key. A non-nil
// error becomes a structured failure body with a taxonomy code.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Tool pairs a wire definition with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// ArgError reports a missing or malformed tool argument. It surfaces with
// code "invalid_params" instead of the internal-error fallback.
type ArgError struct {
	Field  string
	Reason string
}

func (e *ArgError) Error() string { return fmt.Sprintf("%s %s", e.Field, e.Reason) }

// Server dispatches JSON-RPC requests against one endpoint's toolset.
type Server struct {
	endpoint string
	version  string
	tools    []Tool
	byName   map[string]*Tool
}

// NewServer builds a dispatcher for one endpoint. The endpoint name shows
// up in serverInfo and logs so operators can tell the surfaces apart.
func NewServer(endpoint, version string, tools []Tool) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		endpoint: endpoint,
		version:  version,
		tools:    tools,
		byName:   make(map[string]*Tool, len(tools)),
	}
	for i := range tools {
		s.byName[tools[i].Name] = &tools[i]
	}
	return s
}

// Endpoint returns the endpoint name this server dispatches for.
func (s *Server) Endpoint() string { return s.endpoint }

// ToolNames lists the advertised tools in registration order.
func (s *Server) ToolNames() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}
	return names
}

// Handle processes one request and returns the reply, or nil when the
// request is a notification and gets none.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return s.errorResponse(req.ID, codeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}

	switch req.Method {
	case "initialize":
		return s.resultResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo": map[string]interface{}{
				"name":    serverName + "-" + s.endpoint,
				"version": s.version,
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		})

	case "notifications/initialized":
		// Notification, no reply.
		return nil

	case "tools/list":
		return s.resultResponse(req.ID, map[string]interface{}{
			"tools": s.toolDefinitions(),
		})

	case "tools/call":
		return s.handleToolCall(ctx, req)
	}

	return s.errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
}

func (s *Server) toolDefinitions() []map[string]interface{} {
	defs := make([]map[string]interface{}, 0, len(s.tools))
	for _, t := range s.tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		defs = append(defs, map[string]interface{}{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": schema,
		})
	}
	return defs
}

func (s *Server) handleToolCall(ctx context.Context, req *Request) *Response {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.errorResponse(req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
		}
	}
	if params.Name == "" {
		return s.errorResponse(req.ID, codeInvalidParams, "tool name is required")
	}

	tool, ok := s.byName[params.Name]
	if !ok {
		body := map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("unknown tool %q", params.Name),
			"code":    "unknown_tool",
		}
		return s.resultResponse(req.ID, toolResult(body, true))
	}

	args := params.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	start := time.Now()
	body, err := tool.Handler(ctx, args)
	if err != nil {
		logger.WarnCF("mcp", "Tool call failed", map[string]interface{}{
			"endpoint": s.endpoint,
			"tool":     params.Name,
			"error":    err.Error(),
		})
		return s.resultResponse(req.ID, toolResult(failureBody(err), true))
	}

	logger.DebugCF("mcp", "Tool call", map[string]interface{}{
		"endpoint":    s.endpoint,
		"tool":        params.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return s.resultResponse(req.ID, toolResult(body, false))
}

// toolResult wraps a tool body in MCP content. The body is serialized as a
// single JSON text block so every caller sees one parseable object.
func toolResult(body map[string]interface{}, isErr bool) map[string]interface{} {
	text, err := json.Marshal(body)
	if err != nil {
		text = []byte(`{"success":false,"error":"unencodable tool result","code":"internal_error"}`)
		isErr = true
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
		"isError": isErr,
	}
}

// failureBody maps a handler error onto the uniform failure object.
func failureBody(err error) map[string]interface{} {
	code := coordination.ErrorCode(err)
	var argErr *ArgError
	if errors.As(err, &argErr) {
		code = "invalid_params"
	}
	return map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"code":    code,
	}
}

func (s *Server) resultResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func (s *Server) errorResponse(id interface{}, code int, msg string) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// ---------------------------------------------------------------------------
// Argument binding helpers
// ---------------------------------------------------------------------------

func stringArg(args map[string]interface{}, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", &ArgError{Field: key, Reason: "is required"}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ArgError{Field: key, Reason: "must be a string"}
	}
	if required && strings.TrimSpace(s) == "" {
		return "", &ArgError{Field: key, Reason: "is required"}
	}
	return s, nil
}

// intArg accepts JSON numbers (float64 after decoding) and native ints so
// handlers behave the same under the wire and in direct calls.
func intArg(args map[string]interface{}, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, &ArgError{Field: key, Reason: "must be an integer"}
		}
		return int(i), nil
	}
	return 0, &ArgError{Field: key, Reason: "must be a number"}
}

func stringSliceArg(args map[string]interface{}, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &ArgError{Field: key, Reason: "must be a list of strings"}
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, &ArgError{Field: key, Reason: "must be a list of strings"}
}
