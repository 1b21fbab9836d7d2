// Package mcp implements the stdio tool-server protocol both tgward
// profiles speak: JSON-RPC 2.0 over newline-delimited JSON on stdin/stdout,
// following the Model Context Protocol tool surface (initialize, tools/list,
// tools/call, ping). Tool handlers return JSON-serializable objects; the
// server renders them as text content blocks.
package mcp

import "encoding/json"

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
)

// protocolVersion is the MCP protocol revision this server implements.
const protocolVersion = "2025-03-26"

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools *capability `json:"tools,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDefinition describes a tool exposed to the agent host.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the tools/call response payload.
type ToolCallResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps plain text in a successful ToolCallResult.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []textContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps an error message in a ToolCallResult.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// JSONResult marshals a tool payload into a text content block. Tool
// handlers build machine-readable objects; this is the single place they
// get serialized.
func JSONResult(v any) ToolCallResult {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("encode result: " + err.Error())
	}
	return TextResult(string(data))
}

// Schema declares a JSON Schema literally, for ToolDefinition.InputSchema.
func Schema(raw string) any {
	return json.RawMessage(raw)
}
