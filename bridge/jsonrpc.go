package bridge

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "2025-11-25"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC request or, without an id, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func success(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: orNull(id), Result: result}
}

func failure(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: orNull(id), Error: err}
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Content is one item of a tool result. Only text is produced.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is what every tools/call returns, including failures.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

func textResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

func errorResult(err error) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: err.Error()}}, IsError: true}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}
