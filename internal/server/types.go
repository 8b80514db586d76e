package server

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// ProtocolVersion is the MCP revision implemented by the SSE transport.
const ProtocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request or notification.
// ID stays raw so it can be echoed exactly: absent is nil, null is "null".
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request must not be answered with a body.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || strings.HasPrefix(r.Method, notificationPrefix)
}

// HasValidID reports whether the id is absent, a string, a number or null.
func (r *Request) HasValidID() bool {
	id := bytes.TrimSpace(r.ID)
	if len(id) == 0 {
		return true
	}
	switch c := id[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return true
	default:
		return string(id) == "null"
	}
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallParams are the params of tools/call. Arguments are decoded by the tool.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}
