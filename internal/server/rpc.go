package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"wolfram-mcp/internal/wolfram"
)

const notificationPrefix = "notifications/"

// Method is the closed set of JSON-RPC methods the dispatcher knows.
type Method int

const (
	MethodUnknown Method = iota
	MethodInitialize
	MethodInitialized
	MethodNotification
	MethodPing
	MethodToolsList
	MethodToolsCall
)

// ParseMethod maps a JSON-RPC method name onto a Method.
func ParseMethod(name string) Method {
	switch name {
	case "initialize":
		return MethodInitialize
	case "notifications/initialized":
		return MethodInitialized
	case "ping":
		return MethodPing
	case "tools/list":
		return MethodToolsList
	case "tools/call":
		return MethodToolsCall
	}
	if strings.HasPrefix(name, notificationPrefix) {
		return MethodNotification
	}
	return MethodUnknown
}

func (m Method) String() string {
	switch m {
	case MethodInitialize:
		return "initialize"
	case MethodInitialized:
		return "notifications/initialized"
	case MethodNotification:
		return "notification"
	case MethodPing:
		return "ping"
	case MethodToolsList:
		return "tools/list"
	case MethodToolsCall:
		return "tools/call"
	default:
		return "unknown"
	}
}

// Querier answers a query_wolfram call. *wolfram.Client implements it.
type Querier interface {
	Query(ctx context.Context, input string, maxChars int) (string, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Querier  Querier
	MaxChars int
	Version  string
	Logger   *slog.Logger
}

// Dispatcher implements the MCP handshake and the query_wolfram tool on top
// of decoded JSON-RPC requests. It holds no per-client state.
type Dispatcher struct {
	querier  Querier
	maxChars int
	tool     *mcp.Tool
	info     *mcp.Implementation
	logger   *slog.Logger
}

// NewDispatcher returns a Dispatcher. MaxChars defaults to wolfram.DefaultMaxChars.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = wolfram.DefaultMaxChars
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Dispatcher{
		querier:  cfg.Querier,
		maxChars: maxChars,
		tool:     queryTool(maxChars),
		info:     &mcp.Implementation{Name: serviceName, Version: version},
		logger:   logger,
	}
}

// Dispatch answers req. It returns a nil response and true for notifications,
// which must be acknowledged without a body.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, bool) {
	method := ParseMethod(req.Method)

	if req.IsNotification() {
		if method == MethodInitialized || method == MethodNotification {
			d.logger.Debug("accepted MCP notification", "method", req.Method)
		} else {
			d.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		return nil, true
	}

	switch method {
	case MethodInitialize:
		return resultResponse(req.ID, &mcp.InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    &mcp.ServerCapabilities{Tools: &mcp.ToolCapabilities{}},
			ServerInfo:      d.info,
		}), false
	case MethodPing:
		return resultResponse(req.ID, struct{}{}), false
	case MethodToolsList:
		return resultResponse(req.ID, &mcp.ListToolsResult{Tools: []*mcp.Tool{d.tool}}), false
	case MethodToolsCall:
		return d.callTool(ctx, req), false
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found"), false
	}
}

func (d *Dispatcher) callTool(ctx context.Context, req *Request) *Response {
	var params CallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	if params.Name != d.tool.Name {
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("tool not found: %q", params.Name))
	}

	args, ok := decodeQueryArgs(params.Arguments)
	if !ok {
		return errorResponse(req.ID, CodeInvalidParams, "invalid arguments: query must be a string and maxchars a whole number")
	}
	if args.Query == nil || strings.TrimSpace(*args.Query) == "" {
		return errorResponse(req.ID, CodeInvalidParams, "missing required argument: query")
	}
	query := strings.TrimSpace(*args.Query)
	maxChars := args.maxChars(d.maxChars)

	text, err := d.query(ctx, query, maxChars)
	if err != nil {
		d.logger.Warn("upstream query failed",
			"kind", wolfram.KindOf(err).String(),
			"error", err,
		)
		return resultResponse(req.ID, textResult(wolfram.Describe(err), true))
	}
	if text == "" {
		return resultResponse(req.ID, textResult(wolfram.Describe(&wolfram.Error{Kind: wolfram.KindEmpty}), true))
	}

	d.logger.Debug("tools/call complete", "tool_name", params.Name, "max_chars", maxChars, "chars", len(text))
	return resultResponse(req.ID, textResult(text, false))
}

// query calls the upstream and turns a panic into an error so it never
// escapes the dispatcher.
func (d *Dispatcher) query(ctx context.Context, input string, maxChars int) (text string, err error) {
	if d.querier == nil {
		return "", &wolfram.Error{Kind: wolfram.KindNotConfigured}
	}
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("upstream panic: %v", r)
		}
	}()
	return d.querier.Query(ctx, input, maxChars)
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
