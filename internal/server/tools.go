package server

import (
	"encoding/json"
	"math"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolName is the name of the single tool exposed by the server.
const ToolName = "query_wolfram"

// queryTool returns the descriptor advertised by tools/list.
func queryTool(defaultMaxChars int) *mcp.Tool {
	return &mcp.Tool{
		Name: ToolName,
		Description: "Queries Wolfram|Alpha for complex math, unit conversions, scientific data, " +
			"statistics, equation solving, plots and encyclopedic facts. Optimized for LLM consumption.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The question, calculation or request to send to Wolfram|Alpha. Natural language is accepted.",
				},
				"maxchars": map[string]any{
					"type":        "integer",
					"description": "Optional limit on the number of characters in the answer.",
					"default":     defaultMaxChars,
					"minimum":     1,
				},
			},
			"required": []string{"query"},
		},
	}
}

// queryArgs are the arguments of a query_wolfram call.
type queryArgs struct {
	Query    *string  `json:"query"`
	MaxChars *float64 `json:"maxchars"`
}

// decodeQueryArgs decodes raw tool arguments. maxchars may be written as any
// whole JSON number, 1000 or 1000.0.
func decodeQueryArgs(raw json.RawMessage) (queryArgs, bool) {
	var args queryArgs
	if len(raw) == 0 {
		return args, true
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, false
	}
	if m := args.MaxChars; m != nil && (*m != math.Trunc(*m) || *m > math.MaxInt32) {
		return args, false
	}
	return args, true
}

// maxChars returns the requested limit, or def when none or a non-positive one was given.
func (a queryArgs) maxChars(def int) int {
	if a.MaxChars == nil || *a.MaxChars <= 0 {
		return def
	}
	return int(*a.MaxChars)
}
