package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wolfram-mcp/internal/logger"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Version == "" {
		cfg.Version = "test"
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

// wireToolResult is a tools/call result as a client sees it.
type wireToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{APIKey: "k"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["api_key_configured"])
	assert.EqualValues(t, 0, body["active_sessions"])
}

func TestHealthWithoutAPIKey(t *testing.T) {
	s := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, false, body["api_key_configured"])
}

func TestHealthReportsUpstreamClient(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["api_key_configured"], "a querier without credentials of its own is ready")
}

func TestInfoAndNotFound(t *testing.T) {
	s := newTestServer(t, Config{})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"/messages"`)

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "endpoint not found", body["error"])
	assert.Contains(t, body["available_endpoints"], "/sse")
}

func TestMessageMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Config{})
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, MessagePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestInitializeScenario(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	env := decodeEnvelope(t, post(t, s, MessagePath, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	assert.Equal(t, "1", string(env["id"]))
	var result struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    map[string]json.RawMessage `json:"capabilities"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(env["result"], &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "wolfram-mcp", result.ServerInfo.Name)
	assert.JSONEq(t, `{}`, string(result.Capabilities["tools"]))
}

func TestToolsListScenario(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	env := decodeEnvelope(t, post(t, s, MessagePath, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(env["result"], &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "query_wolfram", result.Tools[0].Name)
}

func TestToolsCallScenario(t *testing.T) {
	q := &stubQuerier{text: "4"}
	s := newTestServer(t, Config{Querier: q})
	env := decodeEnvelope(t, post(t, s, MessagePath,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"query_wolfram","arguments":{"query":"2+2"}}}`))

	_, hasError := env["error"]
	require.False(t, hasError)
	var result wireToolResult
	require.NoError(t, json.Unmarshal(env["result"], &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "4", result.Content[0].Text)
	assert.Equal(t, 1, q.callCount())
}

func TestToolsCallUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		upstream.Close()
	})

	s := newTestServer(t, Config{APIKey: "k", APIURL: upstream.URL, UpstreamTimeout: 50 * time.Millisecond})
	env := decodeEnvelope(t, post(t, s, MessagePath,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"query_wolfram","arguments":{"query":"integrate x^2"}}}`))

	_, hasError := env["error"]
	require.False(t, hasError, "upstream failures are results, not JSON-RPC errors")
	var result wireToolResult
	require.NoError(t, json.Unmarshal(env["result"], &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Timeout")
}

func TestToolsCallWithoutAPIKey(t *testing.T) {
	s := newTestServer(t, Config{})
	env := decodeEnvelope(t, post(t, s, "/mcp",
		`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"query_wolfram","arguments":{"query":"2+2"}}}`))

	var result wireToolResult
	require.NoError(t, json.Unmarshal(env["result"], &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "API key is not configured")
}

func TestToolsCallProtocolErrors(t *testing.T) {
	q := &stubQuerier{text: "4"}
	s := newTestServer(t, Config{Querier: q})

	env := decodeEnvelope(t, post(t, s, MessagePath,
		`{"jsonrpc":"2.0","id":0,"method":"tools/call","params":{"name":"query_wolfram","arguments":{}}}`))
	var rpcErr RPCError
	require.NoError(t, json.Unmarshal(env["error"], &rpcErr))
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "0", string(env["id"]))

	env = decodeEnvelope(t, post(t, s, MessagePath,
		`{"jsonrpc":"2.0","id":null,"method":"tools/call","params":{"name":"nope","arguments":{"query":"2+2"}}}`))
	require.NoError(t, json.Unmarshal(env["error"], &rpcErr))
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "null", string(env["id"]))

	assert.Zero(t, q.callCount())
}

func TestNotificationHasNoBody(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`,
		`{"jsonrpc":"2.0","id":5,"method":"notifications/initialized"}`,
	} {
		rr := post(t, s, MessagePath, body)
		assert.Less(t, rr.Code, 300, body)
		assert.Empty(t, rr.Body.String(), body)
	}
}

func TestMalformedRequests(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	tests := map[string]string{
		"not json":       `{"jsonrpc":`,
		"batch":          `[{"jsonrpc":"2.0","id":1,"method":"initialize"}]`,
		"missing method": `{"jsonrpc":"2.0","id":1}`,
		"null body":      `null`,
		"empty body":     ``,
		"wrong version":  `{"jsonrpc":"1.0","id":1,"method":"initialize"}`,
		"object id":      `{"jsonrpc":"2.0","id":{"a":1},"method":"initialize"}`,
		"array id":       `{"jsonrpc":"2.0","id":[1],"method":"initialize"}`,
		"boolean id":     `{"jsonrpc":"2.0","id":true,"method":"tools/list"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := post(t, s, MessagePath, body)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var payload map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
			assert.Contains(t, payload, "error")
			assert.NotContains(t, payload, "jsonrpc")
		})
	}
}

func TestScalarIDsAccepted(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	for _, id := range []string{`"req-1"`, `-3`, `1.5`, `null`} {
		env := decodeEnvelope(t, post(t, s, MessagePath, `{"jsonrpc":"2.0","id":`+id+`,"method":"ping"}`))
		assert.Equal(t, id, string(env["id"]))
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}})
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"pad":"` + strings.Repeat("x", MaxRequestBodySize) + `"}}`
	rr := post(t, s, MessagePath, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{text: "4"}})
	post(t, s, MessagePath, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"query_wolfram","arguments":{"query":"2+2"}}}`)

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wolfram_mcp_rpc_requests_total{method="tools/call",outcome="result"} 1`)
	assert.Contains(t, string(body), `wolfram_mcp_upstream_request_duration_seconds_count{outcome="ok"} 1`)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, Config{Querier: &stubQuerier{}, CORSOrigins: []string{"https://inspector.example"}})
	req := httptest.NewRequest(http.MethodOptions, MessagePath, nil)
	req.Header.Set("Origin", "https://inspector.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, "https://inspector.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
