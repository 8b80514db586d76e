// Package server provides the HTTP handlers and routing for the MCP server:
// the SSE stream, the JSON-RPC message route and the operational endpoints.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"wolfram-mcp/internal/wolfram"
)

const (
	serviceName = "wolfram-mcp"

	// MessagePath is the route clients POST JSON-RPC messages to.
	MessagePath = "/messages"
	// StreamPath is the route clients open the event stream on.
	StreamPath = "/sse"

	// MaxRequestBodySize is the maximum accepted JSON-RPC body (1MB).
	MaxRequestBodySize = 1 << 20

	documentationURL = "https://products.wolframalpha.com/llm-api/documentation"
)

var endpoints = map[string]string{
	"/":         "Service information",
	"/health":   "Health check",
	"/metrics":  "Prometheus metrics",
	StreamPath:  "MCP event stream (GET)",
	MessagePath: "MCP JSON-RPC messages (POST)",
	"/mcp/sse":  "Alias of " + StreamPath,
	"/mcp":      "Alias of " + MessagePath,
}

// Config contains server configuration values. Zero values fall back to defaults.
type Config struct {
	Version string

	APIKey          string
	APIURL          string
	UpstreamTimeout time.Duration
	MaxChars        int

	KeepAliveInterval time.Duration
	RequestTimeout    time.Duration

	CacheTTL  time.Duration
	CacheSize int

	CORSOrigins []string
	Sentry      bool

	// Querier replaces the Wolfram|Alpha client, mainly for tests.
	Querier Querier
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Server contains the configured router, dispatcher and session manager.
type Server struct {
	cfg        Config
	router     *chi.Mux
	logger     *slog.Logger
	metrics    *metrics
	dispatcher *Dispatcher
	sessions   *SessionManager
	cache      *answerCache
	upstream   Querier
}

// New constructs a Server with middleware and routes configured.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = wolfram.DefaultTimeout
	}

	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		logger:  cfg.Logger,
		metrics: newMetrics(),
	}

	querier := cfg.Querier
	if querier == nil {
		httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
		querier = wolfram.New(cfg.APIURL, cfg.APIKey, httpClient)
	}
	s.upstream = querier
	querier = newAnswerCache(s.metrics.instrument(querier), cfg.CacheTTL, cfg.CacheSize)
	if c, ok := querier.(*answerCache); ok {
		s.cache = c
	}

	s.dispatcher = NewDispatcher(DispatcherConfig{
		Querier:  querier,
		MaxChars: cfg.MaxChars,
		Version:  cfg.Version,
		Logger:   cfg.Logger.With("component", "dispatcher"),
	})
	s.sessions = NewSessionManager(MessagePath, cfg.KeepAliveInterval, cfg.Clock, cfg.Logger.With("component", "sse"))

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
	if cfg.Sentry {
		s.router.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}))
	}

	s.router.NotFound(s.handleNotFound)

	// Streams outlive any request timeout.
	s.router.Get(StreamPath, s.handleSSE)
	s.router.Get("/mcp/sse", s.handleSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Get("/", s.handleInfo)
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
		r.Post(MessagePath, s.handleMessage)
		r.Post("/mcp", s.handleMessage)
	})

	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

// Sessions exposes the session manager.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Close releases background resources. Open streams end when their request
// context is cancelled, see http.Server.BaseContext.
func (s *Server) Close() {
	if s.cache != nil {
		s.cache.Stop()
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if err := rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			s.logger.Error("streaming not supported by response writer")
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
		}
		return
	}

	sess := s.sessions.Open(r)
	s.metrics.sessions.Inc()
	defer func() {
		s.sessions.Close(sess)
		s.metrics.sessions.Dec()
	}()

	for ev := range sess.Events(r.Context()) {
		if _, err := io.WriteString(w, ev.String()); err != nil {
			s.logger.Debug("SSE write failed", "session_id", sess.ID, "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			s.logger.Debug("SSE flush failed", "session_id", sess.ID, "error", err)
			return
		}
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > MaxRequestBodySize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON in request")
		return
	}
	if req.Method == "" {
		writeJSONError(w, http.StatusBadRequest, "missing method")
		return
	}
	if !req.HasValidID() {
		writeJSONError(w, http.StatusBadRequest, "id must be a string, number or null")
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		writeJSONError(w, http.StatusBadRequest, "unsupported jsonrpc version")
		return
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", req.IsNotification(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	resp, notification := s.dispatcher.Dispatch(r.Context(), &req)
	s.metrics.observeRPC(ParseMethod(req.Method), resp)
	if notification {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"service":            serviceName,
		"api_key_configured": s.apiConfigured(),
		"active_sessions":    s.sessions.Active(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":          "Wolfram Alpha MCP Server",
		"version":          s.dispatcher.info.Version,
		"protocol_version": ProtocolVersion,
		"status":           "running",
		"api_configured":   s.apiConfigured(),
		"endpoints":        endpoints,
		"documentation":    documentationURL,
	})
}

// apiConfigured asks the upstream client whether it has credentials. A
// Querier without that notion is taken to be ready.
func (s *Server) apiConfigured() bool {
	if c, ok := s.upstream.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	paths := make([]string, 0, len(endpoints))
	for p := range endpoints {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":               "endpoint not found",
		"available_endpoints": paths,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
