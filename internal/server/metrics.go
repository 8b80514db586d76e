package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wolfram-mcp/internal/wolfram"
)

const metricsNamespace = "wolfram_mcp"

// metrics holds the server's Prometheus instruments on a private registry.
type metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	rpcRequests      *prometheus.CounterVec
	sessions         prometheus.Gauge
	upstreamDuration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route. Stream routes report the stream lifetime.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC messages by method and outcome.",
		}, []string{"method", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sse_sessions",
			Help:      "Open SSE sessions.",
		}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Wolfram|Alpha call latency by outcome.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 45},
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.rpcRequests,
		m.sessions,
		m.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeRPC counts one dispatched message.
func (m *metrics) observeRPC(method Method, resp *Response) {
	outcome := "notification"
	switch {
	case resp == nil:
	case resp.Error != nil:
		outcome = "error"
	default:
		outcome = "result"
		if tr, ok := resp.Result.(*mcp.CallToolResult); ok && tr.IsError {
			outcome = "tool_error"
		}
	}
	m.rpcRequests.WithLabelValues(method.String(), outcome).Inc()
}

// instrument wraps q so every upstream call is timed.
func (m *metrics) instrument(q Querier) Querier {
	return &instrumentedQuerier{next: q, duration: m.upstreamDuration}
}

type instrumentedQuerier struct {
	next     Querier
	duration *prometheus.HistogramVec
}

func (q *instrumentedQuerier) Query(ctx context.Context, input string, maxChars int) (string, error) {
	start := time.Now()
	text, err := q.next.Query(ctx, input, maxChars)
	outcome := "ok"
	if err != nil {
		outcome = wolfram.KindOf(err).String()
	}
	q.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return text, err
}

// logRequests logs each request once it completes and feeds the HTTP metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snoop := httpsnoop.CaptureMetrics(next, w, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.httpRequests.WithLabelValues(route, strconv.Itoa(snoop.Code)).Inc()
		s.metrics.httpDuration.WithLabelValues(route).Observe(snoop.Duration.Seconds())

		level := slog.LevelInfo
		if snoop.Code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", snoop.Code,
			"bytes", snoop.Written,
			"duration", snoop.Duration,
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
