package server

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultKeepAlive is the interval between keep-alive comments on a stream.
const DefaultKeepAlive = 25 * time.Second

// Event is one server-sent event. A non-empty Comment makes it a comment line.
type Event struct {
	Name    string
	Data    string
	Comment string
}

// String renders the event in text/event-stream framing.
func (e Event) String() string {
	var b strings.Builder
	if e.Comment != "" {
		b.WriteString(": ")
		b.WriteString(e.Comment)
		b.WriteString("\n\n")
		return b.String()
	}
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Session is one open event stream. It is owned by the handler that opened it.
type Session struct {
	ID        uuid.UUID
	Endpoint  string
	CreatedAt time.Time

	interval time.Duration
	clock    clockwork.Clock
	started  atomic.Bool
	alive    atomic.Bool
}

// Alive reports whether the session's stream is still open.
func (s *Session) Alive() bool { return s.alive.Load() }

// Events yields the endpoint event, then a keep-alive comment every interval
// until ctx is done or the consumer stops. It can be ranged over once.
func (s *Session) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !s.started.CompareAndSwap(false, true) {
			return
		}
		defer s.alive.Store(false)

		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()

		if !yield(Event{Name: "endpoint", Data: s.Endpoint}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if !yield(Event{Comment: "ping"}) {
					return
				}
			}
		}
	}
}

// SessionManager creates sessions and tracks how many are open.
type SessionManager struct {
	messagePath string
	interval    time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	active      atomic.Int64
}

// NewSessionManager returns a manager whose sessions point clients at messagePath.
func NewSessionManager(messagePath string, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *SessionManager {
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		messagePath: messagePath,
		interval:    interval,
		clock:       clock,
		logger:      logger,
	}
}

// Open creates a session for the stream request r.
func (m *SessionManager) Open(r *http.Request) *Session {
	s := &Session{
		ID:        uuid.New(),
		Endpoint:  EndpointURL(r, m.messagePath),
		CreatedAt: m.clock.Now(),
		interval:  m.interval,
		clock:     m.clock,
	}
	s.alive.Store(true)
	m.active.Add(1)
	m.logger.Info("SSE session opened", "session_id", s.ID, "endpoint", s.Endpoint)
	return s
}

// Close releases s. It is safe to call once per session.
func (m *SessionManager) Close(s *Session) {
	s.alive.Store(false)
	m.active.Add(-1)
	m.logger.Info("SSE session closed", "session_id", s.ID, "duration", m.clock.Since(s.CreatedAt))
}

// Active returns the number of open sessions.
func (m *SessionManager) Active() int64 { return m.active.Load() }

// EndpointURL builds the absolute URL of path as seen by the client that sent r,
// honouring X-Forwarded-Proto and X-Forwarded-Host set by a reverse proxy.
func EndpointURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := firstHeaderValue(r, "X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(p)
	}
	host := r.Host
	if h := firstHeaderValue(r, "X-Forwarded-Host"); h != "" {
		host = h
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String()
}

func firstHeaderValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
