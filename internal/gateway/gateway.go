// Package gateway bridges authenticated browser WebSocket connections to
// per-session sandbox terminals and serves the supporting HTTP endpoints
// (token issuance, health, file listing and download).
//
// Security:
//   - Host-header allow-list checked before any other processing
//   - Single-use, IP-bound session tokens (HMAC, constant-time verify)
//   - Per-IP connection and concurrent-session limits, per-session message limits
//   - All shell execution confined to hardened containers via the sandbox runner
//   - TLS expected via reverse proxy (not handled here)
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/shellgate/internal/observability"
	"github.com/jkaninda/shellgate/internal/ratelimit"
	"github.com/jkaninda/shellgate/internal/sandbox"
	"github.com/jkaninda/shellgate/internal/sessiondir"
	"github.com/jkaninda/shellgate/internal/storage"
	"github.com/jkaninda/shellgate/internal/token"
)

// WebSocket close codes, one per rejection reason so browser clients can
// distinguish failures without parsing close reasons.
const (
	CloseInvalidToken    websocket.StatusCode = 4001
	CloseConnectionLimit websocket.StatusCode = 4002
	CloseSessionLimit    websocket.StatusCode = 4003
	CloseMessageLimit    websocket.StatusCode = 4004
	CloseForbiddenHost   websocket.StatusCode = 4005
)

// Session close reasons recorded in metrics and the audit log.
const (
	ReasonClientClose  = "client_close"
	ReasonSandboxExit  = "sandbox_exit"
	ReasonSandboxError = "sandbox_error"
	ReasonTimeout      = "timeout"
	ReasonRateLimited  = "rate_limited"
	ReasonShutdown     = "shutdown"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the gateway.
type Config struct {
	ListenAddr     string        // e.g., ":8080"
	AllowedHosts   []string      // Host-header allow-list. Empty = any (development only).
	AutoRun        string        // Optional command run before each interactive shell.
	SessionTimeout time.Duration // Hard per-session lifetime; used to classify timeout exits.
	MetricsPath    string        // Path for the metrics endpoint. Default: "/metrics".
	EnableDocs     bool

	// TrustProxyHeaders enables X-Forwarded-For as the client IP source.
	// Only set this behind a reverse proxy that overwrites the header;
	// otherwise any client could forge a fresh IP per request and walk
	// around every per-IP limit and the token IP binding.
	TrustProxyHeaders bool
}

// Gateway owns the active-session table and wires the HTTP and WebSocket
// surfaces to the token, rate-limit, sandbox, and session-directory components.
type Gateway struct {
	config  Config
	auth    *token.Authenticator
	limiter *ratelimit.Limiter
	runner  sandbox.Runner
	dirs    *sessiondir.Manager
	audit   storage.SessionLog // nil = audit log disabled
	obs     *observability.Observability
	logger  *slog.Logger

	server *http.Server
	okapi  *okapi.Okapi

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one live terminal session.
type session struct {
	id        string
	ip        string
	conn      *websocket.Conn
	handle    sandbox.Handle
	startedAt time.Time

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	teardown sync.Once
}

// NewGateway creates a gateway.
func NewGateway(cfg Config, auth *token.Authenticator, limiter *ratelimit.Limiter, runner sandbox.Runner, dirs *sessiondir.Manager, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		auth:     auth,
		limiter:  limiter,
		runner:   runner,
		dirs:     dirs,
		logger:   logger,
		okapi:    okapi.New(),
		sessions: make(map[string]*session),
	}
}

// WithAuditLog attaches a session audit log to the gateway.
func (g *Gateway) WithAuditLog(log storage.SessionLog) *Gateway {
	g.audit = log
	return g
}

// WithObservability attaches metrics, tracing, and health checks.
func (g *Gateway) WithObservability(obs *observability.Observability) *Gateway {
	g.obs = obs
	return g
}

// ActiveSessions returns the current size of the active-session table.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// endSession tears a session down. Idempotent: the socket close, sandbox
// exit, rate-limit, and shutdown paths may all race here, and exactly one
// wins. The limiter release, directory deletion schedule, and audit record
// each happen once.
func (g *Gateway) endSession(s *session, reason string, exitCode *int) {
	s.teardown.Do(func() {
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()

		g.limiter.ReleaseSession(s.ip, s.id)
		s.handle.Kill()
		g.dirs.ScheduleDelete(s.id)

		in, out := s.bytesIn.Load(), s.bytesOut.Load()
		if m := g.metrics(); m != nil {
			m.ActiveSessions.Dec()
			m.SessionsTotal.WithLabelValues(reason).Inc()
			m.SessionBytes.WithLabelValues("in").Add(float64(in))
			m.SessionBytes.WithLabelValues("out").Add(float64(out))
		}

		if g.audit != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.audit.RecordEnd(ctx, s.id, reason, exitCode, in, out); err != nil {
				g.logger.Warn("audit record failed",
					slog.String("session_id", s.id),
					slog.String("error", err.Error()),
				)
			}
		}

		g.logger.Info("session ended",
			slog.String("session_id", s.id),
			slog.String("ip", s.ip),
			slog.String("reason", reason),
			slog.Int64("bytes_in", in),
			slog.Int64("bytes_out", out),
			slog.Duration("duration", time.Since(s.startedAt)),
		)
	})
}

// Shutdown ends every active session concurrently, then stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway stopping", slog.Int("active_sessions", g.ActiveSessions()))

	g.mu.Lock()
	active := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		active = append(active, s)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range active {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
			g.endSession(s, ReasonShutdown, nil)
		}(s)
	}
	wg.Wait()

	if g.server == nil {
		return nil
	}
	return g.okapi.Shutdown(g.server)
}

// hostAllowed checks the request Host header (and the Origin host, when
// present) against the configured allow-list. An empty list allows any host.
func (g *Gateway) hostAllowed(r *http.Request) bool {
	if len(g.config.AllowedHosts) == 0 {
		return true
	}
	if !hostInList(r.Host, g.config.AllowedHosts) {
		return false
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		if i := strings.Index(origin, "://"); i >= 0 {
			if !hostInList(origin[i+3:], g.config.AllowedHosts) {
				return false
			}
		}
	}
	return true
}

func hostInList(hostport string, allowed []string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	for _, a := range allowed {
		if strings.EqualFold(a, host) || strings.EqualFold(a, hostport) {
			return true
		}
	}
	return false
}

// clientIP extracts the originating client IP. X-Forwarded-For is consulted
// only when TrustProxyHeaders is set; every per-IP limit and the token IP
// binding key off this value, so the header is ignored by default.
func (g *Gateway) clientIP(r *http.Request) string {
	if g.config.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (g *Gateway) metrics() *observability.MetricsCollector {
	if g.obs == nil {
		return nil
	}
	return g.obs.Metrics
}

func (g *Gateway) countRejection(limit string) {
	if m := g.metrics(); m != nil {
		m.RateLimitRejectionsTotal.WithLabelValues(limit).Inc()
	}
}

func (g *Gateway) countTokenValidation(result string) {
	if m := g.metrics(); m != nil {
		m.TokenValidationsTotal.WithLabelValues(result).Inc()
	}
}
