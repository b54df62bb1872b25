package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellgate/internal/observability"
	"github.com/jkaninda/shellgate/internal/ratelimit"
	"github.com/jkaninda/shellgate/internal/sessiondir"
)

// TokenResponse is the JSON response for POST /session.
type TokenResponse struct {
	Token string `json:"token"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status         string          `json:"status"`
	ActiveSessions int             `json:"activeSessions"`
	Tokens         TokenStats      `json:"tokens"`
	RateLimiter    ratelimit.Stats `json:"rateLimiter"`
}

// TokenStats reports token store occupancy.
type TokenStats struct {
	Active int `json:"active"`
	Used   int `json:"used"`
}

// FilesResponse is the JSON response for GET /files.
type FilesResponse struct {
	Files   []sessiondir.FileInfo `json:"files"`
	Storage sessiondir.Usage      `json:"storage"`
}

// registerRoutes wires every HTTP and WebSocket endpoint onto the okapi app.
// The metrics middleware must be registered before the routes: okapi applies
// the middleware chain at route registration time.
func (g *Gateway) registerRoutes() {
	if m := g.metrics(); m != nil || g.obs.TracerOrNil() != nil {
		var tracer trace.Tracer
		if ts := g.obs.TracerOrNil(); ts != nil {
			tracer = ts.Tracer()
		}
		g.okapi.Use(observability.MetricsMiddleware(g.metrics(), tracer))
	}

	g.okapi.Post("/session", g.handleToken,
		okapi.DocSummary("Issue a single-use session token"),
		okapi.DocTags("Session"),
		okapi.DocResponse(TokenResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Get("/health", g.handleHealth,
		okapi.DocSummary("Gateway health and occupancy"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	g.okapi.Get("/files", g.handleFileList,
		okapi.DocSummary("List downloadable files for a session"),
		okapi.DocTags("Files"),
		okapi.DocResponse(FilesResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Get("/files/{name}", g.handleFileDownload,
		okapi.DocSummary("Download one file from a session directory"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "File name"),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.okapi.HandleStd("GET", "/ws", g.handleWS)

	// Observability endpoints (unauthenticated, no host check; intended for
	// internal probes).
	g.okapi.Get("/readyz", g.handleReadiness)
	if m := g.metrics(); m != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "shellgate",
			Version: "v0.1.0",
		})
	}
}

// Start registers all routes and runs the HTTP server until it exits or ctx
// is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.registerRoutes()

	// No Read/Write timeouts: terminal sessions hold their connection open
	// for the whole sandbox lifetime.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// handleToken implements POST /session: connection-rate check, then a fresh
// single-use token bound to the caller's IP and user agent.
func (g *Gateway) handleToken(c *okapi.Context) error {
	r := c.Request()
	if !g.hostAllowed(r) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "host not allowed"})
	}
	ip := g.clientIP(r)

	ok, retryAfter := g.limiter.AllowConnection(ip)
	if !ok {
		g.countRejection("connection")
		secs := int(retryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	tok, err := g.auth.Issue(ip, r.UserAgent())
	if err != nil {
		g.logger.Error("token issuance failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("token issuance failed")
	}
	if m := g.metrics(); m != nil {
		m.TokensIssuedTotal.Inc()
	}

	g.logger.Debug("token issued", slog.String("ip", ip))
	return c.OK(TokenResponse{Token: tok})
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(c *okapi.Context) error {
	if !g.hostAllowed(c.Request()) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "host not allowed"})
	}
	active, used := g.auth.Stats()
	return c.OK(HealthResponse{
		Status:         "ok",
		ActiveSessions: g.ActiveSessions(),
		Tokens:         TokenStats{Active: active, Used: used},
		RateLimiter:    g.limiter.Snapshot(),
	})
}

// handleReadiness implements GET /readyz via the registered health checks.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.obs == nil || g.obs.Health == nil {
		return c.OK(okapi.M{"status": "ok"})
	}
	status := g.obs.Health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// handleFileList implements GET /files?session=<uuid>.
func (g *Gateway) handleFileList(c *okapi.Context) error {
	r := c.Request()
	if !g.hostAllowed(r) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "host not allowed"})
	}

	sid := r.URL.Query().Get("session")
	if !validSessionID(sid) {
		return c.AbortBadRequest("invalid session id")
	}
	if !g.dirs.Exists(sid) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}

	files, usage, err := g.dirs.List(sid)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}
	return c.OK(FilesResponse{Files: files, Storage: usage})
}

// handleFileDownload implements GET /files/{name}?session=<uuid>, streaming
// the file with a computed content type and an attachment disposition.
func (g *Gateway) handleFileDownload(c *okapi.Context) error {
	r := c.Request()
	if !g.hostAllowed(r) {
		return c.JSON(http.StatusForbidden, ErrorBody{Error: "host not allowed"})
	}

	sid := r.URL.Query().Get("session")
	if !validSessionID(sid) {
		return c.AbortBadRequest("invalid session id")
	}
	name := c.Param("name")

	path, info, err := g.dirs.Resolve(sid, name)
	if err != nil {
		switch {
		case errors.Is(err, sessiondir.ErrInvalidName), errors.Is(err, sessiondir.ErrDisallowedExt):
			return c.AbortBadRequest(err.Error())
		case errors.Is(err, sessiondir.ErrEscapesDir):
			return c.JSON(http.StatusForbidden, ErrorBody{Error: err.Error()})
		case errors.Is(err, sessiondir.ErrNotFound):
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "file not found"})
		case errors.Is(err, sessiondir.ErrTooLarge):
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: err.Error()})
		default:
			return c.AbortInternalServerError("file access failed")
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "file not found"})
	}
	defer f.Close()

	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w := c.Response()
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, f)
	return err
}

// validSessionID accepts only the canonical lowercase UUID v4 form; anything
// else is rejected before the filesystem is consulted.
func validSessionID(s string) bool {
	if len(s) != 36 || s != strings.ToLower(s) {
		return false
	}
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4
}
