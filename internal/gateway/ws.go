package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/shellgate/internal/protocol"
	"github.com/jkaninda/shellgate/internal/sandbox"
	"github.com/jkaninda/shellgate/internal/storage"
	"github.com/jkaninda/shellgate/internal/token"
)

// handleWS upgrades the connection, walks a request through validation
// (host, connection rate, token, concurrent-session cap), provisions a
// sandbox, and bridges terminal I/O until either side ends the session.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := g.clientIP(r)

	// Origin is validated against the host allow-list below; rejections get
	// a distinct close code instead of the library's 403.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Warn("websocket accept failed",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return
	}
	ctx := r.Context()

	if !g.hostAllowed(r) {
		g.closeWithError(ctx, conn, CloseForbiddenHost, "host not allowed")
		return
	}

	if ok, _ := g.limiter.AllowConnection(ip); !ok {
		g.countRejection("connection")
		g.closeWithError(ctx, conn, CloseConnectionLimit, "connection rate limit exceeded")
		return
	}

	if err := g.auth.Validate(r.URL.Query().Get("token"), ip, r.UserAgent()); err != nil {
		g.countTokenValidation(validationResult(err))
		g.logger.Warn("token rejected",
			slog.String("ip", ip),
			slog.String("reason", err.Error()),
		)
		g.closeWithError(ctx, conn, CloseInvalidToken, err.Error())
		return
	}
	g.countTokenValidation("ok")

	sessionID := uuid.New().String()

	if !g.limiter.AllowSession(ip, sessionID) {
		g.countRejection("session")
		g.closeWithError(ctx, conn, CloseSessionLimit, "concurrent session limit reached")
		return
	}

	dir, err := g.dirs.Create(sessionID)
	if err != nil {
		g.limiter.ReleaseSession(ip, sessionID)
		g.logger.Error("session directory creation failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		g.closeWithError(ctx, conn, websocket.StatusInternalError, "session setup failed")
		return
	}

	if err := writeJSON(ctx, conn, protocol.NewSession(sessionID)); err != nil {
		g.limiter.ReleaseSession(ip, sessionID)
		g.dirs.DeleteNow(sessionID)
		return
	}

	cols, rows := terminalSize(r)
	handle, err := g.runner.Create(ctx, sandbox.CreateRequest{
		SessionID: sessionID,
		Dir:       dir,
		Cols:      cols,
		Rows:      rows,
		AutoRun:   g.config.AutoRun,
	})
	if err != nil {
		g.limiter.ReleaseSession(ip, sessionID)
		g.dirs.DeleteNow(sessionID)
		g.logger.Error("sandbox creation failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		g.closeWithError(ctx, conn, websocket.StatusInternalError, "sandbox creation failed")
		return
	}

	sess := &session{
		id:        sessionID,
		ip:        ip,
		conn:      conn,
		handle:    handle,
		startedAt: time.Now(),
	}
	g.mu.Lock()
	g.sessions[sessionID] = sess
	g.mu.Unlock()
	if m := g.metrics(); m != nil {
		m.ActiveSessions.Inc()
	}
	g.recordStart(sess)

	g.logger.Info("session started",
		slog.String("session_id", sessionID),
		slog.String("ip", ip),
	)

	go g.pumpOutput(ctx, sess)
	go g.watchExit(sess)
	g.readLoop(ctx, sess)
}

// readLoop forwards client frames to the sandbox in arrival order, enforcing
// the per-session message rate. Blocks until the connection ends.
func (g *Gateway) readLoop(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			g.endSession(sess, ReasonClientClose, nil)
			return
		}

		allowed, warn := g.limiter.AllowMessage(sess.id)
		if !allowed {
			g.countRejection("message")
			_ = writeJSON(ctx, sess.conn, protocol.NewError("message rate limit exceeded"))
			_ = sess.conn.Close(CloseMessageLimit, "message rate limit exceeded")
			g.endSession(sess, ReasonRateLimited, nil)
			return
		}
		if warn {
			_ = writeJSON(ctx, sess.conn, protocol.NewWarning("message rate approaching limit"))
		}

		msg := protocol.ParseClient(data)
		switch msg.Type {
		case protocol.MsgResize:
			if err := sess.handle.Resize(msg.Cols, msg.Rows); err != nil {
				g.logger.Debug("resize failed",
					slog.String("session_id", sess.id),
					slog.String("error", err.Error()),
				)
			}
		default:
			if err := sess.handle.Write([]byte(msg.Data)); err != nil {
				// PTY gone; the exit watcher finishes the teardown.
				g.logger.Debug("sandbox write failed",
					slog.String("session_id", sess.id),
					slog.String("error", err.Error()),
				)
				continue
			}
			sess.bytesIn.Add(int64(len(msg.Data)))
		}
	}
}

// pumpOutput forwards raw sandbox output to the client as binary frames,
// preserving byte order. Returns when the sandbox exits or the socket dies.
// After a socket failure the channel is still drained: the handle's reader
// blocks on it and must keep moving to observe the PTY close from Kill.
func (g *Gateway) pumpOutput(ctx context.Context, sess *session) {
	for chunk := range sess.handle.Output() {
		if err := sess.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			for range sess.handle.Output() {
			}
			return
		}
		sess.bytesOut.Add(int64(len(chunk)))
	}
}

// watchExit waits for the sandbox to exit and finishes the session from the
// container side.
func (g *Gateway) watchExit(sess *session) {
	status := <-sess.handle.Exit()

	reason := ReasonSandboxExit
	switch {
	case status.Err != nil:
		reason = ReasonSandboxError
	case g.config.SessionTimeout > 0 && time.Since(sess.startedAt) >= g.config.SessionTimeout:
		reason = ReasonTimeout
	}

	code := status.Code
	g.endSession(sess, reason, &code)
	_ = sess.conn.Close(websocket.StatusNormalClosure, "sandbox exited")
}

func (g *Gateway) recordStart(sess *session) {
	if g.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.audit.RecordStart(ctx, &storage.SessionRecord{
		ID:        sess.id,
		ClientIP:  sess.ip,
		StartedAt: sess.startedAt.UTC(),
	}); err != nil {
		g.logger.Warn("audit record failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
	}
}

// closeWithError sends a structured error frame, then closes with the given
// code. Used for rejections before a session exists.
func (g *Gateway) closeWithError(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, msg string) {
	_ = writeJSON(ctx, conn, protocol.NewError(msg))
	_ = conn.Close(code, msg)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// terminalSize reads the initial dimensions from the query string; zero means
// the runner's defaults apply.
func terminalSize(r *http.Request) (cols, rows uint16) {
	q := r.URL.Query()
	if n, err := strconv.ParseUint(q.Get("cols"), 10, 16); err == nil {
		cols = uint16(n)
	}
	if n, err := strconv.ParseUint(q.Get("rows"), 10, 16); err == nil {
		rows = uint16(n)
	}
	return cols, rows
}

// validationResult maps a token validation error to a metric label.
func validationResult(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrIPMismatch):
		return "ip_mismatch"
	case errors.Is(err, token.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, token.ErrNotFound):
		return "not_found"
	default:
		return "malformed"
	}
}
