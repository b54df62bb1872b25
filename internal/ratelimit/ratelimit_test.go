package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowConnectionWindow(t *testing.T) {
	l, now := newTestLimiter(Config{MaxConnections: 3, ConnectionWindow: time.Minute})

	for i := 0; i < 3; i++ {
		if ok, _ := l.AllowConnection("10.0.0.1"); !ok {
			t.Fatalf("attempt %d rejected, want allowed", i+1)
		}
	}

	ok, retryAfter := l.AllowConnection("10.0.0.1")
	if ok {
		t.Fatal("attempt over cap allowed, want rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want in (0, 1m]", retryAfter)
	}

	// A different IP has its own window.
	if ok, _ := l.AllowConnection("10.0.0.2"); !ok {
		t.Error("different IP rejected, want allowed")
	}

	// Once the window passes, the IP recovers.
	*now = now.Add(time.Minute + time.Second)
	if ok, _ := l.AllowConnection("10.0.0.1"); !ok {
		t.Error("attempt after window rejected, want allowed")
	}
}

func TestAllowSessionCap(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxConcurrentSessions: 2})

	if !l.AllowSession("10.0.0.1", "s1") {
		t.Fatal("first session rejected")
	}
	if !l.AllowSession("10.0.0.1", "s2") {
		t.Fatal("second session rejected")
	}
	if l.AllowSession("10.0.0.1", "s3") {
		t.Fatal("third session allowed, want rejected")
	}

	l.ReleaseSession("10.0.0.1", "s1")
	if !l.AllowSession("10.0.0.1", "s3") {
		t.Error("session after release rejected, want allowed")
	}
}

func TestReleaseSessionIdempotent(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxConcurrentSessions: 1})

	if !l.AllowSession("10.0.0.1", "s1") {
		t.Fatal("session rejected")
	}
	l.ReleaseSession("10.0.0.1", "s1")
	l.ReleaseSession("10.0.0.1", "s1")
	l.ReleaseSession("10.0.0.1", "unknown")

	if got := l.Snapshot().ActiveSessions; got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
	if !l.AllowSession("10.0.0.1", "s2") {
		t.Error("session after double release rejected")
	}
}

func TestAllowMessageCap(t *testing.T) {
	l, now := newTestLimiter(Config{MaxMessages: 10, MessageWindow: time.Second})

	for i := 0; i < 10; i++ {
		if allowed, _ := l.AllowMessage("s1"); !allowed {
			t.Fatalf("message %d rejected, want allowed", i+1)
		}
	}
	if allowed, _ := l.AllowMessage("s1"); allowed {
		t.Fatal("message over cap allowed, want rejected")
	}

	*now = now.Add(2 * time.Second)
	if allowed, _ := l.AllowMessage("s1"); !allowed {
		t.Error("message after window rejected, want allowed")
	}
}

func TestAllowMessageWarningOneShot(t *testing.T) {
	l, now := newTestLimiter(Config{MaxMessages: 10, MessageWindow: time.Second})

	// Messages 1-7 are below the 80% threshold.
	for i := 0; i < 7; i++ {
		if _, warn := l.AllowMessage("s1"); warn {
			t.Fatalf("message %d warned below threshold", i+1)
		}
	}
	// Message 8 crosses 80% and warns exactly once.
	if _, warn := l.AllowMessage("s1"); !warn {
		t.Fatal("message at threshold did not warn")
	}
	if _, warn := l.AllowMessage("s1"); warn {
		t.Fatal("warning repeated, want one-shot")
	}

	// After the rate drops back under the threshold the warning re-arms.
	*now = now.Add(2 * time.Second)
	for i := 0; i < 7; i++ {
		l.AllowMessage("s1")
	}
	if _, warn := l.AllowMessage("s1"); !warn {
		t.Error("warning did not re-arm after rate dropped")
	}
}

func TestSweepDropsStaleState(t *testing.T) {
	l, now := newTestLimiter(Config{MaxConnections: 5, ConnectionWindow: time.Minute})

	for i := 0; i < 5; i++ {
		l.AllowConnection(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := l.Snapshot().TrackedIPs; got != 5 {
		t.Fatalf("tracked IPs = %d, want 5", got)
	}

	*now = now.Add(2 * time.Minute)
	l.Sweep()
	if got := l.Snapshot().TrackedIPs; got != 0 {
		t.Errorf("tracked IPs after sweep = %d, want 0", got)
	}
}

func TestSweepKeepsActiveSessions(t *testing.T) {
	l, now := newTestLimiter(Config{MaxConcurrentSessions: 2, ConnectionWindow: time.Minute})

	l.AllowConnection("10.0.0.1")
	l.AllowSession("10.0.0.1", "s1")

	*now = now.Add(2 * time.Minute)
	l.Sweep()

	s := l.Snapshot()
	if s.TrackedIPs != 1 || s.ActiveSessions != 1 {
		t.Errorf("snapshot = %+v, want 1 tracked IP with 1 active session", s)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxConcurrentSessions != 2 {
		t.Errorf("MaxConcurrentSessions = %d, want 2", cfg.MaxConcurrentSessions)
	}
	if cfg.MaxConnections != 10 {
		t.Errorf("MaxConnections = %d, want 10", cfg.MaxConnections)
	}
	if cfg.ConnectionWindow != time.Minute {
		t.Errorf("ConnectionWindow = %v, want 1m", cfg.ConnectionWindow)
	}
	if cfg.MaxMessages != 30 {
		t.Errorf("MaxMessages = %d, want 30", cfg.MaxMessages)
	}
	if cfg.MessageWindow != time.Second {
		t.Errorf("MessageWindow = %v, want 1s", cfg.MessageWindow)
	}
}
