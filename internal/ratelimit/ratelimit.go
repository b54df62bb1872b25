// Package ratelimit enforces the gateway's abuse-prevention ceilings:
// per-IP connection-attempt windows, per-IP concurrent-session caps, and
// per-session message windows. Thread-safe; windows are pruned lazily on
// each check and by a periodic Sweep.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by the gateway layer when any limit is hit.
var ErrRateLimited = errors.New("rate limit exceeded")

const warnFraction = 0.8

// Config configures the limiter. Zero values fall back to the defaults.
type Config struct {
	MaxConcurrentSessions int           // Per-IP active sessions. Default: 2.
	MaxConnections        int           // Attempts per ConnectionWindow. Default: 10.
	ConnectionWindow      time.Duration // Default: 60s.
	MaxMessages           int           // Messages per MessageWindow. Default: 30.
	MessageWindow         time.Duration // Default: 1s.
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 2
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.ConnectionWindow <= 0 {
		c.ConnectionWindow = time.Minute
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 30
	}
	if c.MessageWindow <= 0 {
		c.MessageWindow = time.Second
	}
	return c
}

// ipState tracks one client IP: its recent connection attempts and the set of
// sessions it currently owns.
type ipState struct {
	attempts []time.Time
	sessions map[string]struct{}
}

// msgState tracks one session's recent message timestamps. warned latches the
// one-shot advisory and re-arms once the rate drops back under the threshold.
type msgState struct {
	times  []time.Time
	warned bool
}

// Limiter is the process-wide rate limiter. One instance is shared by the
// token endpoint and every WebSocket session.
type Limiter struct {
	cfg Config

	mu   sync.Mutex
	ips  map[string]*ipState
	msgs map[string]*msgState
	now  func() time.Time // overridable in tests
}

// NewLimiter creates a Limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:  cfg.withDefaults(),
		ips:  make(map[string]*ipState),
		msgs: make(map[string]*msgState),
		now:  time.Now,
	}
}

// AllowConnection checks the per-IP connection-attempt window. When the
// window is full it returns false and how long until the oldest attempt
// falls out of the window; otherwise it records the attempt.
func (l *Limiter) AllowConnection(ip string) (bool, time.Duration) {
	now := l.now()
	cutoff := now.Add(-l.cfg.ConnectionWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.ipState(ip)
	st.attempts = prune(st.attempts, cutoff)

	if len(st.attempts) >= l.cfg.MaxConnections {
		retryAfter := st.attempts[0].Add(l.cfg.ConnectionWindow).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}
	st.attempts = append(st.attempts, now)
	return true, 0
}

// AllowSession tracks the per-IP set of active sessions. It rejects once the
// set is at capacity, otherwise it adds the session identifier.
func (l *Limiter) AllowSession(ip, sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.ipState(ip)
	if len(st.sessions) >= l.cfg.MaxConcurrentSessions {
		return false
	}
	st.sessions[sessionID] = struct{}{}
	return true
}

// ReleaseSession removes the session from the per-IP set and discards its
// message-rate state. Idempotent; called exactly once per accepted session
// regardless of which path ended it.
func (l *Limiter) ReleaseSession(ip, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.ips[ip]; ok {
		delete(st.sessions, sessionID)
		if len(st.sessions) == 0 && len(st.attempts) == 0 {
			delete(l.ips, ip)
		}
	}
	delete(l.msgs, sessionID)
}

// AllowMessage checks the per-session message window. warn is true exactly
// once when the rate crosses 80% of capacity; it re-arms after the rate
// drops back under the threshold.
func (l *Limiter) AllowMessage(sessionID string) (allowed, warn bool) {
	now := l.now()
	cutoff := now.Add(-l.cfg.MessageWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.msgs[sessionID]
	if !ok {
		st = &msgState{}
		l.msgs[sessionID] = st
	}
	st.times = prune(st.times, cutoff)

	if len(st.times) >= l.cfg.MaxMessages {
		return false, false
	}
	st.times = append(st.times, now)

	threshold := int(float64(l.cfg.MaxMessages) * warnFraction)
	if len(st.times) >= threshold {
		if !st.warned {
			st.warned = true
			return true, true
		}
	} else {
		st.warned = false
	}
	return true, false
}

// Sweep drops window entries older than their window and removes empty
// per-IP records. Run periodically; per-session state is removed by
// ReleaseSession, so only IP records accumulate between sweeps.
func (l *Limiter) Sweep() {
	now := l.now()
	connCutoff := now.Add(-l.cfg.ConnectionWindow)
	msgCutoff := now.Add(-l.cfg.MessageWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, st := range l.ips {
		st.attempts = prune(st.attempts, connCutoff)
		if len(st.attempts) == 0 && len(st.sessions) == 0 {
			delete(l.ips, ip)
		}
	}
	for _, st := range l.msgs {
		st.times = prune(st.times, msgCutoff)
	}
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	TrackedIPs     int `json:"trackedIps"`
	ActiveSessions int `json:"activeSessions"`
}

// Snapshot returns current limiter bookkeeping counts.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{TrackedIPs: len(l.ips)}
	for _, st := range l.ips {
		s.ActiveSessions += len(st.sessions)
	}
	return s
}

// ipState returns the record for ip, creating it lazily.
func (l *Limiter) ipState(ip string) *ipState {
	st, ok := l.ips[ip]
	if !ok {
		st = &ipState{sessions: make(map[string]struct{})}
		l.ips[ip] = st
	}
	return st
}

// prune drops timestamps at or before cutoff. Entries are appended in time
// order, so the first in-window index bounds the slice.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
