// Package token issues and validates short-lived, single-use session tokens.
// A token is a signed capability proving the right to open one WebSocket
// session from one IP. The signature is an HMAC-SHA256 over the serialized
// payload; the nonce store enforces single use.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Validation failure reasons. Each maps to a distinct user-presentable error;
// none are retried automatically — the client must request a fresh token.
var (
	ErrMalformed    = errors.New("token malformed")
	ErrBadSignature = errors.New("token signature invalid")
	ErrExpired      = errors.New("token expired")
	ErrIPMismatch   = errors.New("token issued to a different IP")
	ErrNotFound     = errors.New("token not found")
	ErrAlreadyUsed  = errors.New("token already used")
)

const nonceBytes = 16

// payload is the signed portion of a token.
type payload struct {
	Nonce  string `json:"nonce"`
	IP     string `json:"ip"`
	UAHash string `json:"ua_hash"`
	Exp    int64  `json:"exp"` // Unix seconds.
}

type entry struct {
	used    bool
	expires time.Time
}

// Authenticator issues and validates session tokens against an in-memory
// nonce store. All mutation happens behind the store mutex.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	nonces map[string]*entry
	now    func() time.Time // overridable in tests
}

// New creates an Authenticator with the given HMAC secret and token lifetime.
func New(secret string, ttl time.Duration, logger *slog.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger,
		nonces: make(map[string]*entry),
		now:    time.Now,
	}
}

// Issue generates a token bound to the client IP and user agent.
func (a *Authenticator) Issue(clientIP, userAgent string) (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(b)
	expires := a.now().Add(a.ttl)

	p := payload{
		Nonce:  nonce,
		IP:     clientIP,
		UAHash: hashUA(userAgent),
		Exp:    expires.Unix(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding token payload: %w", err)
	}

	a.mu.Lock()
	a.nonces[nonce] = &entry{expires: expires}
	a.mu.Unlock()

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(a.sign(data)), nil
}

// Validate checks a presented token and, on success, marks its nonce used so
// a second presentation fails with ErrAlreadyUsed. A user-agent hash mismatch
// is logged but does not reject (soft binding).
func (a *Authenticator) Validate(token, clientIP, userAgent string) error {
	dot := strings.IndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return ErrMalformed
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(token[:dot])
	if err != nil {
		return ErrMalformed
	}
	sig, err := enc.DecodeString(token[dot+1:])
	if err != nil {
		return ErrMalformed
	}
	if !hmac.Equal(sig, a.sign(data)) {
		return ErrBadSignature
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return ErrMalformed
	}
	if a.now().Unix() > p.Exp {
		return ErrExpired
	}
	if p.IP != clientIP {
		return ErrIPMismatch
	}
	if p.UAHash != hashUA(userAgent) && a.logger != nil {
		a.logger.Warn("token user-agent mismatch",
			slog.String("ip", clientIP),
			slog.String("nonce", p.Nonce),
		)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.nonces[p.Nonce]
	if !ok {
		return ErrNotFound
	}
	if e.used {
		return ErrAlreadyUsed
	}
	e.used = true
	return nil
}

// Sweep removes store entries past expiration. Used entries are kept until
// expiry so replays keep failing with ErrAlreadyUsed rather than ErrNotFound.
func (a *Authenticator) Sweep() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for nonce, e := range a.nonces {
		if now.After(e.expires) {
			delete(a.nonces, nonce)
		}
	}
}

// Stats returns the number of active (unused) and used entries in the store.
func (a *Authenticator) Stats() (active, used int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.nonces {
		if e.used {
			used++
		} else {
			active++
		}
	}
	return active, used
}

func (a *Authenticator) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func hashUA(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])
}
