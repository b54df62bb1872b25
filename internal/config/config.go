// Package config handles loading and validating shellgate configuration.
//
// Configuration is environment-first: every setting has a SHELLGATE_* env var,
// and an optional YAML file can set the same values. Env vars win over the file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for shellgate.
type Config struct {
	Env           string                `json:"env,omitempty" yaml:"env,omitempty"` // "development" (default) or "production".
	Server        ServerConfig          `json:"server" yaml:"server"`
	Token         TokenConfig           `json:"token" yaml:"token"`
	RateLimit     RateLimitConfig       `json:"rate_limit" yaml:"rate_limit"`
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Files         FilesConfig           `json:"files" yaml:"files"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics on, tracing off
	AuditDB       string                `json:"audit_db,omitempty" yaml:"audit_db,omitempty"`            // SQLite path for the session audit log. Empty = disabled.

	// GeneratedSecret is set by Validate when a random development secret was
	// generated because none was configured. Callers should log a warning.
	GeneratedSecret bool `json:"-" yaml:"-"`
}

// Production reports whether the gateway runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string   `json:"host" yaml:"host"`                   // Default: "0.0.0.0".
	Port         int      `json:"port" yaml:"port"`                   // Default: 8080.
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"` // Host-header allow-list. Empty = any (dev only).

	// TrustProxyHeaders makes the gateway take the client IP from
	// X-Forwarded-For. Only enable behind a reverse proxy that overwrites
	// the header; rate limits and token IP binding depend on the client IP.
	TrustProxyHeaders bool `json:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// ListenAddr returns the host:port listen address.
func (s *ServerConfig) ListenAddr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// TokenConfig configures the session token authenticator.
type TokenConfig struct {
	Secret     string `json:"secret" yaml:"secret"`           // HMAC key. Required (>= 32 bytes) in production.
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"` // Default: 60.
}

// TTL returns the token lifetime.
func (t *TokenConfig) TTL() time.Duration {
	if t.TTLSeconds > 0 {
		return time.Duration(t.TTLSeconds) * time.Second
	}
	return 60 * time.Second
}

// RateLimitConfig configures per-IP and per-session rate limits.
type RateLimitConfig struct {
	MaxConcurrentSessions   int `json:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`     // Default: 2.
	MaxConnectionsPerMinute int `json:"max_connections_per_minute" yaml:"max_connections_per_minute"` // Default: 10.
	MaxMessagesPerSecond    int `json:"max_messages_per_second" yaml:"max_messages_per_second"`     // Default: 30.
}

// ConcurrentSessions returns the per-IP concurrent session cap.
func (r *RateLimitConfig) ConcurrentSessions() int {
	if r.MaxConcurrentSessions > 0 {
		return r.MaxConcurrentSessions
	}
	return 2
}

// ConnectionsPerMinute returns the per-IP connection attempt cap.
func (r *RateLimitConfig) ConnectionsPerMinute() int {
	if r.MaxConnectionsPerMinute > 0 {
		return r.MaxConnectionsPerMinute
	}
	return 10
}

// MessagesPerSecond returns the per-session message cap.
func (r *RateLimitConfig) MessagesPerSecond() int {
	if r.MaxMessagesPerSecond > 0 {
		return r.MaxMessagesPerSecond
	}
	return 30
}

// SandboxConfig configures the per-session Docker sandbox.
type SandboxConfig struct {
	Image                 string  `json:"image" yaml:"image"`                                     // Default: "shellgate-sandbox:latest".
	OutputDir             string  `json:"output_dir" yaml:"output_dir"`                           // Session directory root. Default: "./sessions".
	AutoRun               string  `json:"autorun,omitempty" yaml:"autorun,omitempty"`             // Command executed before the interactive shell.
	SessionTimeoutSeconds int     `json:"session_timeout_seconds" yaml:"session_timeout_seconds"` // Hard session lifetime. Default: 900.
	MemoryMB              int     `json:"memory_mb" yaml:"memory_mb"`                             // --memory hard limit. Default: 256.
	CPUCores              float64 `json:"cpu_cores" yaml:"cpu_cores"`                             // --cpus rate limit. Default: 0.5.
	PIDsLimit             int     `json:"pids_limit" yaml:"pids_limit"`                           // --pids-limit. Default: 64.
}

// SessionTimeout returns the hard per-session lifetime.
func (s *SandboxConfig) SessionTimeout() time.Duration {
	if s.SessionTimeoutSeconds > 0 {
		return time.Duration(s.SessionTimeoutSeconds) * time.Second
	}
	return 900 * time.Second
}

// FilesConfig configures session directory limits and the download endpoint.
type FilesConfig struct {
	MaxFileBytes        int64    `json:"max_file_bytes" yaml:"max_file_bytes"`             // Per-file download cap. Default: 10 MiB.
	MaxStorageBytes     int64    `json:"max_storage_bytes" yaml:"max_storage_bytes"`       // Per-session directory cap. Default: 50 MiB.
	AllowedExtensions   []string `json:"allowed_extensions" yaml:"allowed_extensions"`     // Default: common text/archive formats.
	CleanupGraceSeconds int      `json:"cleanup_grace_seconds" yaml:"cleanup_grace_seconds"` // Delay before deleting a session directory. Default: 120.
}

// MaxFile returns the per-file size cap.
func (f *FilesConfig) MaxFile() int64 {
	if f.MaxFileBytes > 0 {
		return f.MaxFileBytes
	}
	return 10 << 20
}

// MaxStorage returns the per-session storage cap.
func (f *FilesConfig) MaxStorage() int64 {
	if f.MaxStorageBytes > 0 {
		return f.MaxStorageBytes
	}
	return 50 << 20
}

// Extensions returns the extension allow-list (lowercase, dot-prefixed).
func (f *FilesConfig) Extensions() []string {
	if len(f.AllowedExtensions) > 0 {
		return f.AllowedExtensions
	}
	return []string{".txt", ".md", ".log", ".json", ".csv", ".yaml", ".yml", ".sh", ".py", ".go", ".tar", ".gz", ".zip"}
}

// CleanupGrace returns the delay before a finished session's directory is deleted.
func (f *FilesConfig) CleanupGrace() time.Duration {
	if f.CleanupGraceSeconds > 0 {
		return time.Duration(f.CleanupGraceSeconds) * time.Second
	}
	return 120 * time.Second
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "shellgate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Load reads the optional YAML config file at path, then applies SHELLGATE_*
// env overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Env-only configuration.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from SHELLGATE_* environment variables.
func (c *Config) applyEnv() {
	c.Env = goutils.Env("SHELLGATE_ENV", c.Env)
	c.Server.Host = goutils.Env("SHELLGATE_HOST", c.Server.Host)
	envInt("SHELLGATE_PORT", &c.Server.Port)
	if v := os.Getenv("SHELLGATE_ALLOWED_HOSTS"); v != "" {
		c.Server.AllowedHosts = splitList(v)
	}
	if v, set := envBool("SHELLGATE_TRUST_PROXY"); set {
		c.Server.TrustProxyHeaders = v
	}

	c.Token.Secret = goutils.Env("SHELLGATE_TOKEN_SECRET", c.Token.Secret)
	envInt("SHELLGATE_TOKEN_TTL_S", &c.Token.TTLSeconds)

	envInt("SHELLGATE_MAX_SESSIONS_PER_IP", &c.RateLimit.MaxConcurrentSessions)
	envInt("SHELLGATE_MAX_CONN_PER_MIN", &c.RateLimit.MaxConnectionsPerMinute)
	envInt("SHELLGATE_MAX_MSG_PER_SEC", &c.RateLimit.MaxMessagesPerSecond)

	c.Sandbox.Image = goutils.Env("SHELLGATE_IMAGE", c.Sandbox.Image)
	c.Sandbox.OutputDir = goutils.Env("SHELLGATE_OUTPUT_DIR", c.Sandbox.OutputDir)
	c.Sandbox.AutoRun = goutils.Env("SHELLGATE_AUTORUN", c.Sandbox.AutoRun)
	envInt("SHELLGATE_SESSION_TIMEOUT_S", &c.Sandbox.SessionTimeoutSeconds)
	envInt("SHELLGATE_MEMORY_MB", &c.Sandbox.MemoryMB)
	envInt("SHELLGATE_PIDS_LIMIT", &c.Sandbox.PIDsLimit)
	if v := os.Getenv("SHELLGATE_CPU_CORES"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Sandbox.CPUCores = f
		}
	}

	envInt64("SHELLGATE_MAX_FILE_BYTES", &c.Files.MaxFileBytes)
	envInt64("SHELLGATE_MAX_STORAGE_BYTES", &c.Files.MaxStorageBytes)
	envInt("SHELLGATE_CLEANUP_GRACE_S", &c.Files.CleanupGraceSeconds)
	if v := os.Getenv("SHELLGATE_ALLOWED_EXTENSIONS"); v != "" {
		c.Files.AllowedExtensions = splitList(v)
	}

	c.AuditDB = goutils.Env("SHELLGATE_AUDIT_DB", c.AuditDB)
	c.applyObservabilityEnv()
}

// applyObservabilityEnv materializes the observability section only when one
// of its env toggles is actually set, so a nil section keeps meaning
// "metrics on, tracing off".
func (c *Config) applyObservabilityEnv() {
	metricsEnabled, metricsSet := envBool("SHELLGATE_METRICS_ENABLED")
	tracingEndpoint := os.Getenv("SHELLGATE_TRACING_ENDPOINT")
	if !metricsSet && tracingEndpoint == "" {
		return
	}
	if c.Observability == nil {
		c.Observability = &ObservabilityConfig{}
	}
	if metricsSet {
		if c.Observability.Metrics == nil {
			c.Observability.Metrics = &MetricsConfig{}
		}
		c.Observability.Metrics.Enabled = metricsEnabled
	}
	if tracingEndpoint != "" {
		if c.Observability.Tracing == nil {
			c.Observability.Tracing = &TracingConfig{}
		}
		c.Observability.Tracing.Enabled = true
		c.Observability.Tracing.Endpoint = tracingEndpoint
	}
}

// Validate enforces startup preconditions. In production mode a weak or
// missing token secret and an empty host allow-list are fatal; in development
// a random secret is generated and GeneratedSecret is set.
func (c *Config) Validate() error {
	if c.Production() {
		if len(c.Token.Secret) < 32 {
			return fmt.Errorf("SHELLGATE_TOKEN_SECRET must be at least 32 bytes in production (got %d)", len(c.Token.Secret))
		}
		if len(c.Server.AllowedHosts) == 0 {
			return fmt.Errorf("SHELLGATE_ALLOWED_HOSTS must be set in production")
		}
	}
	if c.Token.Secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generating fallback token secret: %w", err)
		}
		c.Token.Secret = hex.EncodeToString(b)
		c.GeneratedSecret = true
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "shellgate-sandbox:latest"
	}
	if c.Sandbox.OutputDir == "" {
		c.Sandbox.OutputDir = "./sessions"
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string) (value, set bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
