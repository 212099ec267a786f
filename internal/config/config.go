// Package config loads the runtime configuration for the ASAP protocol core.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adriannoes/asap-protocol/internal/logger"
)

// RetryConfig controls the transport client's backoff behavior.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool
}

// BreakerConfig controls per-destination circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// ReplayConfig controls the nonce/timestamp replay guard.
type ReplayConfig struct {
	MaxEnvelopeAge time.Duration
	ClockSkew      time.Duration
	NonceTTL       time.Duration
	RequireNonce   bool
	RedisAddr      string // empty means in-process nonce store
}

// AuthConfig controls inbound envelope authentication.
type AuthConfig struct {
	Schemes   []string          // subset of manifest.DefaultAuthSchemes()
	APIKeys   map[string]string // name -> secret
	JWTSecret string            // HS256 secret for the bearer scheme
}

// TLSConfig carries mutual-TLS material paths for client and server.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// SnapshotConfig selects the snapshot store backend.
type SnapshotConfig struct {
	Backend string // memory, sqlite, postgres
	DSN     string
}

// ManifestConfig controls the identity surface of this agent.
type ManifestConfig struct {
	SigningKeyFile string            // base64 ed25519 private key; empty serves a plain manifest
	TrustedKeys    map[string]string // endpoint base URL -> base64 ed25519 public key, url=key entries
	ServeSigned    bool
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

// Config is the full configuration surface consumed by the core.
type Config struct {
	ListenAddr      string
	BaseURL         string
	AgentID         string
	MaxPayloadBytes int64
	Retry           RetryConfig
	Breaker         BreakerConfig
	Replay          ReplayConfig
	Auth            AuthConfig
	TLS             TLSConfig
	Snapshot        SnapshotConfig
	Manifest        ManifestConfig
	Tracing         TracingConfig
}

// Load reads configuration from the environment.
func Load() Config {
	log := logger.WithComponent("config")

	cfg := Config{
		ListenAddr:      getenv("ASAP_LISTEN_ADDR", ":8410"),
		BaseURL:         getenv("ASAP_BASE_URL", "http://localhost:8410"),
		AgentID:         getenv("ASAP_AGENT_ID", "asap:agent:local"),
		MaxPayloadBytes: int64(getenvInt("ASAP_MAX_PAYLOAD_BYTES", 1<<20)),
		Retry: RetryConfig{
			BaseDelay:   getenvDuration("ASAP_RETRY_BASE_DELAY", time.Second),
			MaxDelay:    getenvDuration("ASAP_RETRY_MAX_DELAY", 60*time.Second),
			MaxAttempts: getenvInt("ASAP_RETRY_MAX_ATTEMPTS", 3),
			Jitter:      getenv("ASAP_RETRY_JITTER", "true") == "true",
		},
		Breaker: BreakerConfig{
			FailureThreshold: getenvInt("ASAP_BREAKER_THRESHOLD", 5),
			OpenTimeout:      getenvDuration("ASAP_BREAKER_TIMEOUT", 60*time.Second),
		},
		Replay: ReplayConfig{
			MaxEnvelopeAge: getenvDuration("ASAP_MAX_ENVELOPE_AGE", 300*time.Second),
			ClockSkew:      getenvDuration("ASAP_CLOCK_SKEW", 30*time.Second),
			NonceTTL:       getenvDuration("ASAP_NONCE_TTL", 600*time.Second),
			RequireNonce:   getenv("ASAP_REQUIRE_NONCE", "true") == "true",
			RedisAddr:      getenv("ASAP_NONCE_REDIS_ADDR", ""),
		},
		Auth: AuthConfig{
			Schemes:   splitList(getenv("ASAP_AUTH_SCHEMES", "")),
			APIKeys:   parseKeys(getenv("ASAP_API_KEYS", "")),
			JWTSecret: getenv("ASAP_JWT_SECRET", ""),
		},
		TLS: TLSConfig{
			Enabled:  getenv("ASAP_TLS_ENABLED", "false") == "true",
			CertFile: getenv("ASAP_TLS_CERT_FILE", ""),
			KeyFile:  getenv("ASAP_TLS_KEY_FILE", ""),
			CAFile:   getenv("ASAP_TLS_CA_FILE", ""),
		},
		Snapshot: SnapshotConfig{
			Backend: getenv("ASAP_SNAPSHOT_BACKEND", "memory"),
			DSN:     getenv("ASAP_SNAPSHOT_DSN", ""),
		},
		Manifest: ManifestConfig{
			SigningKeyFile: getenv("ASAP_SIGNING_KEY_FILE", ""),
			TrustedKeys:    parseTrustedKeys(getenv("ASAP_TRUSTED_KEYS", "")),
			ServeSigned:    getenv("ASAP_SERVE_SIGNED_MANIFEST", "false") == "true",
		},
		Tracing: TracingConfig{
			Enabled:  getenv("ASAP_TRACING_ENABLED", "false") == "true",
			Endpoint: getenv("ASAP_OTLP_ENDPOINT", "localhost:4317"),
		},
	}

	if cfg.Manifest.ServeSigned && cfg.Manifest.SigningKeyFile == "" {
		log.Warn("signed manifest requested but no signing key configured, serving plain manifest")
		cfg.Manifest.ServeSigned = false
	}

	return cfg
}

// Redacted returns a secret-free view of the configuration for diagnostics.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"listenAddr":      c.ListenAddr,
		"baseURL":         c.BaseURL,
		"agentID":         c.AgentID,
		"maxPayloadBytes": c.MaxPayloadBytes,
		"retryAttempts":   c.Retry.MaxAttempts,
		"breakerLimit":    c.Breaker.FailureThreshold,
		"authSchemes":     c.Auth.Schemes,
		"keysConfigured":  len(c.Auth.APIKeys),
		"trustedKeys":     len(c.Manifest.TrustedKeys),
		"snapshotBackend": c.Snapshot.Backend,
		"tlsEnabled":      c.TLS.Enabled,
	}
}

// parseKeys parses comma-separated name:secret pairs.
func parseKeys(raw string) map[string]string {
	return parsePairs(raw, ":")
}

// parseTrustedKeys parses comma-separated url=key pairs. The delimiter is
// "=" because base URLs contain colons.
func parseTrustedKeys(raw string) map[string]string {
	return parsePairs(raw, "=")
}

func parsePairs(raw, sep string) map[string]string {
	out := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(item), sep, 2)
		if len(kv) != 2 {
			continue
		}
		name := strings.TrimSpace(kv[0])
		secret := strings.TrimSpace(kv[1])
		if name != "" && secret != "" {
			out[name] = secret
		}
	}
	return out
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, fallback string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(k string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func getenvDuration(k string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
