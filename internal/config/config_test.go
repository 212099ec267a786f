package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8410", cfg.ListenAddr)
	assert.Equal(t, int64(1<<20), cfg.MaxPayloadBytes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 300*time.Second, cfg.Replay.MaxEnvelopeAge)
	assert.Equal(t, "memory", cfg.Snapshot.Backend)
	assert.True(t, cfg.Replay.RequireNonce)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ASAP_LISTEN_ADDR", ":9000")
	t.Setenv("ASAP_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("ASAP_RETRY_BASE_DELAY", "250ms")
	t.Setenv("ASAP_AUTH_SCHEMES", "bearer, api-key")
	t.Setenv("ASAP_API_KEYS", "agent-a:secret1,agent-b:secret2")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, []string{"bearer", "api-key"}, cfg.Auth.Schemes)
	assert.Equal(t, "secret2", cfg.Auth.APIKeys["agent-b"])
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("ASAP_RETRY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("ASAP_RETRY_BASE_DELAY", "-5s")

	cfg := Load()

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
}

func TestLoadTrustedKeysWithURLKeys(t *testing.T) {
	t.Setenv("ASAP_TRUSTED_KEYS", "http://agent-a.local:8410=a2V5QQ==, https://agent-b.local=a2V5Qg==")

	cfg := Load()

	assert.Equal(t, "a2V5QQ==", cfg.Manifest.TrustedKeys["http://agent-a.local:8410"])
	assert.Equal(t, "a2V5Qg==", cfg.Manifest.TrustedKeys["https://agent-b.local"])
}

func TestRedactedOmitsSecrets(t *testing.T) {
	t.Setenv("ASAP_API_KEYS", "agent-a:supersecret")
	t.Setenv("ASAP_JWT_SECRET", "hmac-secret")

	snap := Load().Redacted()

	assert.Equal(t, 1, snap["keysConfigured"])
	for _, v := range snap {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "supersecret")
			assert.NotContains(t, s, "hmac-secret")
		}
	}
}
