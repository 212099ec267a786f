package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adriannoes/asap-protocol/internal/config"
)

func TestBackoffDoublesWithoutJitter(t *testing.T) {
	cfg := config.RetryConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	assert.Equal(t, 1*time.Second, backoffDelay(cfg, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(cfg, 3))
}

func TestBackoffCapsAtMax(t *testing.T) {
	cfg := config.RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 5*time.Second, backoffDelay(cfg, 3))
	assert.Equal(t, 5*time.Second, backoffDelay(cfg, 10))
}

func TestBackoffJitterBounded(t *testing.T) {
	cfg := config.RetryConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second, Jitter: true}

	for i := 0; i < 50; i++ {
		d := backoffDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 3*time.Second)
	}
}

func TestRetryAfterDelay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d, ok := retryAfterDelay("7", now)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	d, ok = retryAfterDelay(now.Add(30*time.Second).Format(time.RFC1123), now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = retryAfterDelay("", now)
	assert.False(t, ok)
	_, ok = retryAfterDelay("soon", now)
	assert.False(t, ok)
}
