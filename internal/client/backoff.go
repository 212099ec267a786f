package client

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/adriannoes/asap-protocol/internal/config"
)

// backoffDelay computes the wait before retry number attempt (0-based):
// base * 2^attempt plus a bounded random addend when jitter is on, capped
// at max. The jitter addend is below base so concurrent retrying clients
// spread out without overshooting the cap by more than one base unit.
func backoffDelay(cfg config.RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if cfg.Jitter && cfg.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// retryAfterDelay parses a Retry-After header value, in seconds or as an
// HTTP date. It returns false when the header is absent or unparseable.
func retryAfterDelay(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := time.Parse(time.RFC1123, header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
