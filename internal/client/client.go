// Package client delivers envelopes to remote agents with retry, circuit
// breaking, replay-protection stamping, and manifest verification.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adriannoes/asap-protocol/internal/breaker"
	"github.com/adriannoes/asap-protocol/internal/config"
	"github.com/adriannoes/asap-protocol/internal/envelope"
	"github.com/adriannoes/asap-protocol/internal/logger"
	"github.com/adriannoes/asap-protocol/internal/manifest"
	"github.com/adriannoes/asap-protocol/internal/metrics"
	"github.com/adriannoes/asap-protocol/internal/observability"
)

// Wire paths served by every ASAP agent.
const (
	EnvelopePath  = "/asap/v1/envelope"
	WebSocketPath = "/asap/v1/ws"
	ManifestPath  = "/.well-known/asap-manifest.json"
)

// TransportError is the terminal failure of a Send after the retry budget
// is exhausted.
type TransportError struct {
	Destination string
	Attempts    int
	Last        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s failed after %d attempts: %v", e.Destination, e.Attempts, e.Last)
}

func (e *TransportError) Unwrap() error { return e.Last }

// RemoteError is a non-retriable rejection from the destination.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected envelope: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote rejected envelope: status %d", e.StatusCode)
}

// ErrNoTrustAnchor is returned by FetchManifest when verification is
// enabled but there is neither an allow-listed key for the destination nor
// an embedded key to check. This is a configuration error, not a pass.
var ErrNoTrustAnchor = fmt.Errorf("manifest verification enabled but no trust anchor configured")

// Options configures a Client beyond what Config carries.
type Options struct {
	// HTTPClient overrides the transport, e.g. with mTLS material.
	HTTPClient *http.Client
	// StampNonce controls whether Send attaches a fresh nonce.
	StampNonce bool
	// VerifyManifests makes FetchManifest verify signatures.
	VerifyManifests bool
	// TrustedKeys is the allow-list of destination base URL to expected
	// signing key.
	TrustedKeys map[string]ed25519.PublicKey
	// Metrics receives transport counters when non-nil.
	Metrics *metrics.Collector
}

// ParseTrustedKeys converts the configured destination-to-base64-key
// allow-list (config.ManifestConfig.TrustedKeys) into the decoded form
// Options.TrustedKeys takes.
func ParseTrustedKeys(raw map[string]string) (map[string]ed25519.PublicKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]ed25519.PublicKey, len(raw))
	for url, encoded := range raw {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("trusted key for %s: %w", url, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key for %s: got %d bytes, want %d", url, len(key), ed25519.PublicKeySize)
		}
		out[url] = ed25519.PublicKey(key)
	}
	return out, nil
}

// Client is a resilient ASAP transport client. Safe for concurrent use.
type Client struct {
	http     *http.Client
	retry    config.RetryConfig
	breakers *breaker.Registry
	opts     Options
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a client. A nil Options.HTTPClient gets a default client with
// a per-attempt timeout derived from the retry ceiling.
func New(retryCfg config.RetryConfig, breakerCfg config.BreakerConfig, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:     httpClient,
		retry:    retryCfg,
		breakers: breaker.NewRegistry(breakerCfg),
		opts:     opts,
		log:      logger.WithComponent("client"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send delivers an envelope to the destination's envelope endpoint and
// returns the response envelope. Retriable failures (connection errors,
// 5xx, 429) are retried with exponential backoff up to the configured
// attempt cap; 4xx rejections are surfaced immediately. The circuit
// breaker for the destination is consulted once up front and recorded
// once per Send outcome, so a Send admitted as the half-open probe
// always resolves the probe with the outcome of its final attempt.
func (c *Client) Send(ctx context.Context, destination string, env *envelope.Envelope) (*envelope.Envelope, error) {
	ctx, span := observability.StartSendSpan(ctx, destination, string(env.PayloadType))
	defer span.End()

	br := c.breakers.Get(destination)
	if err := br.Allow(); err != nil {
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordBreakerOpen(destination)
		}
		return nil, err
	}
	var lastErr error

	attempts := 0
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		attempts++

		if attempt > 0 && c.opts.Metrics != nil {
			c.opts.Metrics.RecordRetry()
		}

		resp, retryable, err := c.attempt(ctx, destination, env)
		if err == nil {
			br.RecordSuccess()
			if c.opts.Metrics != nil {
				c.opts.Metrics.RecordEnvelopeSent()
			}
			observability.RecordAttempts(span, attempts)
			return resp, nil
		}
		lastErr = err

		if !retryable {
			br.RecordFailure()
			if c.opts.Metrics != nil {
				c.opts.Metrics.RecordSendFailure()
			}
			observability.RecordAttempts(span, attempts)
			return nil, err
		}

		if attempt < c.retry.MaxAttempts-1 {
			delay := backoffDelay(c.retry, attempt)
			if ra, ok := retryAfterHint(err); ok {
				delay = ra
			}
			c.log.Debug("retrying send",
				"destination", destination, "attempt", attempt+1, "delay", delay.String(), "error", lastErr.Error())
			if err := c.sleep(ctx, delay); err != nil {
				br.RecordFailure()
				observability.RecordAttempts(span, attempts)
				return nil, &TransportError{Destination: destination, Attempts: attempts, Last: err}
			}
		}
	}

	br.RecordFailure()
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordSendFailure()
	}
	observability.RecordAttempts(span, attempts)
	return nil, &TransportError{Destination: destination, Attempts: attempts, Last: lastErr}
}

// retriableStatusError carries a retriable HTTP failure between attempts.
type retriableStatusError struct {
	status     int
	retryAfter time.Duration
	hasHint    bool
}

func (e *retriableStatusError) Error() string {
	return fmt.Sprintf("destination returned status %d", e.status)
}

func retryAfterHint(err error) (time.Duration, bool) {
	if se, ok := err.(*retriableStatusError); ok && se.hasHint {
		return se.retryAfter, true
	}
	return 0, false
}

// attempt performs one network call. The bool reports retriability.
func (c *Client) attempt(ctx context.Context, destination string, env *envelope.Envelope) (*envelope.Envelope, bool, error) {
	send := *env
	send.Timestamp = time.Now().UTC()
	if c.opts.StampNonce {
		send.Nonce = uuid.NewString()
	}

	body, err := send.Encode()
	if err != nil {
		return nil, false, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination+EnvelopePath, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out, err := envelope.Decode(data)
		if err != nil {
			return nil, false, fmt.Errorf("malformed response envelope: %w", err)
		}
		return out, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		se := &retriableStatusError{status: resp.StatusCode}
		if ra, ok := retryAfterDelay(resp.Header.Get("Retry-After"), time.Now()); ok {
			se.retryAfter, se.hasHint = ra, true
		}
		return nil, true, se
	default:
		re := &RemoteError{StatusCode: resp.StatusCode}
		if out, err := envelope.Decode(data); err == nil {
			if p, err := out.DecodePayload(); err == nil {
				if ep, ok := p.(*envelope.ErrorPayload); ok {
					re.Code, re.Message = ep.Code, ep.Message
				}
			}
		}
		return nil, false, re
	}
}

// FetchManifest retrieves and, when enabled, verifies the destination's
// manifest. Verification failure is a hard error; the manifest is never
// returned unverified once verification is on.
func (c *Client) FetchManifest(ctx context.Context, destination string) (*manifest.SignedManifest, manifest.TrustLevel, error) {
	ctx, span := observability.StartSendSpan(ctx, destination, "manifest")
	defer span.End()

	br := c.breakers.Get(destination)
	if err := br.Allow(); err != nil {
		return nil, manifest.TrustUnsigned, err
	}
	var lastErr error

	attempts := 0
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		attempts++

		sm, retryable, err := c.fetchManifestOnce(ctx, destination)
		if err == nil {
			br.RecordSuccess()
			level, err := c.verifyManifest(destination, sm)
			if err != nil {
				return nil, manifest.TrustUnsigned, err
			}
			observability.RecordTrust(span, string(level))
			return sm, level, nil
		}
		lastErr = err
		if !retryable {
			br.RecordFailure()
			return nil, manifest.TrustUnsigned, err
		}
		if attempt < c.retry.MaxAttempts-1 {
			delay := backoffDelay(c.retry, attempt)
			if ra, ok := retryAfterHint(err); ok {
				delay = ra
			}
			if err := c.sleep(ctx, delay); err != nil {
				br.RecordFailure()
				return nil, manifest.TrustUnsigned, &TransportError{Destination: destination, Attempts: attempts, Last: err}
			}
		}
	}

	br.RecordFailure()
	return nil, manifest.TrustUnsigned, &TransportError{Destination: destination, Attempts: attempts, Last: lastErr}
}

func (c *Client) fetchManifestOnce(ctx context.Context, destination string) (*manifest.SignedManifest, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, destination+ManifestPath, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		var sm manifest.SignedManifest
		if err := json.Unmarshal(data, &sm); err != nil {
			return nil, false, fmt.Errorf("malformed manifest: %w", err)
		}
		return &sm, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		se := &retriableStatusError{status: resp.StatusCode}
		if ra, ok := retryAfterDelay(resp.Header.Get("Retry-After"), time.Now()); ok {
			se.retryAfter, se.hasHint = ra, true
		}
		return nil, true, se
	default:
		return nil, false, &RemoteError{StatusCode: resp.StatusCode}
	}
}

func (c *Client) verifyManifest(destination string, sm *manifest.SignedManifest) (manifest.TrustLevel, error) {
	if !c.opts.VerifyManifests {
		return manifest.TrustUnsigned, nil
	}
	expected, allowed := c.opts.TrustedKeys[destination]
	if !allowed && sm.PublicKey == "" {
		return manifest.TrustUnsigned, ErrNoTrustAnchor
	}

	var expectedKey ed25519.PublicKey
	if allowed {
		expectedKey = expected
	}
	level, err := manifest.Verify(sm, expectedKey)
	if err != nil {
		return level, err
	}
	if level == manifest.TrustUnsigned {
		// Verification is on: an unsigned manifest is not acceptable.
		return level, fmt.Errorf("%w: destination served an unsigned manifest", manifest.ErrTrustVerificationFailed)
	}
	if allowed {
		return manifest.TrustVerified, nil
	}
	return level, nil
}
