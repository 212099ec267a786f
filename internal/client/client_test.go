package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol/internal/breaker"
	"github.com/adriannoes/asap-protocol/internal/config"
	"github.com/adriannoes/asap-protocol/internal/envelope"
	"github.com/adriannoes/asap-protocol/internal/manifest"
)

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: attempts,
	}
}

func testBreaker() config.BreakerConfig {
	return config.BreakerConfig{FailureThreshold: 5, OpenTimeout: time.Minute}
}

func newTestClient(attempts int, opts Options) *Client {
	c := New(fastRetry(attempts), testBreaker(), opts)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func pingEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("asap:agent:a", "asap:agent:b", envelope.Ping{Echo: "hi"})
	require.NoError(t, err)
	return env
}

// echoServer responds to every envelope with a ping reply.
func echoServer(t *testing.T, hook func(r *http.Request) int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hook != nil {
			if status := hook(r); status != 0 {
				w.WriteHeader(status)
				return
			}
		}
		in, err := envelope.Decode(readAll(t, r))
		require.NoError(t, err)
		out, err := in.Reply(envelope.Ping{Echo: "pong"})
		require.NoError(t, err)
		data, err := out.Encode()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return data
}

func TestSendSuccess(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	c := newTestClient(3, Options{StampNonce: true})
	resp, err := c.Send(context.Background(), srv.URL, pingEnvelope(t))
	require.NoError(t, err)

	p, err := resp.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "pong", p.(*envelope.Ping).Echo)
}

func TestSendStampsFreshNonce(t *testing.T) {
	var nonces []string
	srvCapture := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, err := envelope.Decode(readAll(t, r))
		require.NoError(t, err)
		nonces = append(nonces, in.Nonce)
		out, _ := in.Reply(envelope.Ping{})
		data, _ := out.Encode()
		w.Write(data)
	}))
	defer srvCapture.Close()

	c := newTestClient(3, Options{StampNonce: true})
	env := pingEnvelope(t)
	_, err := c.Send(context.Background(), srvCapture.URL, env)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), srvCapture.URL, env)
	require.NoError(t, err)

	require.Len(t, nonces, 2)
	assert.NotEmpty(t, nonces[0])
	assert.NotEqual(t, nonces[0], nonces[1])
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := echoServer(t, func(*http.Request) int {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	defer srv.Close()

	c := newTestClient(3, Options{})
	resp, err := c.Send(context.Background(), srv.URL, pingEnvelope(t))
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := echoServer(t, func(*http.Request) int {
		atomic.AddInt32(&calls, 1)
		return http.StatusBadRequest
	})
	defer srv.Close()

	c := newTestClient(3, Options{})
	_, err := c.Send(context.Background(), srv.URL, pingEnvelope(t))

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendExhaustsRetries(t *testing.T) {
	var calls int32
	srv := echoServer(t, func(*http.Request) int {
		atomic.AddInt32(&calls, 1)
		return http.StatusInternalServerError
	})
	defer srv.Close()

	c := newTestClient(3, Options{})
	_, err := c.Send(context.Background(), srv.URL, pingEnvelope(t))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendHonorsRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		in, _ := envelope.Decode(readAll(t, r))
		out, _ := in.Reply(envelope.Ping{})
		data, _ := out.Encode()
		w.Write(data)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := New(fastRetry(3), testBreaker(), Options{})
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := c.Send(context.Background(), srv.URL, pingEnvelope(t))
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, time.Second, slept[0])
}

func TestSendFailsFastWhenCircuitOpen(t *testing.T) {
	var calls int32
	srv := echoServer(t, func(*http.Request) int {
		atomic.AddInt32(&calls, 1)
		return http.StatusServiceUnavailable
	})
	defer srv.Close()

	c := New(fastRetry(1), config.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, Options{})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	_, err := c.Send(ctx, srv.URL, pingEnvelope(t))
	require.Error(t, err)
	_, err = c.Send(ctx, srv.URL, pingEnvelope(t))
	require.Error(t, err)

	before := atomic.LoadInt32(&calls)
	_, err = c.Send(ctx, srv.URL, pingEnvelope(t))
	var oe *breaker.OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open circuit must not touch the network")
}

func TestBreakerRecoversAfterFailedProbe(t *testing.T) {
	var calls int32
	srv := echoServer(t, func(*http.Request) int {
		atomic.AddInt32(&calls, 1)
		return http.StatusServiceUnavailable
	})
	defer srv.Close()

	c := New(fastRetry(1), config.BreakerConfig{FailureThreshold: 1, OpenTimeout: 30 * time.Millisecond}, Options{})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	_, err := c.Send(ctx, srv.URL, pingEnvelope(t))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = c.Send(ctx, srv.URL, pingEnvelope(t))
	var oe *breaker.OpenError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "open circuit must not touch the network")

	// Each elapsed cool-down must admit a fresh probe even though the
	// previous probe failed.
	time.Sleep(50 * time.Millisecond)
	_, err = c.Send(ctx, srv.URL, pingEnvelope(t))
	require.ErrorAs(t, err, &te)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls), "first probe must reach the network")

	time.Sleep(50 * time.Millisecond)
	_, err = c.Send(ctx, srv.URL, pingEnvelope(t))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "breaker must keep probing after a failed probe")
}

func TestSendAbandonedViaContext(t *testing.T) {
	srv := echoServer(t, func(*http.Request) int { return http.StatusServiceUnavailable })
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(fastRetry(5), testBreaker(), Options{})
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Send(ctx, srv.URL, pingEnvelope(t))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, te.Last, context.Canceled)
}

func manifestServer(t *testing.T, sm *manifest.SignedManifest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, ManifestPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sm)
	}))
}

func signedTestManifest(t *testing.T) (*manifest.SignedManifest, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := manifest.GenerateKeyPair()
	require.NoError(t, err)
	m, err := manifest.New(manifest.Manifest{
		ID:      "asap:agent:peer",
		Name:    "Peer",
		Version: "1.0.0",
		Auth:    manifest.Auth{Schemes: []string{"bearer"}},
	}, nil)
	require.NoError(t, err)
	sm, err := manifest.Sign(m, priv)
	require.NoError(t, err)
	return sm, pub
}

func TestFetchManifestVerified(t *testing.T) {
	sm, pub := signedTestManifest(t)
	srv := manifestServer(t, sm)
	defer srv.Close()

	c := newTestClient(3, Options{
		VerifyManifests: true,
		TrustedKeys:     map[string]ed25519.PublicKey{srv.URL: pub},
	})
	got, level, err := c.FetchManifest(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, manifest.TrustVerified, level)
	assert.Equal(t, "asap:agent:peer", got.ID)
}

func TestFetchManifestRejectsTampered(t *testing.T) {
	sm, pub := signedTestManifest(t)
	sm.Name = "Impostor"
	srv := manifestServer(t, sm)
	defer srv.Close()

	c := newTestClient(3, Options{
		VerifyManifests: true,
		TrustedKeys:     map[string]ed25519.PublicKey{srv.URL: pub},
	})
	_, _, err := c.FetchManifest(context.Background(), srv.URL)
	assert.ErrorIs(t, err, manifest.ErrSignatureInvalid)
}

func TestFetchManifestNoTrustAnchor(t *testing.T) {
	sm := &manifest.SignedManifest{Manifest: manifest.Manifest{ID: "asap:agent:peer", Name: "Peer", Version: "1"}}
	srv := manifestServer(t, sm)
	defer srv.Close()

	c := newTestClient(3, Options{VerifyManifests: true})
	_, _, err := c.FetchManifest(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNoTrustAnchor)
}

func TestFetchManifestHonorsRetryAfter(t *testing.T) {
	sm, _ := signedTestManifest(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(sm)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := New(fastRetry(3), testBreaker(), Options{})
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, _, err := c.FetchManifest(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, time.Second, slept[0])
}

func TestParseTrustedKeysWithURLKeys(t *testing.T) {
	sm, pub := signedTestManifest(t)
	srv := manifestServer(t, sm)
	defer srv.Close()

	keys, err := ParseTrustedKeys(map[string]string{
		srv.URL: base64.StdEncoding.EncodeToString(pub),
	})
	require.NoError(t, err)

	c := newTestClient(3, Options{VerifyManifests: true, TrustedKeys: keys})
	got, level, err := c.FetchManifest(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, manifest.TrustVerified, level)
	assert.Equal(t, "asap:agent:peer", got.ID)
}

func TestParseTrustedKeysRejectsBadKeys(t *testing.T) {
	_, err := ParseTrustedKeys(map[string]string{"http://a.local:8410": "not base64!"})
	assert.Error(t, err)

	_, err = ParseTrustedKeys(map[string]string{"http://a.local:8410": base64.StdEncoding.EncodeToString([]byte("short"))})
	assert.Error(t, err)
}

func TestFetchManifestUnverifiedModePassesThrough(t *testing.T) {
	sm, _ := signedTestManifest(t)
	srv := manifestServer(t, sm)
	defer srv.Close()

	c := newTestClient(3, Options{})
	got, level, err := c.FetchManifest(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, manifest.TrustUnsigned, level)
	assert.Equal(t, sm.Signature, got.Signature)
}
