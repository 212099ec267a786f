// Package replay rejects stale and replayed envelopes using timestamp
// freshness and single-use nonces.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adriannoes/asap-protocol/internal/config"
	"github.com/adriannoes/asap-protocol/internal/envelope"
)

var (
	// ErrEnvelopeExpired marks a timestamp older than the freshness window.
	ErrEnvelopeExpired = errors.New("envelope expired")
	// ErrEnvelopeFromFuture marks a timestamp beyond the skew tolerance.
	ErrEnvelopeFromFuture = errors.New("envelope timestamp in the future")
	// ErrMissingNonce marks an absent nonce when nonces are required.
	ErrMissingNonce = errors.New("nonce required but missing")
	// ErrReplayDetected marks a nonce that has already been accepted.
	ErrReplayDetected = errors.New("replay detected")
)

// NonceStore records nonces for a bounded lifetime. Remember returns false
// when the nonce was already present and unexpired.
type NonceStore interface {
	Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// Guard validates envelope freshness and nonce uniqueness.
type Guard struct {
	maxAge       time.Duration
	skew         time.Duration
	nonceTTL     time.Duration
	requireNonce bool
	store        NonceStore

	now func() time.Time
}

// NewGuard builds a guard from configuration and a nonce store.
func NewGuard(cfg config.ReplayConfig, store NonceStore) *Guard {
	ttl := cfg.NonceTTL
	if ttl <= 0 {
		ttl = 2 * cfg.MaxEnvelopeAge
	}
	return &Guard{
		maxAge:       cfg.MaxEnvelopeAge,
		skew:         cfg.ClockSkew,
		nonceTTL:     ttl,
		requireNonce: cfg.RequireNonce,
		store:        store,
		now:          time.Now,
	}
}

// Check validates one inbound envelope. The timestamp checks run before
// the nonce check so an expired replay is reported as expiry, never
// recorded as a fresh nonce.
func (g *Guard) Check(ctx context.Context, env *envelope.Envelope) error {
	now := g.now().UTC()
	age := now.Sub(env.Timestamp)
	if age > g.maxAge {
		return fmt.Errorf("%w: sent %s ago, limit %s", ErrEnvelopeExpired, age.Round(time.Second), g.maxAge)
	}
	if age < -g.skew {
		return fmt.Errorf("%w: timestamp %s ahead of receipt", ErrEnvelopeFromFuture, (-age).Round(time.Second))
	}

	if env.Nonce == "" {
		if g.requireNonce {
			return ErrMissingNonce
		}
		return nil
	}
	fresh, err := g.store.Remember(ctx, env.Nonce, g.nonceTTL)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: nonce %q already seen", ErrReplayDetected, env.Nonce)
	}
	return nil
}

// MemoryNonceStore is the in-process NonceStore. Expired entries are
// evicted lazily on access and opportunistically during writes.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time // nonce -> expiry
	now   func() time.Time
	sweep int
}

// NewMemoryNonceStore returns an empty in-process nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryNonceStore) Remember(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.seen[nonce]; ok && now.Before(expiry) {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)

	// Amortized sweep so the map does not grow unbounded.
	m.sweep++
	if m.sweep >= 1000 {
		m.sweep = 0
		for n, expiry := range m.seen {
			if !now.Before(expiry) {
				delete(m.seen, n)
			}
		}
	}
	return true, nil
}

// RedisNonceStore shares nonce state across processes using SET NX with a
// millisecond expiry.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore connects a nonce store to the given Redis address.
func NewRedisNonceStore(addr string) *RedisNonceStore {
	return &RedisNonceStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "asap:nonce:",
	}
}

func (r *RedisNonceStore) Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Close releases the underlying Redis connection.
func (r *RedisNonceStore) Close() error { return r.client.Close() }
