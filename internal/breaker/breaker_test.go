package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol/internal/config"
)

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New("http://dest", config.BreakerConfig{FailureThreshold: threshold, OpenTimeout: timeout})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAtExactThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
		require.NoError(t, b.Allow())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "http://dest", oe.Destination)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeAfterTimeout(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(30 * time.Second)
	assert.Error(t, b.Allow())

	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only one probe is admitted while it is outstanding.
	assert.Error(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenFailureReopensAndRestartsTimer(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Timer restarted at the probe failure, not the original trip.
	*now = now.Add(59 * time.Second)
	assert.Error(t, b.Allow())
	*now = now.Add(2 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestConcurrentHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestRegistryKeysPerDestination(t *testing.T) {
	r := NewRegistry(config.BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})

	a := r.Get("http://a")
	b := r.Get("http://b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("http://a"))

	a.RecordFailure()
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State())
}
