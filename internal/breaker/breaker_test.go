package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{ErrorThreshold: 3, ErrorWindow: time.Minute, MinCooldown: 50 * time.Millisecond})
	assert.Equal(t, StateClosed, b.State())

	b.RecordRateLimitError(0)
	b.RecordRateLimitError(0)
	assert.Equal(t, StateClosed, b.State())
	b.RecordRateLimitError(0)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStaysClosedBelowThresholdOutsideWindow(t *testing.T) {
	b := New(Config{ErrorThreshold: 3, ErrorWindow: 20 * time.Millisecond, MinCooldown: time.Second})
	b.RecordRateLimitError(0)
	b.RecordRateLimitError(0)
	time.Sleep(30 * time.Millisecond)
	b.RecordRateLimitError(0)
	assert.Equal(t, StateClosed, b.State(), "errors outside the sliding window do not accumulate")
}

func TestBreakerHalfOpensAfterCooldownAndClosesOnSuccess(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, ErrorWindow: time.Minute, MinCooldown: 20 * time.Millisecond})
	b.RecordRateLimitError(0)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowSpawn(), "spawns are queued while open")

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.AllowSpawn(), "exactly one probe admitted on half-open")
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSetOnOpenFiresOnTrip(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, ErrorWindow: time.Minute, MinCooldown: 50 * time.Millisecond})
	var fired int
	var gotRetryAfter time.Duration
	b.SetOnOpen(func(retryAfter time.Duration) {
		fired++
		gotRetryAfter = retryAfter
	})

	b.RecordRateLimitError(5 * time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 5*time.Second, gotRetryAfter)
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := New(Config{ErrorThreshold: 1, ErrorWindow: time.Minute, MinCooldown: 20 * time.Millisecond})
	b.RecordRateLimitError(0)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.AllowSpawn())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordRateLimitError(0)
	assert.Equal(t, StateOpen, b.State())
}
