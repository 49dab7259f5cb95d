package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Attempts: 5, Base: time.Second, Factor: 2.0, Cap: 30 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(7), "delay is capped")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(),
		Policy{Attempts: 4, Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond},
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(),
		Policy{Attempts: 3, Base: time.Millisecond, Factor: 2, Cap: time.Millisecond},
		func(ctx context.Context) error { calls++; return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	bad := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(),
		Policy{Attempts: 5, Base: time.Millisecond, Factor: 2, Cap: time.Millisecond},
		func(ctx context.Context) error { calls++; return NonRetryable(bad) })
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultPolicy(), func(ctx context.Context) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	b := NewBreaker("policy", 2, 20*time.Millisecond)
	require.NoError(t, b.Allow())

	boom := errors.New("down")
	b.Record(boom)
	require.NoError(t, b.Allow())
	b.Record(boom)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(25 * time.Millisecond)
	require.NoError(t, b.Allow(), "half-open probe allowed after cooldown")
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("embedder", 1, 10*time.Millisecond)
	b.Record(errors.New("down"))
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	time.Sleep(12 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Record(errors.New("still down"))
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}
