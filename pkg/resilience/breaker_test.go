package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, CoolDown: time.Minute}
	breaker := NewBreaker("test", cfg, nil)
	boom := errors.New("boom")
	ctx := context.Background()

	fail := func(ctx context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, breaker.Execute(ctx, fail), boom)
	}

	// Threshold reached: calls now fail fast without invoking fn.
	invoked := false
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
	assert.Equal(t, "open", breaker.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 2, CoolDown: 50 * time.Millisecond}
	breaker := NewBreaker("test", cfg, nil)
	boom := errors.New("boom")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = breaker.Execute(ctx, func(ctx context.Context) error { return boom })
	}
	require.Equal(t, "open", breaker.State())

	// After the cool-down one probe is admitted; success closes the circuit.
	time.Sleep(60 * time.Millisecond)
	err := breaker.Execute(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", breaker.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 2, CoolDown: 50 * time.Millisecond}
	breaker := NewBreaker("test", cfg, nil)
	boom := errors.New("boom")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = breaker.Execute(ctx, func(ctx context.Context) error { return boom })
	}

	time.Sleep(60 * time.Millisecond)
	_ = breaker.Execute(ctx, func(ctx context.Context) error { return boom })
	assert.Equal(t, "open", breaker.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := BreakerConfig{FailureThreshold: 1, CoolDown: time.Minute}
	breaker := NewBreaker("analyzer", cfg, func(name, from, to string) {
		transitions = append(transitions, from+"->"+to)
	})

	_ = breaker.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(2)
	ctx := context.Background()

	running := make(chan struct{}, 4)
	release := make(chan struct{})
	done := make(chan error, 4)

	for i := 0; i < 4; i++ {
		go func() {
			done <- limiter.Do(ctx, func(ctx context.Context) error {
				running <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Only two calls may be in flight at once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, running, 2)

	close(release)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}
