package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by a Breaker while its circuit is open.
// It is permanent: the retry kit does not retry it.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig controls a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// CoolDown is how long the breaker stays open before probing half-open.
	CoolDown time.Duration `yaml:"cool_down"`
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         60 * time.Second,
	}
}

// StateChangeFunc is notified when a breaker transitions between states.
type StateChangeFunc func(name, from, to string)

// Breaker wraps sony/gobreaker with the service's open-circuit sentinel and
// state-change logging. One breaker exists per external dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named circuit breaker. onChange may be nil.
func NewBreaker(name string, cfg BreakerConfig, onChange StateChangeFunc) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half_open admits a single probe
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
			if onChange != nil {
				onChange(name, from.String(), to.String())
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. While the circuit is open all calls
// fail fast with ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker's current state as a string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
