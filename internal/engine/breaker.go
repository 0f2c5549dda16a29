package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kalambet/chatflow/internal/metrics"
)

// BreakerSettings configures WithBreaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe. Zero
	// means 30s.
	OpenTimeout time.Duration
}

// BreakerEngine guards an Engine with one circuit breaker per capability,
// so a failing embedding endpoint does not block completions.
type BreakerEngine struct {
	next     Engine
	complete *gobreaker.CircuitBreaker[string]
	embed    *gobreaker.CircuitBreaker[[]float32]
}

// WithBreaker wraps next. While a circuit is open, calls fail immediately
// with an error wrapping ErrUnavailable.
func WithBreaker(next Engine, name string, s BreakerSettings) *BreakerEngine {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return &BreakerEngine{
		next:     next,
		complete: gobreaker.NewCircuitBreaker[string](breakerSettings(name+"-complete", s)),
		embed:    gobreaker.NewCircuitBreaker[[]float32](breakerSettings(name+"-embed", s)),
	}
}

func breakerSettings(name string, s BreakerSettings) gobreaker.Settings {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// A canceled caller says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func unavailable(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (b *BreakerEngine) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	out, err := b.complete.Execute(func() (string, error) {
		return b.next.Complete(ctx, req)
	})
	return out, unavailable(err)
}

func (b *BreakerEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.embed.Execute(func() ([]float32, error) {
		return b.next.Embed(ctx, text)
	})
	return out, unavailable(err)
}

func (b *BreakerEngine) IsRunning(ctx context.Context) bool {
	return b.next.IsRunning(ctx)
}

// Unwrap returns the guarded engine.
func (b *BreakerEngine) Unwrap() Engine {
	return b.next
}
