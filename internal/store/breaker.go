package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("store circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for clearing counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures that opens it.
	FailureThreshold uint32
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "store",
		MaxRequests:      1,
		Interval:         0,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker decorates a Backend with a circuit breaker.
//
// Not-found, already-exists and caller cancellation are answers, not backend
// faults, and never count toward opening the breaker.
type Breaker struct {
	next Backend
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps next.
func NewBreaker(next Backend, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsNotFound(err) ||
				IsAlreadyExists(err) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Breaker{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker state ("closed", "half-open" or "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Get implements Backend.
func (b *Breaker) Get(ctx context.Context, key Key) (Record, error) {
	return b.record(func() (Record, error) { return b.next.Get(ctx, key) })
}

// Insert implements Backend.
func (b *Breaker) Insert(ctx context.Context, rec Record) (Record, error) {
	return b.record(func() (Record, error) { return b.next.Insert(ctx, rec) })
}

// Update implements Backend.
func (b *Breaker) Update(ctx context.Context, rec Record) (Record, error) {
	return b.record(func() (Record, error) { return b.next.Update(ctx, rec) })
}

// Delete implements Backend.
func (b *Breaker) Delete(ctx context.Context, key Key) (Record, error) {
	return b.record(func() (Record, error) { return b.next.Delete(ctx, key) })
}

// List implements Backend.
func (b *Breaker) List(ctx context.Context, kind string) ([]Record, error) {
	result, err := b.execute(func() (any, error) { return b.next.List(ctx, kind) })
	if err != nil {
		return nil, err
	}
	return result.([]Record), nil
}

// Close closes the wrapped backend.
func (b *Breaker) Close() error {
	return b.next.Close()
}

func (b *Breaker) record(fn func() (Record, error)) (Record, error) {
	result, err := b.execute(func() (any, error) { return fn() })
	if err != nil {
		return Record{}, err
	}
	return result.(Record), nil
}

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}
