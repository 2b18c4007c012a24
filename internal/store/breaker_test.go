package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custodian/internal/store"
	"github.com/roach88/custodian/internal/store/storetest"
)

// flaky fails every call with err while err is set.
type flaky struct {
	store.Backend
	err   error
	calls int
}

func (f *flaky) Get(ctx context.Context, key store.Key) (store.Record, error) {
	f.calls++
	if f.err != nil {
		return store.Record{}, f.err
	}
	return f.Backend.Get(ctx, key)
}

func newBreaker(next store.Backend, threshold uint32) *store.Breaker {
	cfg := store.DefaultBreakerConfig()
	cfg.FailureThreshold = threshold
	cfg.Timeout = time.Hour
	return store.NewBreaker(next, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBreaker_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newBreaker(store.NewMemory(), 3)
	})
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	backend := &flaky{Backend: store.NewMemory(), err: errors.New("connection refused")}
	b := newBreaker(backend, 3)
	key := store.Key{Kind: "doc", ID: uuid.New()}

	for i := 0; i < 3; i++ {
		_, err := b.Get(context.Background(), key)
		require.EqualError(t, err, "connection refused")
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Get(context.Background(), key)
	assert.ErrorIs(t, err, store.ErrCircuitOpen)
	assert.Equal(t, 3, backend.calls, "open breaker must not reach the backend")
}

func TestBreaker_NotFoundIsNotAFailure(t *testing.T) {
	b := newBreaker(store.NewMemory(), 2)
	key := store.Key{Kind: "doc", ID: uuid.New()}

	for i := 0; i < 5; i++ {
		_, err := b.Get(context.Background(), key)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
}
