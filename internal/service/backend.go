package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/custodian/internal/config"
	"github.com/roach88/custodian/internal/persistence"
	"github.com/roach88/custodian/internal/store"
	"github.com/roach88/custodian/internal/store/pebblestore"
	"github.com/roach88/custodian/internal/store/pgstore"
	"github.com/roach88/custodian/internal/store/redisstore"
	"github.com/roach88/custodian/internal/store/sqlitestore"
)

// OpenBackend opens the backend cfg selects, wrapped in a circuit breaker
// when cfg.Breaker.Enabled is set. The caller closes it.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	backend, err := openRaw(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	if !cfg.Breaker.Enabled {
		return backend, nil
	}

	bc := store.DefaultBreakerConfig()
	bc.Name = cfg.Store.Backend
	bc.FailureThreshold = cfg.Breaker.FailureThreshold
	bc.MaxRequests = cfg.Breaker.MaxRequests
	if d := cfg.Breaker.OpenTimeoutDuration(); d > 0 {
		bc.Timeout = d
	}
	return store.NewBreaker(backend, bc, logger), nil
}

func openRaw(ctx context.Context, sc config.StoreConfig) (store.Backend, error) {
	switch sc.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return sqlitestore.Open(sc.Path)
	case "pebble":
		return pebblestore.Open(sc.Path)
	case "redis":
		if sc.URL == "" {
			return nil, fmt.Errorf("store.url is required")
		}
		return redisstore.Open(ctx, sc.URL, sc.Prefix)
	case "postgres":
		if sc.URL == "" {
			return nil, fmt.Errorf("store.url is required")
		}
		return pgstore.Open(ctx, sc.URL, sc.Table, sc.MaxConns)
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

// ExecutorOptions translates the persistence section of cfg.
func ExecutorOptions(cfg *config.Config) []persistence.ExecutorOption {
	var opts []persistence.ExecutorOption
	if d := cfg.Persistence.TimeoutDuration(); d > 0 {
		opts = append(opts, persistence.WithTimeout(d))
	}
	if cfg.Persistence.Concurrency > 0 {
		opts = append(opts, persistence.WithConcurrency(cfg.Persistence.Concurrency))
	}
	return opts
}
