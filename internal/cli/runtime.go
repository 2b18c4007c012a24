package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/custodian/internal/config"
	"github.com/roach88/custodian/internal/service"
	"github.com/roach88/custodian/internal/store"
	"github.com/roach88/custodian/internal/telemetry"
)

// Runtime is what a document command needs: configuration, logger, the
// opened store and the service over it.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Backend store.Backend
	Service *service.Service

	shutdown func(context.Context) error
}

// loadConfig reads .env, then the configuration file and environment.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load .env", err)
	}
	cfg, err := config.Load(opts.ConfigPath, os.LookupEnv)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(lc config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	hopts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// OpenRuntime loads configuration and opens the store and service. The
// caller must Close it.
func OpenRuntime(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*Runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())

	rt := &Runtime{Config: cfg, Logger: logger}

	if opts.Trace || cfg.Tracing.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			UseStdout: true,
			Writer:    cmd.ErrOrStderr(),
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to initialize tracing", err)
		}
		rt.shutdown = shutdown
	}

	backend, err := service.OpenBackend(ctx, cfg, logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	rt.Backend = backend
	logger.Debug("store opened", "backend", cfg.Store.Backend, "breaker", cfg.Breaker.Enabled)

	rt.Service = service.New(ctx, backend,
		service.WithLogger(logger),
		service.WithExecutorOptions(service.ExecutorOptions(cfg)...),
	)
	return rt, nil
}

// Close stops the service, closes the store and flushes spans.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Service != nil {
		errs = append(errs, rt.Service.Close(ctx))
	}
	if rt.Backend != nil {
		errs = append(errs, rt.Backend.Close())
	}
	if rt.shutdown != nil {
		errs = append(errs, rt.shutdown(ctx))
	}
	return errors.Join(errs...)
}

// withRuntime opens a runtime, runs fn and closes the runtime, reporting the
// first error.
func withRuntime(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := OpenRuntime(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = WrapExitError(ExitFailure, "failed to close store", closeErr)
		}
	}()
	return fn(ctx, rt)
}
