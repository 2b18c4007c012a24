package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/custodian/internal/protocol"
)

// TracerName is the instrumentation scope of executor spans.
const TracerName = "github.com/roach88/custodian/internal/persistence"

// ErrClosed is the failure cause for commands sent after Close.
var ErrClosed = errors.New("persistence executor closed")

// DefaultTimeout bounds a single command when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// DefaultConcurrency bounds commands running at once across all identities.
const DefaultConcurrency = 64

// Executor runs coordinator commands against a Repository.
//
// Send returns immediately; the command runs on its own goroutine, bounded
// by a shared semaphore, and reply is called exactly once with the matching
// response. A repository panic or timeout becomes a failure response.
//
// Thread-safety: all methods are safe for concurrent use.
type Executor[E any] struct {
	repo    Repository[E]
	sem     *semaphore.Weighted
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
	kind    string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ protocol.Collaborator[struct{}] = (*Executor[struct{}])(nil)

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	concurrency int64
	timeout     time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
	kind        string
}

// WithConcurrency bounds how many commands run at once. Default 64.
func WithConcurrency(n int64) ExecutorOption {
	return func(c *executorConfig) {
		c.concurrency = n
	}
}

// WithTimeout bounds each command. Default 10s.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(c *executorConfig) {
		c.timeout = d
	}
}

// WithTracer sets the tracer. Defaults to the global provider's tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(c *executorConfig) {
		c.tracer = t
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// WithKind sets the entity kind recorded on spans and logs.
func WithKind(kind string) ExecutorOption {
	return func(c *executorConfig) {
		c.kind = kind
	}
}

// NewExecutor creates an executor over repo.
func NewExecutor[E any](repo Repository[E], opts ...ExecutorOption) *Executor[E] {
	cfg := executorConfig{
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = DefaultConcurrency
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultTimeout
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(TracerName)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor[E]{
		repo:    repo,
		sem:     semaphore.NewWeighted(cfg.concurrency),
		timeout: cfg.timeout,
		tracer:  cfg.tracer,
		logger:  cfg.logger,
		kind:    cfg.kind,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send implements protocol.Collaborator.
func (x *Executor[E]) Send(cmd protocol.Command[E], reply protocol.Replier[E]) {
	x.mu.RLock()
	if x.closed {
		x.mu.RUnlock()
		reply(cmd.Failure(ErrClosed))
		return
	}
	x.wg.Add(1)
	x.mu.RUnlock()

	go x.run(cmd, reply)
}

// Close stops accepting commands and waits for in-flight ones to reply, or
// for ctx to be done, whichever comes first. Commands still running when ctx
// is done are cancelled and reply with a failure.
func (x *Executor[E]) Close(ctx context.Context) error {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()

	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		x.cancel()
		return nil
	case <-ctx.Done():
		x.cancel()
		<-done
		return ctx.Err()
	}
}

func (x *Executor[E]) run(cmd protocol.Command[E], reply protocol.Replier[E]) {
	defer x.wg.Done()

	ctx, span := x.tracer.Start(x.ctx, "persistence."+cmd.Kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("entity.kind", x.kind),
			attribute.String("entity.id", cmd.ID.String()),
			attribute.Int64("command.seq", cmd.Seq),
		),
	)

	resp := x.execute(ctx, cmd)

	span.SetAttributes(attribute.String("response.kind", resp.Kind.String()))
	if resp.Cause != nil {
		span.RecordError(resp.Cause)
		span.SetStatus(codes.Error, resp.Cause.Error())
		x.logger.Debug("persistence command failed",
			"entity_kind", x.kind,
			"entity_id", cmd.ID.String(),
			"command", cmd.Kind.String(),
			"seq", cmd.Seq,
			"error", resp.Cause,
		)
	}
	span.End()

	reply(resp)
}

func (x *Executor[E]) execute(ctx context.Context, cmd protocol.Command[E]) (resp protocol.Response[E]) {
	if err := x.sem.Acquire(ctx, 1); err != nil {
		return cmd.Failure(fmt.Errorf("acquire execution slot: %w", err))
	}
	defer x.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			resp = cmd.Failure(fmt.Errorf("persistence panic: %v", r))
		}
	}()

	switch cmd.Kind {
	case protocol.Recover:
		e, present, err := x.repo.Load(ctx, cmd.ID)
		if err != nil {
			return cmd.Failure(err)
		}
		if !present {
			return cmd.Absent()
		}
		return cmd.Success(e)

	case protocol.Create:
		e, err := x.repo.Insert(ctx, cmd.ID, cmd.Entity)
		if err != nil {
			return cmd.Failure(err)
		}
		return cmd.Success(e)

	case protocol.Update:
		e, err := x.repo.Update(ctx, cmd.ID, cmd.Entity)
		if err != nil {
			return cmd.Failure(err)
		}
		return cmd.Success(e)

	case protocol.Remove:
		e, err := x.repo.Delete(ctx, cmd.ID)
		if err != nil {
			return cmd.Failure(err)
		}
		return cmd.Success(e)

	default:
		return cmd.Failure(fmt.Errorf("unknown command %s", cmd.Kind))
	}
}
