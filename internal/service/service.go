// Package service is the document store built on entity coordinators.
//
// Every document identity gets its own coordinator, started on first use by
// a registry. Requests are messages to that coordinator, so writes to one
// document are strictly serialized while different documents proceed in
// parallel:
//
//	svc := service.New(ctx, backend)
//	defer svc.Close(ctx)
//
//	doc, err := svc.Put(ctx, id, entity.NewDocument(entity.F("title", entity.String("dune"))))
//	doc, ok, err := svc.Get(ctx, id)
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/custodian/internal/coordinator"
	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/persistence"
	"github.com/roach88/custodian/internal/registry"
	"github.com/roach88/custodian/internal/store"
)

// DefaultKind is the record kind documents are stored under.
const DefaultKind = "document"

// ErrNotFound is returned by Remove when the document does not exist.
var ErrNotFound = coordinator.ErrEntityAbsent

// Service serves document requests.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	kind     string
	repo     *persistence.StoreRepository[entity.Document]
	executor *persistence.Executor[entity.Document]
	registry *registry.Registry[entity.Document]
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	kind     string
	now      func() time.Time
	hooks    coordinator.Hooks
	executor []persistence.ExecutorOption
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithKind sets the record kind. Defaults to DefaultKind.
func WithKind(kind string) Option {
	return func(o *options) {
		o.kind = kind
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithHooks overrides the coordinators' failure hooks.
func WithHooks(h coordinator.Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithExecutorOptions configures the persistence executor.
func WithExecutorOptions(opts ...persistence.ExecutorOption) Option {
	return func(o *options) {
		o.executor = append(o.executor, opts...)
	}
}

// New creates a service over backend. Coordinators stop when ctx is
// cancelled or Close is called.
func New(ctx context.Context, backend store.Backend, opts ...Option) *Service {
	o := options{kind: DefaultKind}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	repo := persistence.NewStoreRepository[entity.Document](backend, persistence.DocumentCodec{}, o.kind, o.now)
	execOpts := append([]persistence.ExecutorOption{
		persistence.WithLogger(o.logger),
		persistence.WithKind(o.kind),
	}, o.executor...)
	executor := persistence.NewExecutor[entity.Document](repo, execOpts...)

	behavior := documentBehavior{logger: o.logger}
	factory := func(id uuid.UUID) *coordinator.Worker[entity.Document] {
		return coordinator.NewWorker[entity.Document](id, behavior, executor,
			coordinator.WithLogger(o.logger),
			coordinator.WithKind(o.kind),
			coordinator.WithHooks(o.hooks),
		)
	}

	return &Service{
		kind:     o.kind,
		repo:     repo,
		executor: executor,
		registry: registry.New[entity.Document](ctx, factory, registry.WithLogger(o.logger)),
		logger:   o.logger,
	}
}

// Put stores doc under id and returns the stored document.
func (s *Service) Put(ctx context.Context, id uuid.UUID, doc entity.Document) (entity.Document, error) {
	res, err := s.ask(ctx, id, func(reply chan<- Result) any { return Put{Doc: doc, Reply: reply} })
	return res.Doc, err
}

// Merge applies fields to the document under id (see Merge) and returns the
// stored result.
func (s *Service) Merge(ctx context.Context, id uuid.UUID, fields entity.Document) (entity.Document, error) {
	res, err := s.ask(ctx, id, func(reply chan<- Result) any { return Merge{Fields: fields, Reply: reply} })
	return res.Doc, err
}

// Get returns the document under id and whether it exists.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (entity.Document, bool, error) {
	res, err := s.ask(ctx, id, func(reply chan<- Result) any { return Get{Reply: reply} })
	return res.Doc, res.Present, err
}

// Remove deletes the document under id and returns it as it was. Returns
// ErrNotFound if there is no document.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) (entity.Document, error) {
	res, err := s.ask(ctx, id, func(reply chan<- Result) any { return Remove{Reply: reply} })
	return res.Doc, err
}

// List returns every stored document ordered by identity. It reads the store
// directly and does not wait for in-flight writes.
func (s *Service) List(ctx context.Context) ([]uuid.UUID, []entity.Document, error) {
	return s.repo.List(ctx)
}

// Active returns the number of running coordinators.
func (s *Service) Active() int {
	return s.registry.Len()
}

// Evict stops the coordinator for id and waits for it to finish any write in
// flight and the requests queued behind it. The next request recovers it
// from the store.
func (s *Service) Evict(id uuid.UUID) bool {
	return s.registry.Stop(id)
}

// Close stops all coordinators, letting each finish its write in flight,
// then waits for the executor. If ctx ends first, requests that were still
// waiting fail with coordinator.ErrStopped.
func (s *Service) Close(ctx context.Context) error {
	regErr := s.registry.Close(ctx)
	execErr := s.executor.Close(ctx)
	return errors.Join(regErr, execErr)
}

func (s *Service) ask(ctx context.Context, id uuid.UUID, build func(chan<- Result) any) (Result, error) {
	reply := make(chan Result, 1)
	if err := s.registry.Tell(id, build(reply)); err != nil {
		return Result{}, err
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
