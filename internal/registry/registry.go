// Package registry addresses coordinators by entity identity.
//
// A Registry lazily starts one coordinator.Worker per identity the first time
// it is asked for, and owns the worker's goroutine from then on. Two callers
// asking for the same identity always get the same worker until it is stopped.
// A stopped worker finishes its outstanding persistence command before a
// replacement is started, so at most one worker talks to the collaborator
// about an identity at any time.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/custodian/internal/coordinator"
)

// ErrClosed is returned by Get after Close or once the registry's context is
// done.
var ErrClosed = errors.New("registry closed")

// Factory builds the worker for an identity. It must not start it.
type Factory[E any] func(id uuid.UUID) *coordinator.Worker[E]

// Registry is a keyed pool of coordinator workers.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry[E any] struct {
	mu       sync.Mutex
	workers  map[uuid.UUID]*coordinator.Worker[E]
	stopping map[uuid.UUID]*coordinator.Worker[E]
	closed   bool

	factory Factory[E]
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New creates an empty registry. Workers run until Stop, Close, or until ctx
// is cancelled.
func New[E any](ctx context.Context, factory Factory[E], opts ...Option) *Registry[E] {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Registry[E]{
		workers:  make(map[uuid.UUID]*coordinator.Worker[E]),
		stopping: make(map[uuid.UUID]*coordinator.Worker[E]),
		factory:  factory,
		logger:  cfg.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Get returns the worker for id, starting it if needed. If a previous
// worker for id is still draining, Get waits for it to finish first.
func (r *Registry[E]) Get(id uuid.UUID) (*coordinator.Worker[E], error) {
	for {
		r.mu.Lock()
		if r.closed || r.ctx.Err() != nil {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if w, ok := r.workers[id]; ok {
			r.mu.Unlock()
			return w, nil
		}
		if old, ok := r.stopping[id]; ok {
			r.mu.Unlock()
			<-old.Done()
			r.mu.Lock()
			if r.stopping[id] == old {
				delete(r.stopping, id)
			}
			r.mu.Unlock()
			continue
		}

		w := r.factory(id)
		r.workers[id] = w
		r.wg.Add(1)
		go r.run(w)
		r.mu.Unlock()

		r.logger.Debug("started coordinator", "entity_id", id.String())
		return w, nil
	}
}

// Tell delivers msg to the worker for id, starting it if needed. A message
// that races with Stop goes to the replacement worker.
func (r *Registry[E]) Tell(id uuid.UUID, msg any) error {
	for {
		w, err := r.Get(id)
		if err != nil {
			return err
		}
		if w.Tell(msg) {
			return nil
		}
		<-w.Done()
	}
}

// Stop stops the worker for id and waits until it has answered its
// outstanding command and drained its mailbox. Returns false if no worker
// was running. A later Get starts a fresh worker, which recovers its state
// from the collaborator.
func (r *Registry[E]) Stop(id uuid.UUID) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
		r.stopping[id] = w
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	w.Stop()
	<-w.Done()
	return true
}

// Len returns the number of running workers.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// IDs returns the identities of running workers in no particular order.
func (r *Registry[E]) IDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every worker and waits for all of them to return, or for ctx
// to be done. Queued messages are drained first.
func (r *Registry[E]) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	workers := make([]*coordinator.Worker[E], 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Registry[E]) run(w *coordinator.Worker[E]) {
	defer r.wg.Done()

	err := w.Run(r.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("coordinator exited", "entity_id", w.ID().String(), "error", err)
	}

	r.mu.Lock()
	if current, ok := r.workers[w.ID()]; ok && current == w {
		delete(r.workers, w.ID())
	}
	if current, ok := r.stopping[w.ID()]; ok && current == w {
		delete(r.stopping, w.ID())
	}
	r.mu.Unlock()
}
