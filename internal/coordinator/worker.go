package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/custodian/internal/mailbox"
	"github.com/roach88/custodian/internal/protocol"
)

// Worker runs a Coordinator on a single goroutine fed by a FIFO mailbox.
//
// Thread-safety model:
//   - Tell(), Inspect(), Stop(): safe from any goroutine
//   - Run(): must be called exactly once, from one goroutine
//
// Collaborator replies are routed into the same mailbox, so responses and
// caller messages are processed strictly one at a time.
//
// Stop refuses new messages but keeps accepting collaborator replies: Run
// returns only once the mailbox is empty and no command is outstanding.
type Worker[E any] struct {
	coord  *Coordinator[E]
	queue  *mailbox.Queue[any]
	logger *slog.Logger
	done   chan struct{}

	mu       sync.Mutex
	stopping bool
	stop     chan struct{}
}

type inspection[E any] struct {
	fn   func(*Coordinator[E])
	done chan struct{}
}

// NewWorker creates a worker whose coordinator replies through the worker's
// own mailbox.
func NewWorker[E any](id uuid.UUID, behavior Behavior[E], collab protocol.Collaborator[E], opts ...Option) *Worker[E] {
	q := mailbox.New[any]()

	all := make([]Option, 0, len(opts)+1)
	all = append(all, opts...)
	all = append(all, WithMailbox(q.Enqueue))

	coord := New(id, behavior, collab, all...)
	return &Worker[E]{
		coord:  coord,
		queue:  q,
		logger: coord.Logger(),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// ID returns the entity identity.
func (w *Worker[E]) ID() uuid.UUID {
	return w.coord.ID()
}

// Tell submits a message for processing. Returns false once the worker has
// stopped.
func (w *Worker[E]) Tell(msg any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return false
	}
	return w.queue.Enqueue(msg)
}

// Inspect runs fn against the coordinator between two turns and waits for
// it. Unlike ordinary messages, inspections are never buffered, so fn may
// observe a transient state.
func (w *Worker[E]) Inspect(ctx context.Context, fn func(*Coordinator[E])) error {
	done := make(chan struct{})
	if !w.Tell(inspection[E]{fn: fn, done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (w *Worker[E]) Done() <-chan struct{} {
	return w.done
}

// Stop stops accepting messages. Run returns once queued messages are
// processed and the outstanding command, if any, has been answered. Done
// reports when that has happened.
func (w *Worker[E]) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return
	}
	w.stopping = true
	close(w.stop)
}

// Run starts recovery and processes messages until Stop has drained the
// worker or ctx is cancelled. On cancellation every waiting invocation and
// every unprocessed message is rejected with ErrStopped.
//
// ERROR HANDLING: a panic inside a turn is logged with the message type and
// processing continues with the next message.
func (w *Worker[E]) Run(ctx context.Context) error {
	defer close(w.done)

	w.logger.Debug("coordinator starting")
	w.coord.Start()

	stop := w.stop
	stopped := false
	for {
		msg, ok := w.queue.TryDequeue()
		if ok {
			w.deliver(msg)
			continue
		}

		if stopped && !w.coord.State().Transient() {
			w.logger.Debug("coordinator stopping: drained")
			w.queue.Close()
			w.rejectQueued()
			return nil
		}

		select {
		case <-ctx.Done():
			w.logger.Debug("coordinator stopping: context cancelled")
			w.mu.Lock()
			w.stopping = true
			w.mu.Unlock()
			w.queue.Close()
			w.coord.Abort(ErrStopped)
			w.rejectQueued()
			return ctx.Err()

		case <-stop:
			stopped = true
			stop = nil

		case <-w.queue.Wait():
		}
	}
}

// rejectQueued answers whatever is left in the closed mailbox.
func (w *Worker[E]) rejectQueued() {
	for {
		msg, ok := w.queue.TryDequeue()
		if !ok {
			return
		}
		if _, isInspection := msg.(inspection[E]); isInspection {
			continue
		}
		w.coord.Reject(msg, ErrStopped)
	}
}

func (w *Worker[E]) deliver(msg any) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("coordinator turn panicked",
				"panic", r,
				"message_type", fmt.Sprintf("%T", msg),
			)
		}
	}()

	if in, ok := msg.(inspection[E]); ok {
		defer close(in.done)
		in.fn(w.coord)
		return
	}
	w.coord.Deliver(msg)
}
