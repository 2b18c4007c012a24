package coordinator

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/custodian/internal/protocol"
)

// Behavior handles every message that is not a persistence response while
// the coordinator is Settled. It is the owner's extension point: it reads the
// snapshot with Entity and mutates it with Persist and Remove.
type Behavior[E any] interface {
	Receive(c *Coordinator[E], msg any)
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc[E any] func(c *Coordinator[E], msg any)

// Receive calls f(c, msg).
func (f BehaviorFunc[E]) Receive(c *Coordinator[E], msg any) {
	f(c, msg)
}

// Rejecter is implemented by behaviors that answer messages the coordinator
// will never process, for example requests still buffered when its worker is
// cancelled.
type Rejecter interface {
	Reject(msg any, err error)
}

// ignoreBehavior is used when New is given a nil Behavior.
func ignoreBehavior[E any]() Behavior[E] {
	return BehaviorFunc[E](func(c *Coordinator[E], msg any) {
		c.logger.Warn("ignoring unknown message", "message_type", fmt.Sprintf("%T", msg))
	})
}

type pendingInvocation[E any] struct {
	invocation
	onSuccess func(E)
}

type abandonedInvocation[E any] struct {
	pendingInvocation[E]
	err error
}

// Coordinator is the state machine for one entity identity.
//
// Thread-safety: none. All methods must be called from the coordinator's own
// turn (Deliver, or code it calls). Use Worker to run it on a goroutine.
//
// INVARIANTS:
//   - At most one command is outstanding (state is transient iff one is).
//   - len(pending) equals the number of accepted Persist/Remove calls that
//     have not completed.
//   - Buffered messages are replayed in arrival order.
type Coordinator[E any] struct {
	id       uuid.UUID
	kind     string
	behavior Behavior[E]
	collab   protocol.Collaborator[E]
	reply    protocol.Replier[E]
	hooks    Hooks
	logger   *slog.Logger
	clock    *Clock
	table    map[dispatchKey]transition[E]

	state       State
	entity      E
	present     bool
	outstanding protocol.Command[E]
	started     bool

	pending   []pendingInvocation[E]
	abandoned []abandonedInvocation[E]
	buffer    []any
	replay    []any

	delivering bool
}

// New creates a coordinator for id in StateRecovering with an absent
// snapshot. Call Start to send the initial Recover.
func New[E any](id uuid.UUID, behavior Behavior[E], collab protocol.Collaborator[E], opts ...Option) *Coordinator[E] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.kind == "" {
		var zero E
		o.kind = fmt.Sprintf("%T", zero)
	}
	if o.clock == nil {
		o.clock = NewClock()
	}
	if behavior == nil {
		behavior = ignoreBehavior[E]()
	}

	logger := o.logger.With("entity_kind", o.kind, "entity_id", id.String())

	c := &Coordinator[E]{
		id:       id,
		kind:     o.kind,
		behavior: behavior,
		collab:   collab,
		hooks:    defaultHooks(logger, o.kind, id, o.hooks),
		logger:   logger,
		clock:    o.clock,
		table:    transitions[E](),
		state:    StateRecovering,
	}

	if o.mailbox != nil {
		mailbox := o.mailbox
		c.reply = func(resp protocol.Response[E]) {
			if !mailbox(resp) {
				logger.Debug("dropping persistence response: mailbox closed",
					"response", resp.Kind.String(), "seq", resp.Seq)
			}
		}
	} else {
		c.reply = func(resp protocol.Response[E]) {
			c.Deliver(resp)
		}
	}

	return c
}

// ID returns the entity identity.
func (c *Coordinator[E]) ID() uuid.UUID {
	return c.id
}

// Kind returns the entity type name.
func (c *Coordinator[E]) Kind() string {
	return c.kind
}

// State returns the current state.
func (c *Coordinator[E]) State() State {
	return c.state
}

// Entity returns the snapshot and whether it is present.
func (c *Coordinator[E]) Entity() (E, bool) {
	return c.entity, c.present
}

// Pending returns the number of operations awaiting completion.
func (c *Coordinator[E]) Pending() int {
	return len(c.pending)
}

// Buffered returns the number of messages held until the coordinator settles.
func (c *Coordinator[E]) Buffered() int {
	return len(c.buffer)
}

// Logger returns the coordinator's logger, scoped to the entity.
func (c *Coordinator[E]) Logger() *slog.Logger {
	return c.logger
}

// Start sends the initial Recover. Calling it again has no effect.
func (c *Coordinator[E]) Start() {
	if c.started {
		return
	}
	c.started = true
	c.resync()
}

// Deliver processes msg in a single turn. Messages released from the buffer
// during the turn are processed before Deliver returns. A Deliver call made
// from inside a turn is queued behind it.
func (c *Coordinator[E]) Deliver(msg any) {
	c.replay = append(c.replay, msg)
	if c.delivering {
		return
	}

	c.delivering = true
	defer func() { c.delivering = false }()

	for len(c.replay) > 0 {
		next := c.replay[0]
		c.replay[0] = nil
		c.replay = c.replay[1:]
		c.dispatch(next)
	}
}

// Persist stores entity. With an absent snapshot it sends Create, otherwise
// Update. onComplete runs with the persisted value on success; it never runs
// on failure. Returns ErrNotSettled if a command is already outstanding.
func (c *Coordinator[E]) Persist(entity E, onComplete func(E), opts ...InvocationOption) error {
	if c.state != StateSettled {
		return fmt.Errorf("persist %s %s: %w (state %s)", c.kind, c.id, ErrNotSettled, c.state)
	}

	if !c.present {
		c.enqueue(OpCreate, onComplete, opts)
		c.state = StateCreating
		c.send(protocol.Create, entity)
		return nil
	}

	c.enqueue(OpUpdate, onComplete, opts)
	c.state = StateUpdating
	c.send(protocol.Update, entity)
	return nil
}

// Remove deletes the persisted entity. onComplete runs with the removed value
// on success. With an absent snapshot nothing is queued or sent and
// ErrEntityAbsent is returned. Returns ErrNotSettled if a command is already
// outstanding.
func (c *Coordinator[E]) Remove(entity E, onComplete func(E), opts ...InvocationOption) error {
	if c.state != StateSettled {
		return fmt.Errorf("remove %s %s: %w (state %s)", c.kind, c.id, ErrNotSettled, c.state)
	}
	if !c.present {
		return fmt.Errorf("remove %s %s: %w", c.kind, c.id, ErrEntityAbsent)
	}

	c.enqueue(OpRemove, onComplete, opts)
	c.state = StateRemoving
	c.send(protocol.Remove, entity)
	return nil
}

// Abort answers everything the coordinator still owes once it will process
// no further messages. Pending invocations fail with an *OperationError
// whose cause is err, abandoned invocations get their own failure, and
// buffered or queued messages are passed to Reject.
func (c *Coordinator[E]) Abort(err error) {
	pending := c.pending
	c.pending = nil
	for _, inv := range pending {
		if inv.onFailure != nil {
			inv.onFailure(c.operationError(inv.op, err, false))
		}
	}
	c.signalAbandoned()

	msgs := append(c.buffer, c.replay...)
	c.buffer, c.replay = nil, nil
	for _, msg := range msgs {
		c.Reject(msg, err)
	}
}

// Reject tells the behavior that msg will not be processed, if the behavior
// implements Rejecter. Persistence responses are dropped.
func (c *Coordinator[E]) Reject(msg any, err error) {
	if _, isResponse := msg.(protocol.Response[E]); isResponse {
		return
	}
	if r, ok := c.behavior.(Rejecter); ok {
		r.Reject(msg, err)
		return
	}
	c.logger.Debug("discarding message", "message_type", fmt.Sprintf("%T", msg), "error", err)
}

func (c *Coordinator[E]) dispatch(msg any) {
	resp, isResponse := msg.(protocol.Response[E])

	if c.state == StateSettled {
		if isResponse {
			c.logger.Warn("dropping unmatched persistence response",
				"response", resp.Kind.String(), "seq", resp.Seq)
			return
		}
		c.behavior.Receive(c, msg)
		return
	}

	if isResponse && resp.ID == c.id && resp.Seq == c.outstanding.Seq {
		if step, ok := c.table[dispatchKey{c.state, resp.Kind}]; ok {
			step(c, resp)
			return
		}
	}

	c.buffer = append(c.buffer, msg)
}

func (c *Coordinator[E]) recovered(resp protocol.Response[E]) {
	if resp.Present {
		c.setPresent(resp.Entity)
	} else {
		c.setAbsent()
	}
	c.settle()
	c.signalAbandoned()
}

func (c *Coordinator[E]) recoveryFailed(resp protocol.Response[E]) {
	c.settle()
	c.runHook("recovery", c.hooks.OnRecoveryFailure, resp.Cause)
	c.signalAbandoned()
}

func (c *Coordinator[E]) created(resp protocol.Response[E]) {
	c.setPresent(resp.Entity)
	c.settle()
	c.complete(resp.Entity)
}

func (c *Coordinator[E]) createFailed(resp protocol.Response[E]) {
	c.setAbsent()
	c.settle()
	c.runHook("persist", c.hooks.OnPersistFailure, resp.Cause)

	inv, ok := c.dequeue()
	if ok && inv.onFailure != nil {
		inv.onFailure(c.operationError(inv.op, resp.Cause, false))
	}
}

func (c *Coordinator[E]) updated(resp protocol.Response[E]) {
	c.setPresent(resp.Entity)
	c.settle()
	c.complete(resp.Entity)
}

func (c *Coordinator[E]) updateFailed(resp protocol.Response[E]) {
	c.abandon(resp.Cause)
	c.resync()
	c.runHook("persist", c.hooks.OnPersistFailure, resp.Cause)
}

func (c *Coordinator[E]) removed(resp protocol.Response[E]) {
	c.setAbsent()
	c.settle()
	c.complete(resp.Entity)
}

func (c *Coordinator[E]) removeFailed(resp protocol.Response[E]) {
	c.abandon(resp.Cause)
	c.resync()
	c.runHook("remove", c.hooks.OnRemoveFailure, resp.Cause)
}

func (c *Coordinator[E]) setPresent(entity E) {
	c.entity = entity
	c.present = true
}

func (c *Coordinator[E]) setAbsent() {
	var zero E
	c.entity = zero
	c.present = false
}

// settle ends the transient state and schedules the buffer for replay ahead
// of anything delivered after the response.
func (c *Coordinator[E]) settle() {
	c.state = StateSettled
	c.outstanding = protocol.Command[E]{}
	if len(c.buffer) > 0 {
		c.replay = append(c.buffer, c.replay...)
		c.buffer = nil
	}
}

func (c *Coordinator[E]) resync() {
	var zero E
	c.state = StateRecovering
	c.send(protocol.Recover, zero)
}

func (c *Coordinator[E]) send(kind protocol.CommandKind, entity E) {
	cmd := protocol.Command[E]{
		Kind:   kind,
		ID:     c.id,
		Seq:    c.clock.Next(),
		Entity: entity,
	}
	c.outstanding = cmd
	c.logger.Debug("sending persistence command", "command", kind.String(), "seq", cmd.Seq)
	c.collab.Send(cmd, c.reply)
}

func (c *Coordinator[E]) enqueue(op Op, onComplete func(E), opts []InvocationOption) {
	inv := pendingInvocation[E]{invocation: invocation{op: op}, onSuccess: onComplete}
	for _, opt := range opts {
		opt(&inv.invocation)
	}
	c.pending = append(c.pending, inv)
}

func (c *Coordinator[E]) dequeue() (pendingInvocation[E], bool) {
	if len(c.pending) == 0 {
		c.logger.Error("persistence response with no pending invocation")
		return pendingInvocation[E]{}, false
	}
	inv := c.pending[0]
	c.pending[0] = pendingInvocation[E]{}
	c.pending = c.pending[1:]
	return inv, true
}

func (c *Coordinator[E]) complete(entity E) {
	inv, ok := c.dequeue()
	if ok && inv.onSuccess != nil {
		inv.onSuccess(entity)
	}
}

// abandon dequeues the failed invocation; its failure callback runs after the
// follow-up recovery settles.
func (c *Coordinator[E]) abandon(cause error) {
	inv, ok := c.dequeue()
	if !ok {
		return
	}
	c.abandoned = append(c.abandoned, abandonedInvocation[E]{
		pendingInvocation: inv,
		err:               c.operationError(inv.op, cause, true),
	})
}

func (c *Coordinator[E]) signalAbandoned() {
	abandoned := c.abandoned
	c.abandoned = nil
	for _, a := range abandoned {
		if a.onFailure != nil {
			a.onFailure(a.err)
		}
	}
}

func (c *Coordinator[E]) operationError(op Op, cause error, resynced bool) error {
	return &OperationError{
		Op:             op,
		Kind:           c.kind,
		ID:             c.id,
		Resynchronized: resynced,
		Cause:          cause,
	}
}

func (c *Coordinator[E]) runHook(name string, hook func(error), cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("failure hook panicked", "hook", name, "panic", r)
		}
	}()
	hook(cause)
}
