package coordinator

import (
	"log/slog"

	"github.com/google/uuid"
)

// Hooks observe failures. Each hook receives the collaborator's cause.
// A nil hook falls back to a structured error log. Hooks never change
// control flow; a panicking hook is recovered and logged.
type Hooks struct {
	OnPersistFailure  func(cause error)
	OnRemoveFailure   func(cause error)
	OnRecoveryFailure func(cause error)
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	hooks   Hooks
	kind    string
	clock   *Clock
	mailbox func(msg any) bool
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHooks overrides the failure hooks. Unset hooks keep the logging default.
func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithKind sets the entity type name used in logs and errors.
// Defaults to the Go type name of E.
func WithKind(kind string) Option {
	return func(o *options) {
		o.kind = kind
	}
}

// WithClock sets the sequence clock. Used by tests that need known values.
func WithClock(c *Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMailbox routes collaborator replies through fn instead of delivering
// them synchronously. Worker uses this to enqueue replies in its mailbox.
func WithMailbox(fn func(msg any) bool) Option {
	return func(o *options) {
		o.mailbox = fn
	}
}

// InvocationOption configures a single Persist or Remove call.
type InvocationOption func(*invocation)

// OnFailure registers a callback for when the operation fails. It receives an
// *OperationError and runs once the coordinator is Settled again.
func OnFailure(fn func(err error)) InvocationOption {
	return func(inv *invocation) {
		inv.onFailure = fn
	}
}

type invocation struct {
	op        Op
	onFailure func(error)
}

func defaultHooks(logger *slog.Logger, kind string, id uuid.UUID, h Hooks) Hooks {
	if h.OnPersistFailure == nil {
		h.OnPersistFailure = func(cause error) {
			logger.Error("failed to persist entity", "entity_kind", kind, "entity_id", id, "error", cause)
		}
	}
	if h.OnRemoveFailure == nil {
		h.OnRemoveFailure = func(cause error) {
			logger.Error("failed to remove entity", "entity_kind", kind, "entity_id", id, "error", cause)
		}
	}
	if h.OnRecoveryFailure == nil {
		h.OnRecoveryFailure = func(cause error) {
			logger.Error("failed to restore entity", "entity_kind", kind, "entity_id", id, "error", cause)
		}
	}
	return h
}
