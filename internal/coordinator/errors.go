package coordinator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotSettled is returned by Persist and Remove while a command is
	// outstanding.
	ErrNotSettled = errors.New("coordinator has a persistence command in flight")

	// ErrEntityAbsent is returned by Remove when there is no persisted version.
	ErrEntityAbsent = errors.New("entity has no persisted version")

	// ErrStopped is returned when a worker no longer accepts messages.
	ErrStopped = errors.New("coordinator stopped")
)

// Op names the operation an OperationError belongs to.
type Op string

const (
	// OpCreate is a Persist against an absent snapshot.
	OpCreate Op = "create"
	// OpUpdate is a Persist against a present snapshot.
	OpUpdate Op = "update"
	// OpRemove is a Remove.
	OpRemove Op = "remove"
)

// OperationError is handed to an invocation's failure callback.
type OperationError struct {
	// Op is the failed operation.
	Op Op

	// Kind is the entity type name.
	Kind string

	// ID identifies the entity.
	ID uuid.UUID

	// Resynchronized is true when the coordinator recovered from the
	// collaborator after the failure (update and remove).
	Resynchronized bool

	// Cause is the collaborator's failure cause.
	Cause error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Resynchronized {
		return fmt.Sprintf("%s %s %s failed (state resynchronized): %v", e.Op, e.Kind, e.ID, e.Cause)
	}
	return fmt.Sprintf("%s %s %s failed: %v", e.Op, e.Kind, e.ID, e.Cause)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// IsOperationError reports whether err is an OperationError for op.
// Uses errors.As to handle wrapped errors.
func IsOperationError(err error, op Op) bool {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Op == op
	}
	return false
}
