// Package protocol defines the messages exchanged between an entity
// coordinator and its persistence collaborator.
//
// The coordinator sends one of four commands (Recover, Create, Update,
// Remove). For every command the collaborator eventually answers with
// exactly one Response addressed to the commanded identity, echoing the
// command's sequence number:
//
//	Recover -> RecoverySuccess (entity or absent) | RecoveryFailure
//	Create  -> CreateSuccess | CreateFailure
//	Update  -> UpdateSuccess | UpdateFailure
//	Remove  -> RemoveSuccess (removed value)     | RemoveFailure
//
// Recovering an identity that was never created is RecoverySuccess with an
// absent entity, not a failure.
//
// Collaborators build responses through the helpers on Command (Success,
// Absent, Failure) so that the response kind always matches the command.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandKind identifies a persistence command.
type CommandKind int

const (
	// Recover asks for the last persisted version of the identity.
	Recover CommandKind = iota + 1
	// Create persists an entity that has no persisted version yet.
	Create
	// Update replaces the persisted version.
	Update
	// Remove deletes the persisted version.
	Remove
)

func (k CommandKind) String() string {
	switch k {
	case Recover:
		return "recover"
	case Create:
		return "create"
	case Update:
		return "update"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// ResponseKind identifies a collaborator response.
type ResponseKind int

const (
	RecoverySuccess ResponseKind = iota + 1
	RecoveryFailure
	CreateSuccess
	CreateFailure
	UpdateSuccess
	UpdateFailure
	RemoveSuccess
	RemoveFailure
)

var responseNames = map[ResponseKind]string{
	RecoverySuccess: "recovery_success",
	RecoveryFailure: "recovery_failure",
	CreateSuccess:   "create_success",
	CreateFailure:   "create_failure",
	UpdateSuccess:   "update_success",
	UpdateFailure:   "update_failure",
	RemoveSuccess:   "remove_success",
	RemoveFailure:   "remove_failure",
}

func (k ResponseKind) String() string {
	if name, ok := responseNames[k]; ok {
		return name
	}
	return fmt.Sprintf("response(%d)", int(k))
}

// ParseResponseKind maps a snake_case name ("update_failure") to its kind.
func ParseResponseKind(name string) (ResponseKind, error) {
	for k, n := range responseNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown response kind %q", name)
}

// IsFailure reports whether the kind carries a cause rather than an entity.
func (k ResponseKind) IsFailure() bool {
	switch k {
	case RecoveryFailure, CreateFailure, UpdateFailure, RemoveFailure:
		return true
	}
	return false
}

// Command is sent from a coordinator to its collaborator.
type Command[E any] struct {
	Kind CommandKind
	// ID is the identity the command addresses.
	ID uuid.UUID
	// Seq correlates the command with its response. It is unique per
	// coordinator instance and strictly increasing.
	Seq int64
	// Entity is the value to create, update or remove. Zero for Recover.
	Entity E
}

// Response answers exactly one Command.
type Response[E any] struct {
	Kind ResponseKind
	ID   uuid.UUID
	Seq  int64
	// Entity is the persisted value for successes. For RemoveSuccess it is
	// the removed value.
	Entity E
	// Present is false only for a RecoverySuccess of an identity with no
	// persisted version.
	Present bool
	// Cause is set for failures.
	Cause error
}

// Replier delivers a response back to the coordinator that sent a command.
// Implementations must not block the caller.
type Replier[E any] func(Response[E])

// Collaborator executes commands against durable storage.
//
// Send must not block: it hands the command off and returns. The collaborator
// then calls reply exactly once, from any goroutine.
type Collaborator[E any] interface {
	Send(cmd Command[E], reply Replier[E])
}

// RecoverCommand builds a Recover command.
func RecoverCommand[E any](id uuid.UUID, seq int64) Command[E] {
	return Command[E]{Kind: Recover, ID: id, Seq: seq}
}

// Success builds the success response matching the command. For Recover the
// entity is reported as present.
func (c Command[E]) Success(entity E) Response[E] {
	return Response[E]{
		Kind:    successKind(c.Kind),
		ID:      c.ID,
		Seq:     c.Seq,
		Entity:  entity,
		Present: true,
	}
}

// Absent builds a RecoverySuccess with no entity. It is only meaningful for
// Recover commands; any other command kind yields its failure response.
func (c Command[E]) Absent() Response[E] {
	if c.Kind != Recover {
		return c.Failure(fmt.Errorf("absent result for %s command", c.Kind))
	}
	return Response[E]{Kind: RecoverySuccess, ID: c.ID, Seq: c.Seq}
}

// Failure builds the failure response matching the command.
func (c Command[E]) Failure(cause error) Response[E] {
	return Response[E]{
		Kind:  failureKind(c.Kind),
		ID:    c.ID,
		Seq:   c.Seq,
		Cause: cause,
	}
}

// Respond builds an arbitrary response kind correlated with the command.
// Used by test harnesses that script out-of-order or mismatched responses.
func (c Command[E]) Respond(kind ResponseKind, entity E, present bool, cause error) Response[E] {
	return Response[E]{
		Kind:    kind,
		ID:      c.ID,
		Seq:     c.Seq,
		Entity:  entity,
		Present: present,
		Cause:   cause,
	}
}

func successKind(k CommandKind) ResponseKind {
	switch k {
	case Recover:
		return RecoverySuccess
	case Create:
		return CreateSuccess
	case Update:
		return UpdateSuccess
	case Remove:
		return RemoveSuccess
	default:
		return 0
	}
}

func failureKind(k CommandKind) ResponseKind {
	switch k {
	case Recover:
		return RecoveryFailure
	case Create:
		return CreateFailure
	case Update:
		return UpdateFailure
	case Remove:
		return RemoveFailure
	default:
		return 0
	}
}
