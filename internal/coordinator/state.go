package coordinator

import (
	"fmt"

	"github.com/roach88/custodian/internal/protocol"
)

// State is the coordinator's current mode.
type State int

const (
	// StateSettled means no command is outstanding; new operations are accepted.
	StateSettled State = iota
	// StateRecovering waits for a Recover answer.
	StateRecovering
	// StateCreating waits for a Create answer.
	StateCreating
	// StateUpdating waits for an Update answer.
	StateUpdating
	// StateRemoving waits for a Remove answer.
	StateRemoving
)

func (s State) String() string {
	switch s {
	case StateSettled:
		return "settled"
	case StateRecovering:
		return "recovering"
	case StateCreating:
		return "creating"
	case StateUpdating:
		return "updating"
	case StateRemoving:
		return "removing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transient reports whether a command is outstanding in this state.
func (s State) Transient() bool {
	return s != StateSettled
}

type dispatchKey struct {
	state State
	kind  protocol.ResponseKind
}

type transition[E any] func(c *Coordinator[E], resp protocol.Response[E])

// transitions is the complete dispatch table. A (state, kind) pair that is
// missing here is not a match and the message is buffered.
func transitions[E any]() map[dispatchKey]transition[E] {
	return map[dispatchKey]transition[E]{
		{StateRecovering, protocol.RecoverySuccess}: (*Coordinator[E]).recovered,
		{StateRecovering, protocol.RecoveryFailure}: (*Coordinator[E]).recoveryFailed,
		{StateCreating, protocol.CreateSuccess}:     (*Coordinator[E]).created,
		{StateCreating, protocol.CreateFailure}:     (*Coordinator[E]).createFailed,
		{StateUpdating, protocol.UpdateSuccess}:     (*Coordinator[E]).updated,
		{StateUpdating, protocol.UpdateFailure}:     (*Coordinator[E]).updateFailed,
		{StateRemoving, protocol.RemoveSuccess}:     (*Coordinator[E]).removed,
		{StateRemoving, protocol.RemoveFailure}:     (*Coordinator[E]).removeFailed,
	}
}
