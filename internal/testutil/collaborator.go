package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/custodian/internal/protocol"
)

// RecordingCollaborator records every command it receives and lets a test
// answer them by hand.
//
// It also counts protocol violations: a command sent while an earlier one is
// still unanswered.
type RecordingCollaborator[E any] struct {
	mu          sync.Mutex
	commands    []protocol.Command[E]
	replies     []protocol.Replier[E]
	outstanding bool
	violations  int
}

// NewRecordingCollaborator creates an empty recorder.
func NewRecordingCollaborator[E any]() *RecordingCollaborator[E] {
	return &RecordingCollaborator[E]{}
}

// Send implements protocol.Collaborator.
func (r *RecordingCollaborator[E]) Send(cmd protocol.Command[E], reply protocol.Replier[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding {
		r.violations++
	}
	r.outstanding = true
	r.commands = append(r.commands, cmd)
	r.replies = append(r.replies, reply)
}

// Commands returns a copy of every command received so far.
func (r *RecordingCollaborator[E]) Commands() []protocol.Command[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Command[E], len(r.commands))
	copy(out, r.commands)
	return out
}

// Kinds returns the kinds of every command received so far.
func (r *RecordingCollaborator[E]) Kinds() []protocol.CommandKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.CommandKind, len(r.commands))
	for i, cmd := range r.commands {
		out[i] = cmd.Kind
	}
	return out
}

// Last returns the most recent command. Panics if none was received.
func (r *RecordingCollaborator[E]) Last() protocol.Command[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		panic("testutil: no command recorded")
	}
	return r.commands[len(r.commands)-1]
}

// Outstanding reports whether the most recent command is unanswered.
func (r *RecordingCollaborator[E]) Outstanding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Violations returns how many commands arrived while another was outstanding.
func (r *RecordingCollaborator[E]) Violations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violations
}

// Respond answers the most recent command with resp built by fn.
// The reply runs outside the lock so the coordinator may send again.
func (r *RecordingCollaborator[E]) Respond(fn func(cmd protocol.Command[E]) protocol.Response[E]) {
	r.mu.Lock()
	if len(r.commands) == 0 {
		r.mu.Unlock()
		panic("testutil: respond with no command recorded")
	}
	cmd := r.commands[len(r.commands)-1]
	reply := r.replies[len(r.replies)-1]
	r.outstanding = false
	r.mu.Unlock()

	reply(fn(cmd))
}

// Succeed answers the most recent command with its success response.
func (r *RecordingCollaborator[E]) Succeed(entity E) {
	r.Respond(func(cmd protocol.Command[E]) protocol.Response[E] {
		return cmd.Success(entity)
	})
}

// SucceedAbsent answers the most recent Recover with an absent entity.
func (r *RecordingCollaborator[E]) SucceedAbsent() {
	r.Respond(func(cmd protocol.Command[E]) protocol.Response[E] {
		return cmd.Absent()
	})
}

// Fail answers the most recent command with its failure response.
func (r *RecordingCollaborator[E]) Fail(cause error) {
	r.Respond(func(cmd protocol.Command[E]) protocol.Response[E] {
		return cmd.Failure(cause)
	})
}

// ReplyTo delivers resp through the reply function of command n (0-based),
// without touching the outstanding flag. Used to inject stale responses.
func (r *RecordingCollaborator[E]) ReplyTo(n int, resp protocol.Response[E]) {
	r.mu.Lock()
	if n < 0 || n >= len(r.replies) {
		r.mu.Unlock()
		panic(fmt.Sprintf("testutil: no command %d recorded", n))
	}
	reply := r.replies[n]
	r.mu.Unlock()

	reply(resp)
}
