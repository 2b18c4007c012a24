// Package coordinator implements the per-identity durable entity coordinator.
//
// A Coordinator owns the in-memory snapshot of one entity and serializes every
// mutation of it through a persistence collaborator. At most one persistence
// command is outstanding per coordinator at any instant.
//
// ARCHITECTURE:
//
// Single-Threaded Turns:
// A coordinator processes one message at a time (Deliver). Persist and Remove
// are only called from inside a turn, normally from a Behavior's Receive or
// from a completion callback, so the coordinator needs no locks. Worker runs a
// coordinator on its own goroutine fed by a FIFO mailbox.
//
// States:
//
//	Recovering --RecoverySuccess/RecoveryFailure--> Settled
//	Settled    --Persist (absent)-->  Creating --Create*--> Settled
//	Settled    --Persist (present)--> Updating --UpdateSuccess--> Settled
//	                                           --UpdateFailure--> Recovering
//	Settled    --Remove (present)-->  Removing --RemoveSuccess--> Settled
//	                                           --RemoveFailure--> Recovering
//
// Transitions live in an explicit dispatch table keyed by (state, response
// kind). There is no behavior stack: returning to Settled is an assignment.
//
// Buffering:
// While a command is outstanding, every message that is not the matching
// response is appended to the buffer. When the transient state ends the buffer
// is replayed in arrival order, within the same turn, before any message that
// arrives later. A replayed message may start a new operation; the rest of the
// replay is then buffered again behind it.
//
// Correlation:
// Commands carry a per-coordinator sequence number. A response only matches
// when its identity and sequence equal those of the outstanding command, so a
// late answer to an earlier command can never complete a newer one. Unmatched
// responses are buffered like any other message and dropped with a warning
// once released into Settled.
//
// Failures:
//   - RecoveryFailure keeps the previous snapshot and settles.
//   - CreateFailure resets the snapshot to absent and settles.
//   - UpdateFailure and RemoveFailure resynchronize with a fresh Recover.
//
// The failed invocation is always dequeued; its success callback never runs.
// If the caller registered OnFailure, it receives an *OperationError once the
// coordinator is Settled again. Failure hooks (Hooks) are observers only.
package coordinator
