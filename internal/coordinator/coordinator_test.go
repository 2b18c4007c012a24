package coordinator

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custodian/internal/protocol"
	"github.com/roach88/custodian/internal/testutil"
)

// Test messages understood by scriptBehavior.
type note struct{ tag string }

type put struct{ value string }

type del struct{}

type forward struct{ msg any }

// script records what the owner observes: behavior messages, completions,
// failures and persist/remove errors, in order.
type script struct {
	events []string
	errs   []error
}

func (s *script) behavior() Behavior[string] {
	return BehaviorFunc[string](func(c *Coordinator[string], msg any) {
		switch m := msg.(type) {
		case note:
			s.events = append(s.events, "note:"+m.tag)
		case put:
			err := c.Persist(m.value,
				func(v string) { s.events = append(s.events, "done:"+v) },
				OnFailure(func(err error) {
					s.events = append(s.events, "failed:"+m.value)
					s.errs = append(s.errs, err)
				}),
			)
			if err != nil {
				s.errs = append(s.errs, err)
			}
		case del:
			current, _ := c.Entity()
			err := c.Remove(current,
				func(v string) { s.events = append(s.events, "removed:"+v) },
				OnFailure(func(err error) {
					s.events = append(s.events, "remove-failed")
					s.errs = append(s.errs, err)
				}),
			)
			if err != nil {
				s.errs = append(s.errs, err)
			}
		case forward:
			c.Deliver(m.msg)
			s.events = append(s.events, "forwarded")
		}
	})
}

type hookCalls struct {
	persist  []error
	remove   []error
	recovery []error
}

func (h *hookCalls) hooks() Hooks {
	return Hooks{
		OnPersistFailure:  func(err error) { h.persist = append(h.persist, err) },
		OnRemoveFailure:   func(err error) { h.remove = append(h.remove, err) },
		OnRecoveryFailure: func(err error) { h.recovery = append(h.recovery, err) },
	}
}

type fixture struct {
	coord *Coordinator[string]
	rec   *testutil.RecordingCollaborator[string]
	s     *script
	hooks *hookCalls
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		rec:   testutil.NewRecordingCollaborator[string](),
		s:     &script{},
		hooks: &hookCalls{},
	}
	all := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithHooks(f.hooks.hooks()),
		WithKind("note"),
	}
	all = append(all, opts...)
	f.coord = New(testutil.ID(1), f.s.behavior(), f.rec, all...)
	return f
}

// settledWith starts the coordinator and answers the recovery.
func settledWith(t *testing.T, value string) *fixture {
	t.Helper()
	f := newFixture(t)
	f.coord.Start()
	if value == "" {
		f.rec.SucceedAbsent()
	} else {
		f.rec.Succeed(value)
	}
	require.Equal(t, StateSettled, f.coord.State())
	return f
}

func TestNew_StartsRecovering(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, StateRecovering, f.coord.State())
	_, present := f.coord.Entity()
	assert.False(t, present)
	assert.Empty(t, f.rec.Commands(), "nothing is sent before Start")
	assert.Equal(t, "note", f.coord.Kind())
	assert.Equal(t, testutil.ID(1), f.coord.ID())
}

func TestStart_SendsRecoverOnce(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	f.coord.Start()

	cmds := f.rec.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.Recover, cmds[0].Kind)
	assert.Equal(t, testutil.ID(1), cmds[0].ID)
	assert.Equal(t, int64(1), cmds[0].Seq)
}

func TestDefaultKind_IsGoTypeName(t *testing.T) {
	c := New[string](testutil.ID(1), BehaviorFunc[string](func(*Coordinator[string], any) {}),
		testutil.NewRecordingCollaborator[string]())
	assert.Equal(t, "string", c.Kind())
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name        string
		respond     func(r *testutil.RecordingCollaborator[string])
		wantEntity  string
		wantPresent bool
		wantHook    bool
	}{
		{
			name:        "present",
			respond:     func(r *testutil.RecordingCollaborator[string]) { r.Succeed("v1") },
			wantEntity:  "v1",
			wantPresent: true,
		},
		{
			name:    "absent",
			respond: func(r *testutil.RecordingCollaborator[string]) { r.SucceedAbsent() },
		},
		{
			name:     "failure keeps snapshot",
			respond:  func(r *testutil.RecordingCollaborator[string]) { r.Fail(errors.New("disk on fire")) },
			wantHook: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.coord.Start()
			tt.respond(f.rec)

			assert.Equal(t, StateSettled, f.coord.State())
			entity, present := f.coord.Entity()
			assert.Equal(t, tt.wantEntity, entity)
			assert.Equal(t, tt.wantPresent, present)
			if tt.wantHook {
				require.Len(t, f.hooks.recovery, 1)
				assert.EqualError(t, f.hooks.recovery[0], "disk on fire")
			} else {
				assert.Empty(t, f.hooks.recovery)
			}
		})
	}
}

func TestPersist_SelectsCreateOrUpdate(t *testing.T) {
	t.Run("absent snapshot creates", func(t *testing.T) {
		f := settledWith(t, "")
		f.coord.Deliver(put{"a"})

		assert.Equal(t, StateCreating, f.coord.State())
		assert.Equal(t, protocol.Create, f.rec.Last().Kind)
		assert.Equal(t, "a", f.rec.Last().Entity)
		assert.Equal(t, 1, f.coord.Pending())
	})

	t.Run("present snapshot updates", func(t *testing.T) {
		f := settledWith(t, "a")
		f.coord.Deliver(put{"b"})

		assert.Equal(t, StateUpdating, f.coord.State())
		assert.Equal(t, protocol.Update, f.rec.Last().Kind)
		assert.Equal(t, "b", f.rec.Last().Entity)
	})
}

func TestCreateSuccess(t *testing.T) {
	f := settledWith(t, "")
	f.coord.Deliver(put{"a"})
	f.rec.Succeed("a")

	assert.Equal(t, StateSettled, f.coord.State())
	entity, present := f.coord.Entity()
	assert.True(t, present)
	assert.Equal(t, "a", entity)
	assert.Equal(t, []string{"done:a"}, f.s.events)
	assert.Equal(t, 0, f.coord.Pending())
}

func TestCreateFailure(t *testing.T) {
	f := settledWith(t, "")
	f.coord.Deliver(put{"a"})
	f.rec.Fail(errors.New("constraint"))

	assert.Equal(t, StateSettled, f.coord.State())
	_, present := f.coord.Entity()
	assert.False(t, present)
	assert.Equal(t, 0, f.coord.Pending())
	require.Len(t, f.hooks.persist, 1)
	assert.EqualError(t, f.hooks.persist[0], "constraint")

	assert.Equal(t, []string{"failed:a"}, f.s.events, "success callback must not run")
	require.Len(t, f.s.errs, 1)
	var oe *OperationError
	require.ErrorAs(t, f.s.errs[0], &oe)
	assert.Equal(t, OpCreate, oe.Op)
	assert.False(t, oe.Resynchronized)
	assert.True(t, IsOperationError(f.s.errs[0], OpCreate))
	assert.EqualError(t, errors.Unwrap(f.s.errs[0]), "constraint")

	// Nothing further is sent after a create failure.
	assert.Equal(t, []protocol.CommandKind{protocol.Recover, protocol.Create}, f.rec.Kinds())
}

func TestUpdateSuccess(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(put{"b"})
	f.rec.Succeed("b")

	entity, _ := f.coord.Entity()
	assert.Equal(t, "b", entity)
	assert.Equal(t, StateSettled, f.coord.State())
	assert.Equal(t, []string{"done:b"}, f.s.events)
}

func TestUpdateFailure_ResynchronizesThenFails(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(put{"b"})
	f.rec.Fail(errors.New("timeout"))

	assert.Equal(t, StateRecovering, f.coord.State())
	assert.Equal(t, protocol.Recover, f.rec.Last().Kind)
	require.Len(t, f.hooks.persist, 1)
	assert.Equal(t, 0, f.coord.Pending(), "failed invocation leaves the queue at failure time")
	assert.Empty(t, f.s.events, "failure callback waits for recovery")

	f.rec.Succeed("a")

	assert.Equal(t, StateSettled, f.coord.State())
	entity, _ := f.coord.Entity()
	assert.Equal(t, "a", entity)
	assert.Equal(t, []string{"failed:b"}, f.s.events)
	require.Len(t, f.s.errs, 1)
	assert.True(t, IsOperationError(f.s.errs[0], OpUpdate))
	var oe *OperationError
	require.ErrorAs(t, f.s.errs[0], &oe)
	assert.True(t, oe.Resynchronized)
	assert.Contains(t, oe.Error(), "state resynchronized")
}

func TestUpdateFailure_CallbackNotReusedByLaterOperation(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(put{"b"})
	f.rec.Fail(errors.New("timeout"))
	f.rec.Succeed("a")

	f.coord.Deliver(put{"c"})
	f.rec.Succeed("c")

	assert.Equal(t, []string{"failed:b", "done:c"}, f.s.events)
	assert.Equal(t, 0, f.coord.Pending())
}

func TestUpdateFailure_RecoveryFailureStillSignals(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(put{"b"})
	f.rec.Fail(errors.New("timeout"))
	f.rec.Fail(errors.New("still down"))

	assert.Equal(t, StateSettled, f.coord.State())
	entity, present := f.coord.Entity()
	assert.True(t, present)
	assert.Equal(t, "a", entity, "snapshot unchanged by recovery failure")
	assert.Len(t, f.hooks.recovery, 1)
	assert.Equal(t, []string{"failed:b"}, f.s.events)
}

func TestRemoveSuccess(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(del{})

	assert.Equal(t, StateRemoving, f.coord.State())
	assert.Equal(t, protocol.Remove, f.rec.Last().Kind)
	assert.Equal(t, "a", f.rec.Last().Entity)

	f.rec.Succeed("a")

	assert.Equal(t, StateSettled, f.coord.State())
	_, present := f.coord.Entity()
	assert.False(t, present)
	assert.Equal(t, []string{"removed:a"}, f.s.events)
}

func TestRemoveFailure_ResynchronizesThenFails(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(del{})
	f.rec.Fail(errors.New("locked"))

	assert.Equal(t, StateRecovering, f.coord.State())
	require.Len(t, f.hooks.remove, 1)
	assert.EqualError(t, f.hooks.remove[0], "locked")
	assert.Empty(t, f.hooks.persist)

	f.rec.Succeed("a")

	assert.Equal(t, []string{"remove-failed"}, f.s.events)
	require.Len(t, f.s.errs, 1)
	assert.True(t, IsOperationError(f.s.errs[0], OpRemove))
	assert.Equal(t, 0, f.coord.Pending())
}

func TestRemove_AbsentSnapshot(t *testing.T) {
	f := settledWith(t, "")
	f.coord.Deliver(del{})

	assert.Equal(t, StateSettled, f.coord.State())
	assert.Equal(t, 0, f.coord.Pending())
	assert.Equal(t, []protocol.CommandKind{protocol.Recover}, f.rec.Kinds())
	require.Len(t, f.s.errs, 1)
	assert.ErrorIs(t, f.s.errs[0], ErrEntityAbsent)
}

func TestPersist_NotSettled(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()

	err := f.coord.Persist("a", nil)
	assert.ErrorIs(t, err, ErrNotSettled)
	err = f.coord.Remove("a", nil)
	assert.ErrorIs(t, err, ErrNotSettled)
	assert.Equal(t, 0, f.coord.Pending())
	assert.Len(t, f.rec.Commands(), 1)
}

func TestBuffering_ReplaysInArrivalOrder(t *testing.T) {
	transient := []struct {
		name  string
		setup func(f *fixture)
		done  func(f *fixture)
		first string
	}{
		{
			name:  "recovering",
			setup: func(f *fixture) {},
			done:  func(f *fixture) { f.rec.SucceedAbsent() },
		},
		{
			name:  "creating",
			setup: func(f *fixture) { f.rec.SucceedAbsent(); f.coord.Deliver(put{"a"}) },
			done:  func(f *fixture) { f.rec.Succeed("a") },
			first: "done:a",
		},
		{
			name:  "updating",
			setup: func(f *fixture) { f.rec.Succeed("a"); f.coord.Deliver(put{"b"}) },
			done:  func(f *fixture) { f.rec.Succeed("b") },
			first: "done:b",
		},
		{
			name:  "removing",
			setup: func(f *fixture) { f.rec.Succeed("a"); f.coord.Deliver(del{}) },
			done:  func(f *fixture) { f.rec.Succeed("a") },
			first: "removed:a",
		},
	}

	for _, tt := range transient {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.coord.Start()
			tt.setup(f)
			require.True(t, f.coord.State().Transient())

			f.coord.Deliver(note{"1"})
			f.coord.Deliver(note{"2"})
			f.coord.Deliver(note{"3"})
			assert.Equal(t, 3, f.coord.Buffered())
			assert.NotContains(t, f.s.events, "note:1")

			tt.done(f)

			want := []string{"note:1", "note:2", "note:3"}
			if tt.first != "" {
				want = append([]string{tt.first}, want...)
			}
			assert.Equal(t, want, f.s.events)
			assert.Equal(t, 0, f.coord.Buffered())
			assert.Equal(t, StateSettled, f.coord.State())
		})
	}
}

func TestBuffering_ReplayedPersistRebuffersRest(t *testing.T) {
	f := settledWith(t, "")
	f.coord.Deliver(put{"a"})
	f.coord.Deliver(put{"b"})
	f.coord.Deliver(note{"after-b"})

	f.rec.Succeed("a")

	// put{b} was replayed and started an Update; the note is buffered again.
	assert.Equal(t, StateUpdating, f.coord.State())
	assert.Equal(t, "b", f.rec.Last().Entity)
	assert.Equal(t, 1, f.coord.Buffered())

	f.rec.Succeed("b")

	assert.Equal(t, []string{"done:a", "done:b", "note:after-b"}, f.s.events)
	assert.Equal(t, 0, f.rec.Violations())
	assert.Empty(t, f.s.errs)
}

func TestMismatchedResponse_IsBufferedThenDropped(t *testing.T) {
	f := settledWith(t, "a")
	f.coord.Deliver(put{"b"})

	// A success for the wrong kind and a stale sequence number.
	update := f.rec.Last()
	f.rec.ReplyTo(1, update.Respond(protocol.RemoveSuccess, "b", true, nil))
	f.rec.ReplyTo(1, protocol.Response[string]{Kind: protocol.UpdateSuccess, ID: update.ID, Seq: update.Seq - 1, Entity: "zzz"})
	f.rec.ReplyTo(1, protocol.Response[string]{Kind: protocol.UpdateSuccess, ID: testutil.ID(2), Seq: update.Seq, Entity: "zzz"})

	assert.Equal(t, StateUpdating, f.coord.State())
	assert.Equal(t, 3, f.coord.Buffered())

	f.rec.Succeed("b")

	entity, _ := f.coord.Entity()
	assert.Equal(t, "b", entity)
	assert.Equal(t, 0, f.coord.Buffered())
	assert.Equal(t, []string{"done:b"}, f.s.events)
}

func TestReentrantDeliver_RunsAfterTurn(t *testing.T) {
	f := settledWith(t, "")
	f.coord.Deliver(forward{note{"inner"}})

	assert.Equal(t, []string{"forwarded", "note:inner"}, f.s.events)
}

func TestAtMostOneOutstandingCommand(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	f.coord.Deliver(put{"a"})
	f.coord.Deliver(put{"b"})
	f.coord.Deliver(del{})
	f.coord.Deliver(put{"c"})

	f.rec.SucceedAbsent()
	f.rec.Succeed("a")
	f.rec.Succeed("b")
	f.rec.Fail(errors.New("remove failed"))
	f.rec.Succeed("b")
	f.rec.Succeed("c")

	assert.Equal(t, 0, f.rec.Violations())
	assert.Equal(t, []protocol.CommandKind{
		protocol.Recover, protocol.Create, protocol.Update, protocol.Remove,
		protocol.Recover, protocol.Update,
	}, f.rec.Kinds())
	assert.Equal(t, []string{"done:a", "done:b", "remove-failed", "done:c"}, f.s.events)

	seqs := make([]int64, 0)
	for _, cmd := range f.rec.Commands() {
		seqs = append(seqs, cmd.Seq)
	}
	assert.IsIncreasing(t, seqs)
}

func TestEndToEnd_CreateUpdateRemove(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	f.rec.SucceedAbsent()

	f.coord.Deliver(put{"x1"})
	f.coord.Deliver(note{"while-creating"})
	f.rec.Succeed("x1")

	f.coord.Deliver(put{"x2"})
	f.rec.Succeed("x2")

	f.coord.Deliver(del{})
	f.coord.Deliver(note{"while-removing"})
	f.rec.Succeed("x2")

	f.coord.Deliver(put{"x3"})
	assert.Equal(t, protocol.Create, f.rec.Last().Kind, "removed entity is recreated")
	f.rec.Succeed("x3")

	assert.Equal(t, []string{
		"done:x1", "note:while-creating",
		"done:x2",
		"removed:x2", "note:while-removing",
		"done:x3",
	}, f.s.events)
	entity, present := f.coord.Entity()
	assert.True(t, present)
	assert.Equal(t, "x3", entity)
}

func TestHookPanic_IsContained(t *testing.T) {
	var logs bytes.Buffer
	f := newFixture(t,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithHooks(Hooks{OnRecoveryFailure: func(error) { panic("hook exploded") }}),
	)
	f.coord.Start()
	f.coord.Deliver(note{"buffered"})

	assert.NotPanics(t, func() { f.rec.Fail(errors.New("down")) })
	assert.Equal(t, StateSettled, f.coord.State())
	assert.Equal(t, []string{"note:buffered"}, f.s.events)
	assert.Contains(t, logs.String(), "failure hook panicked")
}

func TestDefaultHooks_LogCause(t *testing.T) {
	var logs bytes.Buffer
	f := newFixture(t,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithHooks(Hooks{}),
	)
	f.coord.Start()
	f.rec.Succeed("a")
	f.coord.Deliver(put{"b"})
	f.rec.Fail(errors.New("quota exceeded"))

	out := logs.String()
	assert.Contains(t, out, "failed to persist entity")
	assert.Contains(t, out, "quota exceeded")
	assert.Contains(t, out, "entity_kind=note")
	assert.Contains(t, out, testutil.ID(1).String())
}

func TestWithClock_StampsSequence(t *testing.T) {
	f := newFixture(t, WithClock(NewClockAt(41)))
	f.coord.Start()
	assert.Equal(t, int64(42), f.rec.Last().Seq)
}

// syncCollab answers every command before Send returns.
type syncCollab struct{}

func (syncCollab) Send(cmd protocol.Command[string], reply protocol.Replier[string]) {
	if cmd.Kind == protocol.Recover {
		reply(cmd.Absent())
		return
	}
	reply(cmd.Success(cmd.Entity))
}

type batch struct{ msgs []any }

type writeThenNote struct {
	value string
	tag   string
}

func TestBuffering_SynchronousReplyKeepsArrivalOrder(t *testing.T) {
	var events []string
	behavior := BehaviorFunc[string](func(c *Coordinator[string], msg any) {
		switch m := msg.(type) {
		case batch:
			for _, inner := range m.msgs {
				c.Deliver(inner)
			}
		case writeThenNote:
			require.NoError(t, c.Persist(m.value, func(v string) { events = append(events, "done:"+v) }))
			c.Deliver(note{m.tag})
		case note:
			events = append(events, "note:"+m.tag)
		}
	})
	coord := New[string](testutil.ID(1), behavior, syncCollab{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	coord.Start()
	require.Equal(t, StateSettled, coord.State())

	coord.Deliver(batch{msgs: []any{
		writeThenNote{value: "a", tag: "after-write"},
		note{"queued-before-write-completed"},
	}})

	assert.Equal(t, []string{
		"done:a",
		"note:queued-before-write-completed",
		"note:after-write",
	}, events)
	assert.Equal(t, StateSettled, coord.State())
}

func TestNew_NilBehaviorIgnoresMessages(t *testing.T) {
	var logs bytes.Buffer
	rec := testutil.NewRecordingCollaborator[string]()
	coord := New[string](testutil.ID(1), nil, rec,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	coord.Start()
	rec.SucceedAbsent()

	assert.NotPanics(t, func() { coord.Deliver(note{"hello"}) })
	assert.Contains(t, logs.String(), "ignoring unknown message")
	assert.Contains(t, logs.String(), "coordinator.note")
}

// rejectingScript also answers messages the coordinator gives up on.
type rejectingScript struct {
	*script
	rejected []string
}

func (r *rejectingScript) Reject(msg any, err error) {
	if n, ok := msg.(note); ok {
		r.rejected = append(r.rejected, n.tag+":"+err.Error())
	}
}

func (r *rejectingScript) Receive(c *Coordinator[string], msg any) {
	r.script.behavior().Receive(c, msg)
}

func TestAbort_FailsPendingAndRejectsBuffer(t *testing.T) {
	rs := &rejectingScript{script: &script{}}
	rec := testutil.NewRecordingCollaborator[string]()
	coord := New[string](testutil.ID(1), rs, rec,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	coord.Start()
	rec.Succeed("a")

	coord.Deliver(put{"b"})
	coord.Deliver(note{"waiting"})
	require.Equal(t, StateUpdating, coord.State())

	coord.Abort(ErrStopped)

	assert.Equal(t, 0, coord.Pending())
	assert.Equal(t, 0, coord.Buffered())
	assert.Equal(t, []string{"failed:b"}, rs.events)
	require.Len(t, rs.errs, 1)
	assert.True(t, IsOperationError(rs.errs[0], OpUpdate))
	assert.ErrorIs(t, rs.errs[0], ErrStopped)
	assert.Equal(t, []string{"waiting:" + ErrStopped.Error()}, rs.rejected)
}

func TestReject_WithoutRejecterDiscards(t *testing.T) {
	f := settledWith(t, "a")
	assert.NotPanics(t, func() { f.coord.Reject(note{"x"}, ErrStopped) })
	assert.Empty(t, f.s.events)
}
