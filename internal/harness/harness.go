package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/custodian/internal/coordinator"
	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/protocol"
	"github.com/roach88/custodian/internal/testutil"
)

// persistMsg, removeMsg and noteMsg are the messages steps deliver. n numbers
// persist and remove requests in scenario order.
type persistMsg struct {
	n   int
	doc entity.Document
}

type removeMsg struct {
	n int
}

type noteMsg struct {
	text string
}

// Harness executes one scenario. It is the coordinator's behavior and, through
// tracingCollaborator, sees every command it sends.
type Harness struct {
	coord  *coordinator.Coordinator[entity.Document]
	collab *testutil.RecordingCollaborator[entity.Document]
	result *Result
	ops    int
}

// Run executes scenario and returns its trace. The returned error reports a
// step that could not be executed (for example answering before any command
// was sent); failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		collab: testutil.NewRecordingCollaborator[entity.Document](),
		result: NewResult(),
	}

	id := scenario.Entity
	if id == 0 {
		id = 1
	}
	h.coord = coordinator.New[entity.Document](testutil.ID(id), h, tracingCollaborator{h},
		coordinator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		coordinator.WithKind("document"),
		coordinator.WithClock(coordinator.NewClock()),
		coordinator.WithHooks(h.hooks()),
	)

	h.trace("start")
	h.coord.Start()
	h.traceState()

	for i, step := range scenario.Steps {
		if err := h.step(i+1, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		h.traceState()
	}

	h.check(scenario.Expect)
	return h.result, nil
}

// Receive implements coordinator.Behavior.
func (h *Harness) Receive(c *coordinator.Coordinator[entity.Document], msg any) {
	switch m := msg.(type) {
	case persistMsg:
		h.event("receive persist #%d", m.n)
		_ = c.Persist(m.doc,
			func(stored entity.Document) {
				h.event("complete #%d %s", m.n, render(stored))
			},
			coordinator.OnFailure(h.onFailure(m.n)),
		)

	case removeMsg:
		h.event("receive remove #%d", m.n)
		current, _ := c.Entity()
		err := c.Remove(current,
			func(removed entity.Document) {
				h.event("complete #%d %s", m.n, render(removed))
			},
			coordinator.OnFailure(h.onFailure(m.n)),
		)
		if errors.Is(err, coordinator.ErrEntityAbsent) {
			h.event("reject #%d absent", m.n)
		} else if err != nil {
			h.event("reject #%d %v", m.n, err)
		}

	case noteMsg:
		h.event("receive note %s", m.text)

	default:
		h.event("receive %T", msg)
	}
}

func (h *Harness) onFailure(n int) func(error) {
	return func(err error) {
		var oe *coordinator.OperationError
		if errors.As(err, &oe) {
			h.event("fail #%d op=%s resynchronized=%t cause=%v", n, oe.Op, oe.Resynchronized, oe.Cause)
			return
		}
		h.event("fail #%d %v", n, err)
	}
}

func (h *Harness) hooks() coordinator.Hooks {
	hook := func(name string) func(error) {
		return func(cause error) {
			h.event("hook %s cause=%v", name, cause)
		}
	}
	return coordinator.Hooks{
		OnPersistFailure:  hook("persist_failure"),
		OnRemoveFailure:   hook("remove_failure"),
		OnRecoveryFailure: hook("recovery_failure"),
	}
}

func (h *Harness) step(n int, step Step) error {
	switch {
	case step.Respond != "":
		label := "respond " + step.Respond
		if step.To != nil {
			label += fmt.Sprintf(" to=%d", *step.To)
		}
		h.trace("step %d: %s", n, label)
		return h.respond(step)

	case step.Persist != nil:
		doc, err := toDocument(step.Persist)
		if err != nil {
			return err
		}
		h.ops++
		h.trace("step %d: persist #%d %s", n, h.ops, render(doc))
		h.coord.Deliver(persistMsg{n: h.ops, doc: doc})

	case step.Remove:
		h.ops++
		h.trace("step %d: remove #%d", n, h.ops)
		h.coord.Deliver(removeMsg{n: h.ops})

	case step.Tell != "":
		h.trace("step %d: tell %s", n, step.Tell)
		h.coord.Deliver(noteMsg{text: step.Tell})
	}
	return nil
}

func (h *Harness) respond(step Step) error {
	commands := h.collab.Commands()
	if len(commands) == 0 {
		return fmt.Errorf("no command to answer")
	}
	index := len(commands) - 1
	if step.To != nil {
		index = *step.To
		if index >= len(commands) {
			return fmt.Errorf("no command %d (%d sent)", index, len(commands))
		}
	}
	cmd := commands[index]

	resp, err := buildResponse(cmd, step)
	if err != nil {
		return err
	}
	h.event("recv %s seq=%d %s", resp.Kind, resp.Seq, describe(resp))

	if step.To != nil {
		h.collab.ReplyTo(index, resp)
		return nil
	}
	h.collab.Respond(func(protocol.Command[entity.Document]) protocol.Response[entity.Document] {
		return resp
	})
	return nil
}

func buildResponse(cmd protocol.Command[entity.Document], step Step) (protocol.Response[entity.Document], error) {
	var payload entity.Document
	if step.Entity != nil {
		doc, err := toDocument(step.Entity)
		if err != nil {
			return protocol.Response[entity.Document]{}, err
		}
		payload = doc
	}
	cause := errors.New(step.Cause)
	if step.Cause == "" {
		cause = errors.New("failure")
	}

	switch step.Respond {
	case respondSuccess:
		if payload == nil {
			if cmd.Kind == protocol.Recover {
				return protocol.Response[entity.Document]{}, fmt.Errorf("success for recover needs an entity (use absent)")
			}
			payload = cmd.Entity
		}
		return cmd.Success(payload), nil
	case respondAbsent:
		return cmd.Absent(), nil
	case respondFailure:
		return cmd.Failure(cause), nil
	}

	kind, err := protocol.ParseResponseKind(step.Respond)
	if err != nil {
		return protocol.Response[entity.Document]{}, err
	}
	if kind.IsFailure() {
		return cmd.Respond(kind, nil, false, cause), nil
	}
	if payload == nil {
		payload = cmd.Entity
	}
	return cmd.Respond(kind, payload, payload != nil, nil), nil
}

func (h *Harness) check(want Expectation) {
	c := h.coord
	if want.State != "" && c.State().String() != want.State {
		h.result.AddError(fmt.Sprintf("state: expected %s, got %s", want.State, c.State()))
	}

	doc, present := c.Entity()
	if want.Present != nil && present != *want.Present {
		h.result.AddError(fmt.Sprintf("present: expected %t, got %t", *want.Present, present))
	}
	if want.Entity != nil {
		expected, _ := toDocument(want.Entity)
		if render(expected) != render(doc) || !present {
			h.result.AddError(fmt.Sprintf("entity: expected %s, got %s", render(expected), renderSnapshot(doc, present)))
		}
	}
	if want.Pending != nil && c.Pending() != *want.Pending {
		h.result.AddError(fmt.Sprintf("pending: expected %d, got %d", *want.Pending, c.Pending()))
	}
	if want.Buffered != nil && c.Buffered() != *want.Buffered {
		h.result.AddError(fmt.Sprintf("buffered: expected %d, got %d", *want.Buffered, c.Buffered()))
	}

	if want.Commands != nil {
		got := make([]string, 0, len(h.collab.Kinds()))
		for _, k := range h.collab.Kinds() {
			got = append(got, k.String())
		}
		if !slices.Equal(got, want.Commands) {
			h.result.AddError(fmt.Sprintf("commands: expected [%s], got [%s]",
				strings.Join(want.Commands, " "), strings.Join(got, " ")))
		}
	}

	if v := h.collab.Violations(); v > 0 {
		h.result.AddError(fmt.Sprintf("%d command(s) sent while another was outstanding", v))
	}
}

func (h *Harness) trace(format string, args ...any) {
	h.result.Trace = append(h.result.Trace, fmt.Sprintf(format, args...))
}

func (h *Harness) event(format string, args ...any) {
	h.trace("  "+format, args...)
}

func (h *Harness) traceState() {
	c := h.coord
	_, present := c.Entity()
	h.event("state %s present=%t pending=%d buffered=%d", c.State(), present, c.Pending(), c.Buffered())
}

// tracingCollaborator records sends in the trace before handing them to the
// recording collaborator.
type tracingCollaborator struct {
	h *Harness
}

func (t tracingCollaborator) Send(cmd protocol.Command[entity.Document], reply protocol.Replier[entity.Document]) {
	if cmd.Kind == protocol.Recover {
		t.h.event("send %s seq=%d", cmd.Kind, cmd.Seq)
	} else {
		t.h.event("send %s seq=%d %s", cmd.Kind, cmd.Seq, render(cmd.Entity))
	}
	t.h.collab.Send(cmd, reply)
}

func describe(resp protocol.Response[entity.Document]) string {
	switch {
	case resp.Kind.IsFailure():
		return fmt.Sprintf("cause=%v", resp.Cause)
	case !resp.Present:
		return "absent"
	default:
		return render(resp.Entity)
	}
}

func render(doc entity.Document) string {
	if doc == nil {
		doc = entity.Document{}
	}
	data, err := entity.MarshalCanonical(doc)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

func renderSnapshot(doc entity.Document, present bool) string {
	if !present {
		return "absent"
	}
	return render(doc)
}

// Format renders a result's trace as text, one line per event.
func Format(name string, r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)
	for _, line := range r.Trace {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
