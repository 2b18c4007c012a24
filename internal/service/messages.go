package service

import (
	"fmt"
	"log/slog"

	"github.com/roach88/custodian/internal/coordinator"
	"github.com/roach88/custodian/internal/entity"
)

// Result answers one request. Reply channels must be buffered so the
// coordinator never blocks sending on them.
type Result struct {
	Doc     entity.Document
	Present bool
	Err     error
}

// Put replaces the document.
type Put struct {
	Doc   entity.Document
	Reply chan<- Result
}

// Merge applies a shallow merge patch to the current document: each field
// replaces the existing one and a Null field removes it. Merging into an
// absent document creates it.
type Merge struct {
	Fields entity.Document
	Reply  chan<- Result
}

// Get reads the current snapshot.
type Get struct {
	Reply chan<- Result
}

// Remove deletes the document.
type Remove struct {
	Reply chan<- Result
}

// documentBehavior serves the request messages above. Reads are answered
// from the snapshot; because the coordinator buffers every message while a
// write is in flight, a Get sent after a Put always observes it.
type documentBehavior struct {
	logger *slog.Logger
}

// Receive implements coordinator.Behavior.
func (b documentBehavior) Receive(c *coordinator.Coordinator[entity.Document], msg any) {
	switch m := msg.(type) {
	case Get:
		doc, present := c.Entity()
		m.Reply <- Result{Doc: doc.Clone(), Present: present}

	case Put:
		b.persist(c, m.Doc.Clone(), m.Reply)

	case Merge:
		current, _ := c.Entity()
		b.persist(c, applyMerge(current, m.Fields), m.Reply)

	case Remove:
		current, _ := c.Entity()
		err := c.Remove(current,
			func(removed entity.Document) {
				m.Reply <- Result{Doc: removed.Clone(), Present: false}
			},
			coordinator.OnFailure(func(err error) {
				m.Reply <- Result{Err: err}
			}),
		)
		if err != nil {
			m.Reply <- Result{Err: err}
		}

	default:
		b.logger.Warn("ignoring unknown message", "message_type", typeName(msg))
	}
}

// Reject implements coordinator.Rejecter: a request the coordinator will not
// process is answered with err.
func (b documentBehavior) Reject(msg any, err error) {
	switch m := msg.(type) {
	case Get:
		m.Reply <- Result{Err: err}
	case Put:
		m.Reply <- Result{Err: err}
	case Merge:
		m.Reply <- Result{Err: err}
	case Remove:
		m.Reply <- Result{Err: err}
	default:
		b.logger.Debug("dropping unprocessed message", "message_type", typeName(msg))
	}
}

func (b documentBehavior) persist(c *coordinator.Coordinator[entity.Document], doc entity.Document, reply chan<- Result) {
	err := c.Persist(doc,
		func(stored entity.Document) {
			reply <- Result{Doc: stored.Clone(), Present: true}
		},
		coordinator.OnFailure(func(err error) {
			reply <- Result{Err: err}
		}),
	)
	if err != nil {
		reply <- Result{Err: err}
	}
}

func applyMerge(current, patch entity.Document) entity.Document {
	out := current.Clone()
	if out == nil {
		out = entity.Document{}
	}
	patch = patch.Clone()
	for _, k := range patch.SortedKeys() {
		if _, isNull := patch[k].(entity.Null); isNull {
			delete(out, k)
			continue
		}
		out[k] = patch[k]
	}
	return out
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
