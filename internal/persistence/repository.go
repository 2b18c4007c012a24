// Package persistence executes coordinator commands against storage.
//
// Executor implements protocol.Collaborator on top of a Repository. A
// Repository speaks in entity values; StoreRepository adapts any
// store.Backend to it through a Codec.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/store"
)

// Repository is durable storage for one entity type.
type Repository[E any] interface {
	// Load returns the persisted entity and whether it exists.
	Load(ctx context.Context, id uuid.UUID) (E, bool, error)
	// Insert persists an entity that has no persisted version yet.
	Insert(ctx context.Context, id uuid.UUID, e E) (E, error)
	// Update replaces the persisted version.
	Update(ctx context.Context, id uuid.UUID, e E) (E, error)
	// Delete removes the persisted version and returns it.
	Delete(ctx context.Context, id uuid.UUID) (E, error)
}

// Codec converts entities to record bodies and back.
type Codec[E any] interface {
	Encode(e E) ([]byte, error)
	Decode(body []byte) (E, error)
}

// JSONCodec encodes entities with encoding/json.
type JSONCodec[E any] struct{}

// Encode implements Codec.
func (JSONCodec[E]) Encode(e E) ([]byte, error) {
	return json.Marshal(e)
}

// Decode implements Codec.
func (JSONCodec[E]) Decode(body []byte) (E, error) {
	var e E
	err := json.Unmarshal(body, &e)
	return e, err
}

// DocumentCodec stores entity.Document values as canonical JSON, so equal
// documents always produce identical bodies and digests.
type DocumentCodec struct{}

// Encode implements Codec.
func (DocumentCodec) Encode(d entity.Document) ([]byte, error) {
	if d == nil {
		d = entity.Document{}
	}
	return entity.MarshalCanonical(d)
}

// Decode implements Codec.
func (DocumentCodec) Decode(body []byte) (entity.Document, error) {
	return entity.ParseDocument(body)
}

// StoreRepository is a Repository over a store.Backend.
//
// Every record it writes carries the digest of its body and a timestamp from
// the configured time source.
type StoreRepository[E any] struct {
	backend store.Backend
	codec   Codec[E]
	kind    string
	now     func() time.Time
}

// NewStoreRepository creates a repository for records of kind. now defaults
// to time.Now when nil.
func NewStoreRepository[E any](backend store.Backend, codec Codec[E], kind string, now func() time.Time) *StoreRepository[E] {
	if now == nil {
		now = time.Now
	}
	return &StoreRepository[E]{backend: backend, codec: codec, kind: kind, now: now}
}

// Kind returns the record kind this repository reads and writes.
func (r *StoreRepository[E]) Kind() string {
	return r.kind
}

// Load implements Repository.
func (r *StoreRepository[E]) Load(ctx context.Context, id uuid.UUID) (E, bool, error) {
	var zero E
	rec, err := r.backend.Get(ctx, r.key(id))
	if store.IsNotFound(err) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	e, err := r.decode(rec)
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

// Insert implements Repository.
func (r *StoreRepository[E]) Insert(ctx context.Context, id uuid.UUID, e E) (E, error) {
	return r.write(ctx, id, e, r.backend.Insert)
}

// Update implements Repository.
func (r *StoreRepository[E]) Update(ctx context.Context, id uuid.UUID, e E) (E, error) {
	return r.write(ctx, id, e, r.backend.Update)
}

// Delete implements Repository.
func (r *StoreRepository[E]) Delete(ctx context.Context, id uuid.UUID) (E, error) {
	var zero E
	prev, err := r.backend.Delete(ctx, r.key(id))
	if err != nil {
		return zero, err
	}
	return r.decode(prev)
}

// List returns every entity of the repository's kind ordered by identity.
func (r *StoreRepository[E]) List(ctx context.Context) ([]uuid.UUID, []E, error) {
	recs, err := r.backend.List(ctx, r.kind)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]uuid.UUID, 0, len(recs))
	out := make([]E, 0, len(recs))
	for _, rec := range recs {
		e, err := r.decode(rec)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, rec.ID)
		out = append(out, e)
	}
	return ids, out, nil
}

func (r *StoreRepository[E]) write(
	ctx context.Context,
	id uuid.UUID,
	e E,
	op func(context.Context, store.Record) (store.Record, error),
) (E, error) {
	var zero E
	body, err := r.codec.Encode(e)
	if err != nil {
		return zero, fmt.Errorf("encode %s/%s: %w", r.kind, id, err)
	}
	stored, err := op(ctx, store.Record{
		Kind:      r.kind,
		ID:        id,
		Body:      body,
		Digest:    entity.Digest(body),
		UpdatedAt: r.now(),
	})
	if err != nil {
		return zero, err
	}
	return r.decode(stored)
}

func (r *StoreRepository[E]) decode(rec store.Record) (E, error) {
	e, err := r.codec.Decode(rec.Body)
	if err != nil {
		var zero E
		return zero, fmt.Errorf("decode %s: %w", rec.Key(), err)
	}
	return e, nil
}

func (r *StoreRepository[E]) key(id uuid.UUID) store.Key {
	return store.Key{Kind: r.kind, ID: id}
}
