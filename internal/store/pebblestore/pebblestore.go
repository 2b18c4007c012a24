// Package pebblestore implements store.Backend on a Pebble key-value store.
//
// Keys are "rec\x00<kind>\x00<id>" so that a kind's records form one
// contiguous, identity-ordered range. Values use a fixed binary layout with a
// CRC32 checksum (see codec.go).
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/roach88/custodian/internal/store"
)

const keyPrefix = "rec\x00"

// Store is a Pebble-backed store.Backend.
//
// Writes are serialized by a mutex because each one is a read-check-write
// sequence; reads go straight to Pebble.
type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens or creates a Pebble database in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements store.Backend.
func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	return s.get(key)
}

// Insert implements store.Backend.
func (s *Store) Insert(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	if err := validate(rec); err != nil {
		return store.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(rec.Key()); err == nil {
		return store.Record{}, store.AlreadyExists(rec.Key())
	} else if !store.IsNotFound(err) {
		return store.Record{}, err
	}

	stored := rec.Clone()
	stored.Version = 1
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	if err := s.db.Set(keyFor(rec.Key()), encodeValue(stored), pebble.Sync); err != nil {
		return store.Record{}, fmt.Errorf("insert %s: %w", rec.Key(), err)
	}
	return stored, nil
}

// Update implements store.Backend.
func (s *Store) Update(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	if err := validate(rec); err != nil {
		return store.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(rec.Key())
	if err != nil {
		return store.Record{}, err
	}

	stored := rec.Clone()
	stored.Version = prev.Version + 1
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	if err := s.db.Set(keyFor(rec.Key()), encodeValue(stored), pebble.Sync); err != nil {
		return store.Record{}, fmt.Errorf("update %s: %w", rec.Key(), err)
	}
	return stored, nil
}

// Delete implements store.Backend.
func (s *Store) Delete(ctx context.Context, key store.Key) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(key)
	if err != nil {
		return store.Record{}, err
	}
	if err := s.db.Delete(keyFor(key), pebble.Sync); err != nil {
		return store.Record{}, fmt.Errorf("delete %s: %w", key, err)
	}
	return prev, nil
}

// List implements store.Backend.
func (s *Store) List(ctx context.Context, kind string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(keyPrefix + kind + "\x00")
	upper := append(append([]byte{}, prefix...), 0xff)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer iter.Close()

	out := make([]store.Record, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := uuid.Parse(string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("list %s: corrupt key %q: %w", kind, iter.Key(), err)
		}
		rec := store.Record{Kind: kind, ID: id}
		if err := decodeValue(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("list %s: %s: %w", kind, rec.Key(), err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return out, nil
}

func (s *Store) get(key store.Key) (store.Record, error) {
	val, closer, err := s.db.Get(keyFor(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()

	rec := store.Record{Kind: key.Kind, ID: key.ID}
	if err := decodeValue(val, &rec); err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func validate(rec store.Record) error {
	if err := store.Validate(rec); err != nil {
		return err
	}
	if strings.ContainsRune(rec.Kind, 0) {
		return fmt.Errorf("record kind %q contains NUL", rec.Kind)
	}
	if len(rec.Digest) > 0xffff {
		return fmt.Errorf("%s: digest too long", rec.Key())
	}
	return nil
}

func keyFor(key store.Key) []byte {
	return []byte(keyPrefix + key.Kind + "\x00" + key.ID.String())
}
