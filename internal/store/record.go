package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by Insert when a record exists for the key.
	ErrAlreadyExists = errors.New("record already exists")
)

// Key addresses one record.
type Key struct {
	Kind string
	ID   uuid.UUID
}

func (k Key) String() string {
	return k.Kind + "/" + k.ID.String()
}

// Record is one persisted entity version.
type Record struct {
	Kind      string
	ID        uuid.UUID
	Body      []byte
	Digest    string
	Version   int64
	UpdatedAt time.Time
}

// Key returns the record's key.
func (r Record) Key() Key {
	return Key{Kind: r.Kind, ID: r.ID}
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Backend stores records.
//
// Implementations must be safe for concurrent use. Insert and Update ignore
// the Version of their argument and return the stored record.
type Backend interface {
	Get(ctx context.Context, key Key) (Record, error)
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, rec Record) (Record, error)
	// Delete removes the record and returns it as it was before removal.
	Delete(ctx context.Context, key Key) (Record, error)
	// List returns every record of kind ordered by identity.
	List(ctx context.Context, kind string) ([]Record, error)
	Close() error
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is or wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// NotFound wraps ErrNotFound with the key.
func NotFound(key Key) error {
	return fmt.Errorf("%s: %w", key, ErrNotFound)
}

// AlreadyExists wraps ErrAlreadyExists with the key.
func AlreadyExists(key Key) error {
	return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
}

// Validate checks the fields every backend requires before a write.
func Validate(rec Record) error {
	if rec.Kind == "" {
		return errors.New("record kind is empty")
	}
	if rec.ID == uuid.Nil {
		return errors.New("record id is nil")
	}
	if rec.UpdatedAt.IsZero() {
		return fmt.Errorf("%s: record timestamp is zero", rec.Key())
	}
	return nil
}
