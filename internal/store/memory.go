package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. The zero value is not usable; call
// NewMemory.
type Memory struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[Key]Record)}
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, key Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, NotFound(key)
	}
	return rec.Clone(), nil
}

// Insert implements Backend.
func (m *Memory) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := Validate(rec); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key()]; ok {
		return Record{}, AlreadyExists(rec.Key())
	}
	stored := rec.Clone()
	stored.Version = 1
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	m.records[rec.Key()] = stored
	return stored.Clone(), nil
}

// Update implements Backend.
func (m *Memory) Update(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := Validate(rec); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[rec.Key()]
	if !ok {
		return Record{}, NotFound(rec.Key())
	}
	stored := rec.Clone()
	stored.Version = prev.Version + 1
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	m.records[rec.Key()] = stored
	return stored.Clone(), nil
}

// Delete implements Backend.
func (m *Memory) Delete(ctx context.Context, key Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[key]
	if !ok {
		return Record{}, NotFound(key)
	}
	delete(m.records, key)
	return prev, nil
}

// List implements Backend.
func (m *Memory) List(ctx context.Context, kind string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Record, 0)
	for key, rec := range m.records {
		if key.Kind == kind {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

// Close implements Backend. It is a no-op.
func (m *Memory) Close() error {
	return nil
}
