// Package storetest is the contract suite every store.Backend must pass.
//
// Usage from a backend's tests:
//
//	func TestContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Backend {
//	        return openTestBackend(t)
//	    })
//	}
//
// Each subtest opens a fresh, empty backend through the factory. The factory
// is responsible for cleanup (t.Cleanup).
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custodian/internal/store"
)

// Factory opens an empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func id(n byte) uuid.UUID {
	var u uuid.UUID
	u[15] = n
	return u
}

func record(kind string, n byte, body string, second int) store.Record {
	return store.Record{
		Kind:      kind,
		ID:        id(n),
		Body:      []byte(body),
		Digest:    "sha256:" + body,
		UpdatedAt: epoch.Add(time.Duration(second) * time.Second),
	}
}

// Run executes the contract suite.
func Run(t *testing.T, open Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"GetMissing", testGetMissing},
		{"InsertThenGet", testInsertThenGet},
		{"InsertDuplicate", testInsertDuplicate},
		{"UpdateIncrementsVersion", testUpdateIncrementsVersion},
		{"UpdateMissing", testUpdateMissing},
		{"DeleteReturnsPrevious", testDeleteReturnsPrevious},
		{"DeleteMissing", testDeleteMissing},
		{"InsertAfterDelete", testInsertAfterDelete},
		{"KindsAreIsolated", testKindsAreIsolated},
		{"ListOrderedByID", testListOrderedByID},
		{"EmptyBody", testEmptyBody},
		{"RejectsInvalidRecord", testRejectsInvalidRecord},
		{"ConcurrentInsertOneWins", testConcurrentInsertOneWins},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func assertRecord(t *testing.T, want store.Record, version int64, got store.Record) {
	t.Helper()
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, string(want.Body), string(got.Body))
	assert.Equal(t, want.Digest, got.Digest)
	assert.Equal(t, version, got.Version)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt),
		"UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
}

func testGetMissing(t *testing.T, b store.Backend) {
	_, err := b.Get(context.Background(), store.Key{Kind: "doc", ID: id(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInsertThenGet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rec := record("doc", 1, `{"a":1}`, 1)

	inserted, err := b.Insert(ctx, rec)
	require.NoError(t, err)
	assertRecord(t, rec, 1, inserted)

	got, err := b.Get(ctx, rec.Key())
	require.NoError(t, err)
	assertRecord(t, rec, 1, got)
}

func testInsertDuplicate(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Insert(ctx, record("doc", 1, "first", 1))
	require.NoError(t, err)

	_, err = b.Insert(ctx, record("doc", 1, "second", 2))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := b.Get(ctx, store.Key{Kind: "doc", ID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, "first", string(got.Body), "failed insert must not overwrite")
}

func testUpdateIncrementsVersion(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Insert(ctx, record("doc", 1, "v1", 1))
	require.NoError(t, err)

	for i := 2; i <= 4; i++ {
		rec := record("doc", 1, "v"+string(rune('0'+i)), i)
		rec.Version = 99 // ignored
		updated, err := b.Update(ctx, rec)
		require.NoError(t, err)
		assertRecord(t, rec, int64(i), updated)
	}

	got, err := b.Get(ctx, store.Key{Kind: "doc", ID: id(1)})
	require.NoError(t, err)
	assertRecord(t, record("doc", 1, "v4", 4), 4, got)
}

func testUpdateMissing(t *testing.T, b store.Backend) {
	_, err := b.Update(context.Background(), record("doc", 1, "v1", 1))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = b.Get(context.Background(), store.Key{Kind: "doc", ID: id(1)})
	assert.ErrorIs(t, err, store.ErrNotFound, "failed update must not create")
}

func testDeleteReturnsPrevious(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Insert(ctx, record("doc", 1, "v1", 1))
	require.NoError(t, err)
	_, err = b.Update(ctx, record("doc", 1, "v2", 2))
	require.NoError(t, err)

	removed, err := b.Delete(ctx, store.Key{Kind: "doc", ID: id(1)})
	require.NoError(t, err)
	assertRecord(t, record("doc", 1, "v2", 2), 2, removed)

	_, err = b.Get(ctx, store.Key{Kind: "doc", ID: id(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteMissing(t *testing.T, b store.Backend) {
	_, err := b.Delete(context.Background(), store.Key{Kind: "doc", ID: id(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInsertAfterDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Insert(ctx, record("doc", 1, "v1", 1))
	require.NoError(t, err)
	_, err = b.Update(ctx, record("doc", 1, "v2", 2))
	require.NoError(t, err)
	_, err = b.Delete(ctx, store.Key{Kind: "doc", ID: id(1)})
	require.NoError(t, err)

	again, err := b.Insert(ctx, record("doc", 1, "fresh", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version, "version restarts after delete")
}

func testKindsAreIsolated(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Insert(ctx, record("doc", 1, "doc", 1))
	require.NoError(t, err)
	_, err = b.Insert(ctx, record("user", 1, "user", 1))
	require.NoError(t, err)

	_, err = b.Delete(ctx, store.Key{Kind: "doc", ID: id(1)})
	require.NoError(t, err)

	got, err := b.Get(ctx, store.Key{Kind: "user", ID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, "user", string(got.Body))
}

func testListOrderedByID(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, n := range []byte{3, 1, 2} {
		_, err := b.Insert(ctx, record("doc", n, "body", int(n)))
		require.NoError(t, err)
	}
	_, err := b.Insert(ctx, record("other", 9, "body", 1))
	require.NoError(t, err)

	list, err := b.List(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, rec := range list {
		assert.Equal(t, id(byte(i+1)), rec.ID)
		assert.Equal(t, "doc", rec.Kind)
	}

	empty, err := b.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testEmptyBody(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rec := record("doc", 1, "", 1)
	_, err := b.Insert(ctx, rec)
	require.NoError(t, err)

	got, err := b.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Empty(t, got.Body)
}

func testRejectsInvalidRecord(t *testing.T, b store.Backend) {
	ctx := context.Background()

	noKind := record("", 1, "x", 1)
	_, err := b.Insert(ctx, noKind)
	assert.Error(t, err)

	noID := record("doc", 1, "x", 1)
	noID.ID = uuid.Nil
	_, err = b.Insert(ctx, noID)
	assert.Error(t, err)

	noTime := record("doc", 1, "x", 1)
	noTime.UpdatedAt = time.Time{}
	_, err = b.Insert(ctx, noTime)
	assert.Error(t, err)
}

func testConcurrentInsertOneWins(t *testing.T, b store.Backend) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Insert(ctx, record("doc", 1, "w", i+1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case store.IsAlreadyExists(err):
				conflicts++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}
