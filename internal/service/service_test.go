package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custodian/internal/config"
	"github.com/roach88/custodian/internal/coordinator"
	"github.com/roach88/custodian/internal/entity"
	"github.com/roach88/custodian/internal/registry"
	"github.com/roach88/custodian/internal/store"
	"github.com/roach88/custodian/internal/testutil"
)

var errDisk = errors.New("disk unavailable")

// faultyBackend fails selected operations on demand.
type faultyBackend struct {
	store.Backend
	failInsert atomic.Bool
	failUpdate atomic.Bool
	failDelete atomic.Bool
}

func (f *faultyBackend) Insert(ctx context.Context, rec store.Record) (store.Record, error) {
	if f.failInsert.Load() {
		return store.Record{}, errDisk
	}
	return f.Backend.Insert(ctx, rec)
}

func (f *faultyBackend) Update(ctx context.Context, rec store.Record) (store.Record, error) {
	if f.failUpdate.Load() {
		return store.Record{}, errDisk
	}
	return f.Backend.Update(ctx, rec)
}

func (f *faultyBackend) Delete(ctx context.Context, key store.Key) (store.Record, error) {
	if f.failDelete.Load() {
		return store.Record{}, errDisk
	}
	return f.Backend.Delete(ctx, key)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *faultyBackend) {
	t.Helper()
	backend := &faultyBackend{Backend: store.NewMemory()}
	clock := testutil.NewDeterministicClock()
	hooks := coordinator.Hooks{
		OnPersistFailure:  func(error) {},
		OnRemoveFailure:   func(error) {},
		OnRecoveryFailure: func(error) {},
	}
	svc := New(context.Background(), backend,
		WithLogger(quietLogger()),
		WithClock(clock.Now),
		WithHooks(hooks),
	)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, backend
}

func book(title string, pages int64) entity.Document {
	return entity.NewDocument(
		entity.F("title", entity.String(title)),
		entity.F("pages", entity.Int(pages)),
	)
}

func TestService_PutThenGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	_, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, present)

	stored, err := svc.Put(ctx, id, book("dune", 412))
	require.NoError(t, err)
	assert.Equal(t, book("dune", 412), stored)

	got, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, book("dune", 412), got)
}

func TestService_SecondPutUpdates(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	_, err := svc.Put(ctx, id, book("dune", 412))
	require.NoError(t, err)
	_, err = svc.Put(ctx, id, book("dune messiah", 256))
	require.NoError(t, err)

	rec, err := backend.Get(ctx, store.Key{Kind: DefaultKind, ID: id})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.NotEmpty(t, rec.Digest)
	assert.Equal(t, testutil.Epoch.Add(2*time.Second), rec.UpdatedAt)
}

func TestService_Merge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	created, err := svc.Merge(ctx, id, entity.NewDocument(entity.F("title", entity.String("dune"))))
	require.NoError(t, err)
	assert.Equal(t, entity.NewDocument(entity.F("title", entity.String("dune"))), created)

	merged, err := svc.Merge(ctx, id, entity.NewDocument(
		entity.F("pages", entity.Int(412)),
		entity.F("title", entity.Null{}),
	))
	require.NoError(t, err)
	assert.Equal(t, entity.NewDocument(entity.F("pages", entity.Int(412))), merged)
}

func TestService_Remove(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	_, err := svc.Put(ctx, id, book("dune", 412))
	require.NoError(t, err)

	removed, err := svc.Remove(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, book("dune", 412), removed)

	_, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, present)

	_, err = svc.Remove(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ConcurrentMergesAreSerialized(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Merge(ctx, id, entity.NewDocument(entity.F(fmt.Sprintf("f%02d", i), entity.Int(int64(i)))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, present)
	assert.Len(t, got, n)
}

func TestService_RecoversAfterEvict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	_, err := svc.Put(ctx, id, book("dune", 412))
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Active())

	assert.True(t, svc.Evict(id))
	assert.Equal(t, 0, svc.Active())

	got, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, book("dune", 412), got)
}

func TestService_CreateFailure(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)
	backend.failInsert.Store(true)

	_, err := svc.Put(ctx, id, book("dune", 412))
	require.Error(t, err)
	assert.True(t, coordinator.IsOperationError(err, coordinator.OpCreate))
	assert.ErrorIs(t, err, errDisk)

	var oe *coordinator.OperationError
	require.ErrorAs(t, err, &oe)
	assert.False(t, oe.Resynchronized)

	_, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestService_UpdateFailureResynchronizes(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	_, err := svc.Put(ctx, id, book("dune", 412))
	require.NoError(t, err)

	backend.failUpdate.Store(true)
	_, err = svc.Put(ctx, id, book("dune messiah", 256))
	require.Error(t, err)

	var oe *coordinator.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, coordinator.OpUpdate, oe.Op)
	assert.True(t, oe.Resynchronized)

	got, _, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, book("dune", 412), got)
}

func TestService_RemoveFailureKeepsDocument(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	_, err := svc.Put(ctx, id, book("dune", 412))
	require.NoError(t, err)

	backend.failDelete.Store(true)
	_, err = svc.Remove(ctx, id)
	assert.True(t, coordinator.IsOperationError(err, coordinator.OpRemove))

	_, present, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestService_List(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, n := range []int{3, 1, 2} {
		_, err := svc.Put(ctx, testutil.ID(n), book(fmt.Sprintf("vol %d", n), int64(n)))
		require.NoError(t, err)
	}

	ids, docs, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{testutil.ID(1), testutil.ID(2), testutil.ID(3)}, ids)
	assert.Equal(t, book("vol 1", 1), docs[0])
}

func TestService_ClosedRejectsRequests(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Close(context.Background()))

	_, err := svc.Put(context.Background(), testutil.ID(1), book("dune", 412))
	assert.ErrorIs(t, err, registry.ErrClosed)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
		check   func(t *testing.T, b store.Backend)
	}{
		{
			name: "memory without breaker",
			cfg:  config.Config{Store: config.StoreConfig{Backend: "memory"}},
			check: func(t *testing.T, b store.Backend) {
				assert.IsType(t, &store.Memory{}, b)
			},
		},
		{
			name: "memory with breaker",
			cfg: config.Config{
				Store:   config.StoreConfig{Backend: "memory"},
				Breaker: config.BreakerConfig{Enabled: true, FailureThreshold: 3, MaxRequests: 1, OpenTimeout: "5s"},
			},
			check: func(t *testing.T, b store.Backend) {
				br, ok := b.(*store.Breaker)
				require.True(t, ok)
				assert.Equal(t, "closed", br.State())
			},
		},
		{
			name: "sqlite",
			cfg:  config.Config{Store: config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "c.db")}},
			check: func(t *testing.T, b store.Backend) {
				_, err := b.Get(ctx, store.Key{Kind: DefaultKind, ID: testutil.ID(1)})
				assert.True(t, store.IsNotFound(err))
			},
		},
		{
			name:    "redis needs url",
			cfg:     config.Config{Store: config.StoreConfig{Backend: "redis"}},
			wantErr: "store.url is required",
		},
		{
			name:    "unknown",
			cfg:     config.Config{Store: config.StoreConfig{Backend: "tape"}},
			wantErr: `unknown backend "tape"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := OpenBackend(ctx, &tt.cfg, quietLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			tt.check(t, b)
		})
	}
}

func TestExecutorOptions(t *testing.T) {
	cfg, err := config.Load("", func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Len(t, ExecutorOptions(cfg), 2)

	assert.Empty(t, ExecutorOptions(&config.Config{}))
}

// gatedBackend blocks Insert until gate is closed.
type gatedBackend struct {
	store.Backend
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
	inserts atomic.Int32
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		Backend: store.NewMemory(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
}

func (g *gatedBackend) Insert(ctx context.Context, rec store.Record) (store.Record, error) {
	g.inserts.Add(1)
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.gate:
	case <-ctx.Done():
		return store.Record{}, ctx.Err()
	}
	return g.Backend.Insert(ctx, rec)
}

func newGatedService(t *testing.T) (*Service, *gatedBackend) {
	t.Helper()
	backend := newGatedBackend()
	svc := New(context.Background(), backend, WithLogger(quietLogger()))
	return svc, backend
}

func waitEntered(t *testing.T, g *gatedBackend) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("insert never started")
	}
}

type putResult struct {
	doc entity.Document
	err error
}

func TestService_EvictDuringWriteWaitsForIt(t *testing.T) {
	svc, backend := newGatedService(t)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	ctx := context.Background()
	id := testutil.ID(1)

	put := make(chan putResult, 1)
	go func() {
		doc, err := svc.Put(ctx, id, book("dune", 412))
		put <- putResult{doc, err}
	}()
	waitEntered(t, backend)

	evicted := make(chan bool, 1)
	go func() { evicted <- svc.Evict(id) }()
	require.Eventually(t, func() bool { return svc.Active() == 0 }, 5*time.Second, time.Millisecond)

	type getResult struct {
		doc     entity.Document
		present bool
		err     error
	}
	got := make(chan getResult, 1)
	go func() {
		doc, present, err := svc.Get(ctx, id)
		got <- getResult{doc, present, err}
	}()

	select {
	case <-got:
		t.Fatal("read served by a fresh coordinator while the create was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.gate)

	res := <-put
	require.NoError(t, res.err)
	assert.Equal(t, book("dune", 412), res.doc)
	assert.True(t, <-evicted)

	g := <-got
	require.NoError(t, g.err)
	assert.True(t, g.present)
	assert.Equal(t, book("dune", 412), g.doc)

	_, err := svc.Put(ctx, id, book("dune", 413))
	require.NoError(t, err, "the recovered coordinator updates rather than creating again")
	assert.Equal(t, int32(1), backend.inserts.Load())

	rec, err := backend.Get(ctx, store.Key{Kind: DefaultKind, ID: id})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
}

func TestService_CloseDuringWriteFinishesIt(t *testing.T) {
	svc, backend := newGatedService(t)
	ctx := context.Background()
	id := testutil.ID(1)

	put := make(chan putResult, 1)
	go func() {
		doc, err := svc.Put(ctx, id, book("dune", 412))
		put <- putResult{doc, err}
	}()
	waitEntered(t, backend)

	closed := make(chan error, 1)
	go func() { closed <- svc.Close(ctx) }()

	select {
	case <-closed:
		t.Fatal("close returned with a write in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.gate)
	res := <-put
	require.NoError(t, res.err)
	require.NoError(t, <-closed)

	_, err := backend.Get(ctx, store.Key{Kind: DefaultKind, ID: id})
	assert.NoError(t, err)
}

func TestService_CloseTimeoutAnswersWaitingRequests(t *testing.T) {
	svc, backend := newGatedService(t)
	t.Cleanup(func() { close(backend.gate) })
	ctx := context.Background()
	id := testutil.ID(1)

	put := make(chan putResult, 1)
	go func() {
		doc, err := svc.Put(ctx, id, book("dune", 412))
		put <- putResult{doc, err}
	}()
	waitEntered(t, backend)

	got := make(chan error, 1)
	go func() {
		_, _, err := svc.Get(ctx, id)
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Close(closeCtx), context.DeadlineExceeded)

	select {
	case res := <-put:
		assert.ErrorIs(t, res.err, coordinator.ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("put never answered")
	}
	select {
	case err := <-got:
		assert.True(t, errors.Is(err, coordinator.ErrStopped) || errors.Is(err, registry.ErrClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("get never answered")
	}
}
