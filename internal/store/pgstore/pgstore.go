// Package pgstore implements store.Backend on PostgreSQL through a pgx pool.
//
// Writes are single statements with RETURNING, so each one is atomic without
// an explicit transaction. updated_at is a timestamptz and keeps microsecond
// precision.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/custodian/internal/store"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "custodian_records"

// Store is a PostgreSQL-backed store.Backend.
type Store struct {
	pool  *pgxpool.Pool
	table string
	q     queries
}

var _ store.Backend = (*Store)(nil)

type queries struct {
	get, insert, update, del, list string
}

// Open connects to url, creates the table if missing and returns the store.
func Open(ctx context.Context, url, table string, maxConns int) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(pool, table)
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. It does not create the table.
func New(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{pool: pool, table: table, q: buildQueries(table)}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Get implements store.Backend.
func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, s.q.get, key.Kind, key.ID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

// Insert implements store.Backend.
func (s *Store) Insert(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := store.Validate(rec); err != nil {
		return store.Record{}, err
	}
	stored, err := scanRecord(s.pool.QueryRow(ctx, s.q.insert,
		rec.Kind, rec.ID.String(), body(rec.Body), rec.Digest, rec.UpdatedAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.AlreadyExists(rec.Key())
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("insert %s: %w", rec.Key(), err)
	}
	return stored, nil
}

// Update implements store.Backend.
func (s *Store) Update(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := store.Validate(rec); err != nil {
		return store.Record{}, err
	}
	stored, err := scanRecord(s.pool.QueryRow(ctx, s.q.update,
		rec.Kind, rec.ID.String(), body(rec.Body), rec.Digest, rec.UpdatedAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.NotFound(rec.Key())
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("update %s: %w", rec.Key(), err)
	}
	return stored, nil
}

// Delete implements store.Backend.
func (s *Store) Delete(ctx context.Context, key store.Key) (store.Record, error) {
	prev, err := scanRecord(s.pool.QueryRow(ctx, s.q.del, key.Kind, key.ID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("delete %s: %w", key, err)
	}
	return prev, nil
}

// List implements store.Backend.
func (s *Store) List(ctx context.Context, kind string) ([]store.Record, error) {
	rows, err := s.pool.Query(ctx, s.q.list, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	out := make([]store.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return out, nil
}

func (s *Store) migrate(ctx context.Context) error {
	table := pgx.Identifier{s.table}.Sanitize()
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			kind       TEXT        NOT NULL,
			id         UUID        NOT NULL,
			body       BYTEA       NOT NULL,
			digest     TEXT        NOT NULL,
			version    BIGINT      NOT NULL CHECK (version >= 1),
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, id)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// dropTable removes the table. Used by tests.
func (s *Store) dropTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{s.table}.Sanitize())
	return err
}

func buildQueries(table string) queries {
	t := pgx.Identifier{table}.Sanitize()
	const cols = "kind, id::text, body, digest, version, updated_at"
	r := strings.NewReplacer("{t}", t, "{cols}", cols)
	return queries{
		get: r.Replace(`
			SELECT {cols} FROM {t}
			WHERE kind = $1 AND id = $2::uuid`),
		insert: r.Replace(`
			INSERT INTO {t} (kind, id, body, digest, version, updated_at)
			VALUES ($1, $2::uuid, $3, $4, 1, $5)
			ON CONFLICT (kind, id) DO NOTHING
			RETURNING {cols}`),
		update: r.Replace(`
			UPDATE {t}
			SET body = $3, digest = $4, version = version + 1, updated_at = $5
			WHERE kind = $1 AND id = $2::uuid
			RETURNING {cols}`),
		del: r.Replace(`
			DELETE FROM {t}
			WHERE kind = $1 AND id = $2::uuid
			RETURNING {cols}`),
		list: r.Replace(`
			SELECT {cols} FROM {t}
			WHERE kind = $1
			ORDER BY id ASC`),
	}
}

func scanRecord(row pgx.Row) (store.Record, error) {
	var (
		rec store.Record
		id  string
	)
	if err := row.Scan(&rec.Kind, &id, &rec.Body, &rec.Digest, &rec.Version, &rec.UpdatedAt); err != nil {
		return store.Record{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Record{}, fmt.Errorf("corrupt record id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func body(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
