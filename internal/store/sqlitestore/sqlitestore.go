// Package sqlitestore implements store.Backend on SQLite.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - single connection: SQLite allows one writer at a time
//
// Timestamps are stored as Unix nanoseconds and identities as lowercase
// canonical UUID text, so ORDER BY id matches the byte order of the UUID.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/custodian/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on records.updated_at
const currentSchemaVersion = 1

// Store is a SQLite-backed store.Backend.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements store.Backend.
func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, id, body, digest, version, updated_at
		FROM records
		WHERE kind = ? AND id = ?
	`, key.Kind, key.ID.String())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO records (kind, id, body, digest, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO NOTHING
		RETURNING kind, id, body, digest, version, updated_at
	`, rec.Kind, rec.ID.String(), body(rec.Body), rec.Digest, rec.UpdatedAt.UnixNano())

	stored, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	row := s.db.QueryRowContext(ctx, `
		UPDATE records
		SET body = ?, digest = ?, version = version + 1, updated_at = ?
		WHERE kind = ? AND id = ?
		RETURNING kind, id, body, digest, version, updated_at
	`, body(rec.Body), rec.Digest, rec.UpdatedAt.UnixNano(), rec.Kind, rec.ID.String())

	stored, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.NotFound(rec.Key())
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("update %s: %w", rec.Key(), err)
	}
	return stored, nil
}

// Delete implements store.Backend.
func (s *Store) Delete(ctx context.Context, key store.Key) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM records
		WHERE kind = ? AND id = ?
		RETURNING kind, id, body, digest, version, updated_at
	`, key.Kind, key.ID.String())

	prev, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("delete %s: %w", key, err)
	}
	return prev, nil
}

// List implements store.Backend.
func (s *Store) List(ctx context.Context, kind string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, body, digest, version, updated_at
		FROM records
		WHERE kind = ?
		ORDER BY id ASC COLLATE BINARY
	`, kind)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (store.Record, error) {
	var (
		rec       store.Record
		id        string
		updatedAt int64
	)
	if err := row.Scan(&rec.Kind, &id, &rec.Body, &rec.Digest, &rec.Version, &updatedAt); err != nil {
		return store.Record{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Record{}, fmt.Errorf("corrupt record id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

// body maps nil to an empty blob for the NOT NULL column.
func body(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the index used by age-ordered scans.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_updated_at
		ON records(kind, updated_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
