// Package redisstore implements store.Backend on Redis.
//
// Each record is a hash at "<prefix>:rec:<kind>:<id>" with the fields body,
// digest, version and updated_at (Unix nanoseconds). A sorted set at
// "<prefix>:idx:<kind>" holds every identity of the kind with score 0, so
// ZRANGE returns them in lexical order. Writes run as Lua scripts so that the
// existence check, the write and the index update are atomic.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/custodian/internal/store"
)

// DefaultPrefix namespaces keys when no prefix is configured.
const DefaultPrefix = "custodian"

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "body", ARGV[2], "digest", ARGV[3], "version", 1, "updated_at", ARGV[4])
redis.call("ZADD", KEYS[2], 0, ARGV[1])
return 1
`)

var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local version = redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("HSET", KEYS[1], "body", ARGV[1], "digest", ARGV[2], "updated_at", ARGV[3])
return version
`)

var deleteScript = redis.NewScript(`
local fields = redis.call("HGETALL", KEYS[1])
if #fields == 0 then
  return fields
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return fields
`)

// Store is a Redis-backed store.Backend.
type Store struct {
	client *redis.Client
	prefix string
}

var _ store.Backend = (*Store)(nil)

// Open connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client. The store owns the client after this call.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get implements store.Backend.
func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return store.Record{}, store.NotFound(key)
	}
	return decode(key, fields)
}

// Insert implements store.Backend.
func (s *Store) Insert(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := store.Validate(rec); err != nil {
		return store.Record{}, err
	}
	key := rec.Key()
	ok, err := insertScript.Run(ctx, s.client,
		[]string{s.recordKey(key), s.indexKey(key.Kind)},
		key.ID.String(), rec.Body, rec.Digest, rec.UpdatedAt.UnixNano(),
	).Int64()
	if err != nil {
		return store.Record{}, fmt.Errorf("insert %s: %w", key, err)
	}
	if ok == 0 {
		return store.Record{}, store.AlreadyExists(key)
	}

	stored := rec.Clone()
	stored.Version = 1
	stored.UpdatedAt = time.Unix(0, rec.UpdatedAt.UnixNano()).UTC()
	return stored, nil
}

// Update implements store.Backend.
func (s *Store) Update(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := store.Validate(rec); err != nil {
		return store.Record{}, err
	}
	key := rec.Key()
	version, err := updateScript.Run(ctx, s.client,
		[]string{s.recordKey(key)},
		rec.Body, rec.Digest, rec.UpdatedAt.UnixNano(),
	).Int64()
	if err != nil {
		return store.Record{}, fmt.Errorf("update %s: %w", key, err)
	}
	if version < 0 {
		return store.Record{}, store.NotFound(key)
	}

	stored := rec.Clone()
	stored.Version = version
	stored.UpdatedAt = time.Unix(0, rec.UpdatedAt.UnixNano()).UTC()
	return stored, nil
}

// Delete implements store.Backend.
func (s *Store) Delete(ctx context.Context, key store.Key) (store.Record, error) {
	flat, err := deleteScript.Run(ctx, s.client,
		[]string{s.recordKey(key), s.indexKey(key.Kind)},
		key.ID.String(),
	).StringSlice()
	if err != nil {
		return store.Record{}, fmt.Errorf("delete %s: %w", key, err)
	}
	if len(flat) == 0 {
		return store.Record{}, store.NotFound(key)
	}
	if len(flat)%2 != 0 {
		return store.Record{}, fmt.Errorf("delete %s: odd field list from HGETALL", key)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return decode(key, fields)
}

// List implements store.Backend.
//
// Not a snapshot: a record removed between the index read and its fetch is
// skipped.
func (s *Store) List(ctx context.Context, kind string) ([]store.Record, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	out := make([]store.Record, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("list %s: corrupt index entry %q: %w", kind, raw, err)
		}
		rec, err := s.Get(ctx, store.Key{Kind: kind, ID: id})
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) recordKey(key store.Key) string {
	return s.prefix + ":rec:" + key.Kind + ":" + key.ID.String()
}

func (s *Store) indexKey(kind string) string {
	return s.prefix + ":idx:" + kind
}

func decode(key store.Key, fields map[string]string) (store.Record, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return store.Record{}, fmt.Errorf("%s: corrupt version: %w", key, err)
	}
	nanos, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return store.Record{}, fmt.Errorf("%s: corrupt updated_at: %w", key, err)
	}
	body, ok := fields["body"]
	if !ok {
		return store.Record{}, fmt.Errorf("%s: %w", key, errors.New("missing body field"))
	}
	return store.Record{
		Kind:      key.Kind,
		ID:        key.ID,
		Body:      []byte(body),
		Digest:    fields["digest"],
		Version:   version,
		UpdatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
