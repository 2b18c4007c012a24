// Package store provides durable record storage for entity coordinators.
//
// A Backend keeps at most one Record per (kind, identity). Records are opaque
// byte bodies plus the bookkeeping every backend maintains the same way:
//
//   - Version starts at 1 on Insert and increases by exactly one per Update.
//   - Digest is the caller's content digest, stored verbatim.
//   - UpdatedAt is supplied by the caller; backends never read the wall clock.
//
// Insert of an existing key fails with ErrAlreadyExists; Get, Update and
// Delete of a missing key fail with ErrNotFound. Every backend passes the
// shared contract suite in storetest.
//
// # Backends
//
//   - Memory: in-process map, used by tests and the --store memory CLI mode
//   - sqlitestore: SQLite (WAL mode), the default on-disk store
//   - pebblestore: Pebble LSM key-value store
//   - redisstore: Redis hashes with Lua scripts for atomic writes
//   - pgstore: PostgreSQL through a pgx connection pool
//
// Breaker wraps any Backend with a circuit breaker.
package store
