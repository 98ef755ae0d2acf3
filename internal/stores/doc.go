// Package stores provides the Redis-backed list store that holds encoded
// workflow metric records.
//
// # Design
//
// Records are appended to one list per UTC day (<prefix>:<YYYY-MM-DD>) and
// prepended to a capped real-time mirror (<prefix>:realtime). Each write is
// a single pipeline: RPUSH+EXPIRE for partitions, LPUSH+EXPIRE+LTRIM for the
// mirror. Reads are plain LRANGE calls. Payloads are opaque bytes; encoding
// and decoding belong to the caller.
//
// # Architecture boundaries
//
// This package owns key layout and Redis round-trips. It does NOT decide
// whether the store is reachable, retry failed writes, or aggregate
// records. Every Redis failure is returned wrapped in
// [ErrLogRedisUnavailable]; the caller decides whether to swallow it.
//
// # What this package must NOT do
//
//   - Import the root package or any sibling internal package.
//   - Decode or inspect record payloads.
//   - Block beyond the deadline of the context it is given.
package stores
