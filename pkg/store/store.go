// Package store provides the keyed state store and append-only event log
// that every other component persists through. Records are hashes of string
// fields, indexes are sets, and event history lives in ordered streams whose
// entry ids are monotonically increasing within a stream.
//
// Two implementations exist: RedisStore (production) and MemoryStore
// (tests, single-process deployments). Components depend only on the Store
// interface and communicate exclusively by persisting records and appending
// events — never by sharing mutable in-memory state.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable indicates a transient store failure. Callers retry
	// with bounded backoff before surfacing the failure.
	ErrUnavailable = errors.New("store unavailable")
)

// Entry is a single record in a stream. ID is assigned by the store at
// append time and is strictly greater than the id of every prior entry
// in the same stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// ReadFrom position tokens.
const (
	// StreamStart reads a stream from its beginning.
	StreamStart = "0-0"

	// StreamTail reads only entries appended after the call begins.
	StreamTail = "$"
)

// Store is the keyed record store plus append-only event log.
//
// Records are field maps addressed by key. Put merges fields into the
// record (creating it if absent); UpdateFields is the same operation kept
// separate so call sites read as partial updates. Set operations are
// atomic. Append adds an entry to a stream and returns its id; entries are
// durable, ordered, and never rewritten.
//
// ReadFrom returns entries with ids strictly greater than lastID. A
// lastID of StreamStart reads from the beginning, StreamTail from the
// current end. When block is positive and no entries are available,
// ReadFrom waits up to that duration for new entries before returning an
// empty slice. ReadFrom never returns more than count entries.
type Store interface {
	Put(ctx context.Context, key string, fields map[string]string) error
	Get(ctx context.Context, key string) (map[string]string, error)
	UpdateFields(ctx context.Context, key string, delta map[string]string) error

	// IncrField atomically adds delta to an integer-valued field and
	// returns the new value. Missing fields start at zero.
	IncrField(ctx context.Context, key, field string, delta int64) (int64, error)

	AddToSet(ctx context.Context, key string, members ...string) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	ReadFrom(ctx context.Context, stream, lastID string, count int, block time.Duration) ([]Entry, error)

	// LastID returns the id of the stream's newest entry, or StreamStart
	// for an empty stream. Tailing from this position delivers exactly the
	// entries appended afterwards.
	LastID(ctx context.Context, stream string) (string, error)

	// Expire marks a key for deletion after ttl. Used only for transient
	// keys (reply streams); durable records are never expired.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}
