// Package store provides the persistent map backing the sync engine: a
// small set of named spaces with atomic put/get/delete/scan and
// compare-and-swap, durable across process restarts.
package store

import (
	"context"

	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
)

type Space string

const (
	SpacePending    Space = "pending"
	SpaceFailed     Space = "failed"
	SpaceIndex      Space = "index"
	SpaceMeta       Space = "meta"
	SpaceOptimistic Space = "optimistic"
)

// Well-known meta keys.
const (
	MetaKeyProcessingLock = "processing_lock"
	MetaKeySchemaVersion  = "schema_version"
	MetaKeyEngineStatus   = "engine_status"
)

// SchemaVersion is written on create and checked on open; a database from
// a newer build refuses to open rather than silently corrupting state.
const SchemaVersion = 1

var (
	ErrNotFound      = infraerrors.NotFound("STORE_KEY_NOT_FOUND", "key not found")
	ErrStorage       = infraerrors.ServiceUnavailable("STORAGE", "persistent map operation failed")
	ErrSchemaVersion = infraerrors.ServiceUnavailable("STORE_SCHEMA_VERSION", "unsupported schema version")
)

// PersistentMap is the storage contract the engine depends on. Implementations
// must make each call atomic and durable before returning.
//
// CompareAndSwap compares the current value of (space, key) against old and,
// only on match, writes new. old == nil means "create only if absent";
// new == nil means "delete if current equals old". It reports whether the
// swap happened.
type PersistentMap interface {
	Put(ctx context.Context, space Space, key string, value []byte) error
	Get(ctx context.Context, space Space, key string) ([]byte, error)
	Delete(ctx context.Context, space Space, key string) error
	Scan(ctx context.Context, space Space, fn func(key string, value []byte) error) error
	CompareAndSwap(ctx context.Context, space Space, key string, old, new []byte) (bool, error)
	Close() error
}
