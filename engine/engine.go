// Package engine defines the byte-level storage boundary every backend
// (filesystem, S3, Redis, MongoDB, Couchbase, SQLite) must implement.
//
// An Engine knows nothing about lists, hashes, indexes or transactions —
// it stores and retrieves opaque byte values under string keys. Every
// higher-level container in corekv is built by composing calls to an
// Engine under a lock held by corekv/lock.
package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is the sentinel every Engine must return (wrapped or
// directly) for a get/head/delete against a missing key. Store
// translates this into the stable NoSuchKey error code regardless of
// which engine raised it.
var ErrNotFound = errors.New("engine: no such key")

// ErrInvalidRange is returned by GetStreamRange when start/end fall
// outside the object's current length.
var ErrInvalidRange = errors.New("engine: invalid range")

// Info describes a stored value's metadata.
type Info struct {
	Mod time.Time
	Len int64
}

// StreamOptions carries engine-specific upload parameters for
// PutStreamCustom (e.g. S3 storage class, content type).
type StreamOptions map[string]any

// Engine is the byte-level storage boundary. Implementations translate
// their own failure modes to ErrNotFound where the spec requires it;
// every other failure is returned as-is so Store can log and propagate
// the engine's own message.
type Engine interface {
	Put(ctx context.Context, key string, value []byte) error
	PutStream(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) ([]byte, Info, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, Info, error)
	GetStreamRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, Info, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) error
	RunMaintenance(ctx context.Context) error
	Close() error
}

// StreamCustomizer is implemented by engines that accept per-upload
// options (S3 storage class and the like). Engines without a notion
// of upload options simply don't implement it; Store falls back to
// PutStream.
type StreamCustomizer interface {
	PutStreamCustom(ctx context.Context, key string, r io.Reader, opts StreamOptions) error
}

// TempFileCommitter is implemented only by engines that can adopt a
// transaction's already-written scratch file directly (the filesystem
// engine copies its contents into place; the scratch file is not
// renamed). Used exclusively by corekv/txn's
// commit fast path (spec §4.6.3 step 5).
type TempFileCommitter interface {
	CommitTempFile(ctx context.Context, key, tmpPath string) error
}

// BatchPutter, BatchGetter, BatchHeader and BatchDeleter are optional
// batch primitives (spec §4.2, §6.1). Store uses them directly
// whenever the active engine implements them, without checking whether
// a transaction is in progress; otherwise it falls back to
// bounded-parallel fan-out over the single-key methods.
type BatchPutter interface {
	PutMulti(ctx context.Context, items map[string][]byte) error
}

type BatchGetter interface {
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
}

type BatchHeader interface {
	HeadMulti(ctx context.Context, keys []string) (map[string]Info, error)
}

type BatchDeleter interface {
	DeleteMulti(ctx context.Context, keys []string) error
}
