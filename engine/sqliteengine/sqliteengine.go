// Package sqliteengine is an Engine backed by a single SQLite database
// file, using modernc.org/sqlite's pure-Go database/sql driver (no
// cgo), the dependency AKJUS-bsc-erigon carries for its own embedded
// storage needs. All keys live in one table; RunMaintenance runs
// VACUUM INTO to produce a defragmented backup copy, the concrete
// "SQLite backup" maintenance example named alongside the filesystem
// engine's own compaction pass.
package sqliteengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/kvforge/corekv/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	modified INTEGER NOT NULL
)`

// Engine is the SQLite-backed corekv Engine.
type Engine struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) a SQLite database file at path.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Engine{db: db, path: path}, nil
}

func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, modified) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, modified = excluded.modified`,
		key, value, time.Now().UnixNano())
	return err
}

func (e *Engine) PutStream(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return e.Put(ctx, key, data)
}

func (e *Engine) Get(ctx context.Context, key string) ([]byte, engine.Info, error) {
	var value []byte
	var modNanos int64
	err := e.db.QueryRowContext(ctx, `SELECT value, modified FROM kv WHERE key = ?`, key).Scan(&value, &modNanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.Info{}, engine.ErrNotFound
		}
		return nil, engine.Info{}, err
	}
	return value, engine.Info{Mod: time.Unix(0, modNanos), Len: int64(len(value))}, nil
}

func (e *Engine) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Info, error) {
	data, info, err := e.Get(ctx, key)
	if err != nil {
		return nil, engine.Info{}, err
	}
	return io.NopCloser(newByteReader(data)), info, nil
}

func (e *Engine) GetStreamRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, engine.Info, error) {
	data, info, err := e.Get(ctx, key)
	if err != nil {
		return nil, engine.Info{}, err
	}
	if start < 0 || end > info.Len || start > end {
		return nil, info, engine.ErrInvalidRange
	}
	return io.NopCloser(newByteReader(data[start:end])), info, nil
}

func (e *Engine) Head(ctx context.Context, key string) (engine.Info, error) {
	var length int64
	var modNanos int64
	err := e.db.QueryRowContext(ctx, `SELECT length(value), modified FROM kv WHERE key = ?`, key).Scan(&length, &modNanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return engine.Info{}, engine.ErrNotFound
		}
		return engine.Info{}, err
	}
	return engine.Info{Mod: time.Unix(0, modNanos), Len: length}, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	res, err := e.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// RunMaintenance vacuums the live database into a sibling ".vacuum"
// file, a defragmented backup copy; the live database file itself is
// left in place and is not replaced by the copy.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	backup := e.path + ".vacuum"
	if _, err := e.db.ExecContext(ctx, `VACUUM INTO ?`, backup); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}

func (e *Engine) Close() error { return e.db.Close() }

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
