// Package redisengine is an Engine backed by Redis (or Valkey /
// DragonflyDB, which speak the same protocol). Grounded on
// evalgo-org-eve's db/repository/redis.go: key prefixing by concern
// (here a single "kv:" namespace), redis.Nil translated to a sentinel
// not-found error, and go-redis/v9 as the client.
package redisengine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kvforge/corekv/engine"
)

const keyPrefix = "kv:"

// Engine is the Redis-backed corekv Engine. Values carry no expiry by
// default; RunMaintenance is a no-op since Redis reclaims expired keys
// itself.
type Engine struct {
	client *redis.Client
}

// Open parses a redis:// URL the same way
// repository.NewRedisRepository does and pings to fail fast.
func Open(url string) (*Engine, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Engine{client: client}, nil
}

// New wraps an already-configured client, for tests against miniredis
// or a shared pool.
func New(client *redis.Client) *Engine {
	return &Engine{client: client}
}

func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	return e.client.Set(ctx, keyPrefix+key, value, 0).Err()
}

func (e *Engine) PutStream(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return e.Put(ctx, key, data)
}

func (e *Engine) Get(ctx context.Context, key string) ([]byte, engine.Info, error) {
	data, err := e.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, engine.Info{}, engine.ErrNotFound
		}
		return nil, engine.Info{}, err
	}
	return data, engine.Info{Mod: time.Now(), Len: int64(len(data))}, nil
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
	n, err := e.client.StrLen(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return engine.Info{}, engine.ErrNotFound
		}
		return engine.Info{}, err
	}
	if n == 0 {
		exists, err := e.client.Exists(ctx, keyPrefix+key).Result()
		if err != nil {
			return engine.Info{}, err
		}
		if exists == 0 {
			return engine.Info{}, engine.ErrNotFound
		}
	}
	return engine.Info{Mod: time.Now(), Len: n}, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	n, err := e.client.Del(ctx, keyPrefix+key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// RunMaintenance is a no-op: Redis has no on-disk compaction step the
// engine needs to drive.
func (e *Engine) RunMaintenance(ctx context.Context) error { return nil }

func (e *Engine) Close() error { return e.client.Close() }

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
