package corekv

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/goccy/go-json"

	"github.com/kvforge/corekv/engine"
	"github.com/kvforge/corekv/list"
	"github.com/kvforge/corekv/lock"
	"github.com/kvforge/corekv/phash"
	"github.com/kvforge/corekv/txn"
)

// Store is the facade spec.md §4.2 describes: one engine plus the
// lock manager, cache, task queue, event log and transaction manager
// layered over it, and the list/hash containers built on top.
type Store struct {
	eng   engine.Engine
	locks *lock.Manager
	cfg   Config

	lists  *list.Container
	hashes *phash.Container
	trans  *txn.Manager

	cache  *recordCache
	queue  *taskQueue
	events *eventLog
	stats  *statTracker

	customTypesMu sync.RWMutex
	customTypes   map[string]customDeleter

	closeOnce sync.Once
}

// Open wires a Store around eng using cfg (zero-valued fields
// defaulted per withDefaults). If cfg.Transactions and
// cfg.TransAutoRecover are set and a PID file survives from an unclean
// shutdown, recovery runs before Open returns.
func Open(ctx context.Context, eng engine.Engine, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	locks := lock.New(cfg.Logger)

	stats := newStatTracker()
	s := &Store{
		eng:    eng,
		locks:  locks,
		cfg:    cfg,
		cache:  newRecordCache(cfg.CacheKeyMatch),
		queue:  newTaskQueue(cfg.Concurrency, cfg.QueueTimeout, cfg.Logger, stats),
		events: newEventLog(cfg.MaxRecentEvents, cfg.LogEventTypes),
		stats:  stats,
	}
	s.lists = list.New(s, locks, cfg.ListPageSize)
	s.hashes = phash.New(s, locks, cfg.HashPageSize)
	s.registerExpireHandler()

	if cfg.Transactions {
		s.trans = txn.New(eng, locks, cfg.TransDir, cfg.Logger)
		if cfg.TransAutoRecover && s.trans.NeedsRecovery() {
			if err := s.trans.Recover(ctx); err != nil {
				return nil, Fatal(err)
			}
		}
		if err := s.trans.WritePID(); err != nil {
			return nil, EngineErr(err)
		}
	}
	return s, nil
}

// GetRaw/PutRaw/DeleteRaw/NotFound satisfy list.RawEngine/
// phash.RawEngine so the Store itself can back its own non-
// transactional list/hash containers without an extra adapter type.
func (s *Store) GetRaw(ctx context.Context, key string) ([]byte, error) {
	v, _, err := s.eng.Get(ctx, key)
	return v, err
}
func (s *Store) PutRaw(ctx context.Context, key string, value []byte) error {
	return s.eng.Put(ctx, key, value)
}
func (s *Store) DeleteRaw(ctx context.Context, key string) error {
	return s.eng.Delete(ctx, key)
}
func (s *Store) NotFound(err error) bool { return IsNotFound(err) }

func requireBinary(key string) error {
	if !IsBinaryKey(key) {
		return InvalidInput("key " + key + " is not a binary key")
	}
	return nil
}
func requireJSON(key string) error {
	if IsBinaryKey(key) {
		return InvalidInput("key " + key + " is not a JSON key")
	}
	return nil
}

// Put stores a structured record at a JSON key.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	key = Normalize(key)
	if err := requireJSON(key); err != nil {
		return err
	}
	if err := s.eng.Put(ctx, key, value); err != nil {
		return EngineErr(err)
	}
	s.cache.invalidate(key)
	s.cache.maybeFill(key, value)
	s.events.record("put", key)
	s.stats.incWrites()
	return nil
}

// PutBuffer stores a raw byte buffer at a binary key.
func (s *Store) PutBuffer(ctx context.Context, key string, value []byte) error {
	key = Normalize(key)
	if err := requireBinary(key); err != nil {
		return err
	}
	if err := s.eng.Put(ctx, key, value); err != nil {
		return EngineErr(err)
	}
	s.events.record("put", key)
	s.stats.incWrites()
	return nil
}

// PutStream stores a binary key's value from a reader.
func (s *Store) PutStream(ctx context.Context, key string, r io.Reader) error {
	key = Normalize(key)
	if err := requireBinary(key); err != nil {
		return err
	}
	if err := s.eng.PutStream(ctx, key, r); err != nil {
		return EngineErr(err)
	}
	s.events.record("put", key)
	s.stats.incWrites()
	return nil
}

// PutStreamCustom stores a binary key's value with engine-specific
// upload options, falling back to PutStream if the engine doesn't
// implement StreamCustomizer.
func (s *Store) PutStreamCustom(ctx context.Context, key string, r io.Reader, opts engine.StreamOptions) error {
	key = Normalize(key)
	if err := requireBinary(key); err != nil {
		return err
	}
	if sc, ok := s.eng.(engine.StreamCustomizer); ok {
		if err := sc.PutStreamCustom(ctx, key, r, opts); err != nil {
			return EngineErr(err)
		}
	} else if err := s.eng.PutStream(ctx, key, r); err != nil {
		return EngineErr(err)
	}
	s.events.record("put", key)
	s.stats.incWrites()
	return nil
}

// Get reads a structured record from a JSON key, using the cache when
// the key matches CacheKeyMatch.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	key = Normalize(key)
	if err := requireJSON(key); err != nil {
		return nil, err
	}
	if v, ok := s.cache.get(key); ok {
		s.stats.incCacheHits()
		return v, nil
	}
	v, _, err := s.eng.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, NotFound(key)
		}
		return nil, EngineErr(err)
	}
	s.cache.maybeFill(key, v)
	s.stats.incReads()
	return v, nil
}

// GetBuffer reads a binary key's raw value.
func (s *Store) GetBuffer(ctx context.Context, key string) ([]byte, engine.Info, error) {
	key = Normalize(key)
	if err := requireBinary(key); err != nil {
		return nil, engine.Info{}, err
	}
	v, info, err := s.eng.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, engine.Info{}, NotFound(key)
		}
		return nil, engine.Info{}, EngineErr(err)
	}
	s.stats.incReads()
	return v, info, nil
}

// GetStream streams a binary key's value.
func (s *Store) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Info, error) {
	key = Normalize(key)
	if err := requireBinary(key); err != nil {
		return nil, engine.Info{}, err
	}
	rc, info, err := s.eng.GetStream(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, engine.Info{}, NotFound(key)
		}
		return nil, engine.Info{}, EngineErr(err)
	}
	s.stats.incReads()
	return rc, info, nil
}

// GetStreamRange streams a byte range of a binary key's value.
func (s *Store) GetStreamRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, engine.Info, error) {
	key = Normalize(key)
	if err := requireBinary(key); err != nil {
		return nil, engine.Info{}, err
	}
	rc, info, err := s.eng.GetStreamRange(ctx, key, start, end)
	if err != nil {
		if IsNotFound(err) {
			return nil, engine.Info{}, NotFound(key)
		}
		return nil, engine.Info{}, EngineErr(err)
	}
	s.stats.incReads()
	return rc, info, nil
}

// Head returns metadata for any key, JSON or binary.
func (s *Store) Head(ctx context.Context, key string) (engine.Info, error) {
	key = Normalize(key)
	info, err := s.eng.Head(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return engine.Info{}, NotFound(key)
		}
		return engine.Info{}, EngineErr(err)
	}
	return info, nil
}

// Delete removes any key, JSON or binary.
func (s *Store) Delete(ctx context.Context, key string) error {
	key = Normalize(key)
	if err := s.eng.Delete(ctx, key); err != nil {
		if IsNotFound(err) {
			return NotFound(key)
		}
		return EngineErr(err)
	}
	s.cache.invalidate(key)
	s.events.record("delete", key)
	s.stats.incWrites()
	return nil
}

// Copy reads a single record from src and writes it to dst (plain byte-level
// copy; list/hash-aware copies go through Container.Copy/Rename).
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	src, dst = Normalize(src), Normalize(dst)
	v, _, err := s.eng.Get(ctx, src)
	if err != nil {
		if IsNotFound(err) {
			return NotFound(src)
		}
		return EngineErr(err)
	}
	if err := s.eng.Put(ctx, dst, v); err != nil {
		return EngineErr(err)
	}
	s.cache.invalidate(dst)
	return nil
}

// Rename copies src to dst then deletes src.
func (s *Store) Rename(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	return s.Delete(ctx, src)
}

// Lock/Unlock/ShareLock/ShareUnlock expose the user key-space lock
// namespace directly to callers that need manual critical sections.
func (s *Store) Lock(ctx context.Context, key string, wait bool) (*lock.Handle, error) {
	return s.locks.Lock(ctx, lock.Namespace("", Normalize(key)), wait)
}
func (s *Store) ShareLock(ctx context.Context, key string, wait bool) (*lock.Handle, error) {
	return s.locks.ShareLock(ctx, lock.Namespace("", Normalize(key)), wait)
}

// Lists/Hashes expose the containers for direct (non-transactional)
// structural access; compound list/hash operations issued through
// these run against the live engine with no hoisted transaction.
func (s *Store) Lists() *list.Container  { return s.lists }
func (s *Store) Hashes() *phash.Container { return s.hashes }

// WithTransaction implements spec.md §4.6.2's compound hoisting: opens
// a transaction on key, runs fn against list/hash containers backed by
// the transaction's overlay, commits, and releases any post-commit
// tasks to the queue. When transactions aren't configured, fn is
// called with the Store's own direct containers instead.
func (s *Store) WithTransaction(ctx context.Context, key string, fn func(lists *list.Container, hashes *phash.Container) error) error {
	if s.trans == nil {
		return fn(s.lists, s.hashes)
	}
	tx, err := s.trans.Begin(ctx, Normalize(key))
	if err != nil {
		return EngineErr(err)
	}
	lists := list.New(tx, s.locks, s.cfg.ListPageSize)
	hashes := phash.New(tx, s.locks, s.cfg.HashPageSize)

	if err := fn(lists, hashes); err != nil {
		if aerr := tx.Abort(ctx); aerr != nil {
			s.cfg.Logger.Error().Err(aerr).Msg("corekv: abort after operation failure also failed")
		}
		return err
	}
	tasks, err := tx.Commit(ctx)
	if err != nil {
		if errors.Is(err, txn.ErrFatal) {
			// Apply phase failed after the rollback log was made durable:
			// per spec.md §4.6.3 this process must stop issuing writes, so
			// the "T|path" lock is deliberately left held rather than
			// released by an Abort here. Recover on next startup (or a
			// fresh process) repairs the engine from the surviving log.
			return Fatal(err)
		}
		// Pre-apply failures already self-abort inside Commit (the
		// rollback log was never made durable, so nothing needs undoing).
		return EngineErr(err)
	}
	for _, task := range tasks {
		s.queue.enqueue(task)
	}
	return nil
}

// RunMaintenance runs the engine's maintenance hook and the daily
// expiration sweep (spec.md §4.2, §3.7).
func (s *Store) RunMaintenance(ctx context.Context, date string) error {
	if err := s.runCleanup(ctx, date); err != nil {
		return err
	}
	if err := s.eng.RunMaintenance(ctx); err != nil {
		return EngineErr(err)
	}
	s.cache.resetNegativeCache()
	return nil
}

// Shutdown drains the task queue, removes the transaction manager's
// PID marker (signaling a clean exit, so the next Open skips
// recovery), then closes the engine.
func (s *Store) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.queue.drain(ctx)
		if s.trans != nil {
			if perr := s.trans.RemovePID(); perr != nil {
				err = EngineErr(perr)
				return
			}
		}
		if cerr := s.eng.Close(); cerr != nil {
			err = EngineErr(cerr)
		}
	})
	return err
}

