// OS-level file locking, guarding fsengine's own maintenance pass
// against concurrent maintenance from another process sharing the same
// directory. Adapted from the teacher's fileLock (jpl-au/folio lock.go):
// the mutex is held for the entire flock syscall so Fd() cannot race
// with Close() on the same *os.File.
package fsengine

import (
	"os"
	"sync"
)

type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.lock(mode)
}

func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.unlock()
}

func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
}
