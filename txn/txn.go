// Package txn is the transaction layer of spec.md §4.6: an in-memory
// overlay over an engine.Engine, backed by per-transaction scratch
// files and a rollback log used for crash recovery.
//
// Grounded on the teacher's write.go (atomic tmp+rename writes) for
// the "never touch the real file until the replacement is fully
// durable" discipline that protects the rollback log and per-key
// scratch files, and on compress.go for reusing its zstd dependency:
// here it compresses large pre-images inline in the rollback log
// rather than a standalone history snapshot.
package txn

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/kvforge/corekv/engine"
	"github.com/kvforge/corekv/lock"
)

// preImageCompressThreshold is the size at or above which a pre-image is
// zstd-compressed before being written to the rollback log; small
// pre-images aren't worth the encoder's framing overhead.
const preImageCompressThreshold = 4096

// A shared encoder/decoder pair, not one constructed per call: zstd
// encoder/decoder setup is expensive (internal state tables), and
// both are documented safe for concurrent use via EncodeAll/DecodeAll.
var (
	preImageEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	preImageDecoder, _ = zstd.NewReader(nil)
)

func compressPreImage(v []byte) ([]byte, bool, error) {
	if len(v) < preImageCompressThreshold {
		return v, false, nil
	}
	return preImageEncoder.EncodeAll(v, nil), true, nil
}

func decompressPreImage(v []byte) ([]byte, error) {
	return preImageDecoder.DecodeAll(v, nil)
}

// KeyState tracks what a transaction has done to one key, mirroring
// the single-character states spec.md §4.6.1 uses ('W' written, 'D'
// deleted).
type KeyState byte

const (
	StateWritten KeyState = 'W'
	StateDeleted KeyState = 'D'
)

// QueuedTask is a post-commit side effect accumulated during a
// transaction (spec.md §4.6.6), released to the Store facade's queue
// only once commit succeeds.
type QueuedTask struct {
	Name string
	Data json.RawMessage
}

// ErrTransactionDone is returned by any operation against a
// transaction that has already committed or aborted.
var ErrTransactionDone = errors.New("txn: transaction already committed or aborted")

// ErrFatal marks a failure in the commit-apply phase (spec.md §4.6.3
// steps 5-7): the rollback log was durably written, so recovery can
// still repair the store, but this process must stop issuing new
// writes until it does.
var ErrFatal = errors.New("txn: fatal error in commit apply phase")

// Manager opens and recovers transactions against one engine.
type Manager struct {
	eng   engine.Engine
	locks *lock.Manager
	dir   string
	log   zerolog.Logger
}

// New builds a Manager rooted at dir (spec.md §6.2 TransDir), using
// locks for the "T|path"/"C|path" namespace spec.md §4.6 names.
func New(eng engine.Engine, locks *lock.Manager, dir string, logger zerolog.Logger) *Manager {
	return &Manager{eng: eng, locks: locks, dir: dir, log: logger}
}

func (m *Manager) dataDir() string { return filepath.Join(m.dir, "data") }
func (m *Manager) logsDir() string { return filepath.Join(m.dir, "logs") }
func (m *Manager) pidPath() string { return filepath.Join(m.dir, "pid") }

func (m *Manager) ensureDirs() error {
	if err := os.MkdirAll(m.dataDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(m.logsDir(), 0o755)
}

// WritePID records this process's pid, marking a clean-shutdown check
// point per spec.md §4.6.5. RemovePID must run on graceful shutdown;
// its presence at the next Open is what triggers Recover.
func (m *Manager) WritePID() error {
	if err := m.ensureDirs(); err != nil {
		return err
	}
	return os.WriteFile(m.pidPath(), []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// RemovePID clears the clean-shutdown marker.
func (m *Manager) RemovePID() error {
	err := os.Remove(m.pidPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// NeedsRecovery reports whether a PID file survives from an unclean
// shutdown.
func (m *Manager) NeedsRecovery() bool {
	_, err := os.Stat(m.pidPath())
	return err == nil
}

// Transaction is one in-flight transaction's overlay state.
type Transaction struct {
	mgr    *Manager
	id     string
	path   string
	handle *lock.Handle

	mu    sync.Mutex
	keys  map[string]KeyState
	queue []QueuedTask
	done  bool
}

// Begin acquires "T|path" and returns a new transaction overlay
// (spec.md §4.6.1).
func (m *Manager) Begin(ctx context.Context, path string) (*Transaction, error) {
	if err := m.ensureDirs(); err != nil {
		return nil, err
	}
	h, err := m.locks.Lock(ctx, lock.Namespace("T|", path), true)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		mgr:  m,
		id:   uuid.NewString(),
		path: path,
		keys: map[string]KeyState{},
		handle: h,
	}, nil
}

func (t *Transaction) dataFile(key string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(t.mgr.dataDir(), fmt.Sprintf("%s-%x.json", t.id, sum))
}

type scratch struct {
	Value []byte `json:"value"`
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get resolves key against the overlay: untouched reads through to
// the engine, 'W' reads the scratch file, 'D' synthesizes NotFound.
func (t *Transaction) Get(ctx context.Context, key string) ([]byte, engine.Info, error) {
	t.mu.Lock()
	state, tracked := t.keys[key]
	t.mu.Unlock()

	switch {
	case !tracked:
		return t.mgr.eng.Get(ctx, key)
	case state == StateDeleted:
		return nil, engine.Info{}, engine.ErrNotFound
	default:
		raw, err := os.ReadFile(t.dataFile(key))
		if err != nil {
			return nil, engine.Info{}, err
		}
		var s scratch
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, engine.Info{}, err
		}
		fi, statErr := os.Stat(t.dataFile(key))
		info := engine.Info{Len: int64(len(s.Value))}
		if statErr == nil {
			info.Mod = fi.ModTime()
		}
		return s.Value, info, nil
	}
}

// Head mirrors Get without returning the value.
func (t *Transaction) Head(ctx context.Context, key string) (engine.Info, error) {
	_, info, err := t.Get(ctx, key)
	return info, err
}

// Put writes value into the transaction's scratch file and marks key
// written.
func (t *Transaction) Put(ctx context.Context, key string, value []byte) error {
	data, err := json.Marshal(scratch{Value: value})
	if err != nil {
		return err
	}
	if err := writeAtomic(t.dataFile(key), data); err != nil {
		return err
	}
	t.mu.Lock()
	t.keys[key] = StateWritten
	t.mu.Unlock()
	return nil
}

// Delete requires key to currently exist and marks it deleted.
func (t *Transaction) Delete(ctx context.Context, key string) error {
	if _, _, err := t.Get(ctx, key); err != nil {
		return err
	}
	t.mu.Lock()
	prev, tracked := t.keys[key]
	t.keys[key] = StateDeleted
	t.mu.Unlock()
	if tracked && prev == StateWritten {
		os.Remove(t.dataFile(key))
	}
	return nil
}

// NotFound reports whether err is the engine's missing-key sentinel,
// letting *Transaction satisfy list.RawEngine/phash.RawEngine/
// index.RawEngine directly.
func (t *Transaction) NotFound(err error) bool { return errors.Is(err, engine.ErrNotFound) }

// GetRaw/PutRaw/DeleteRaw adapt Get/Put/Delete to the narrow
// RawEngine shape list/phash/index depend on, so a *Transaction can
// back those containers the same way a raw engine.Engine does.
func (t *Transaction) GetRaw(ctx context.Context, key string) ([]byte, error) {
	v, _, err := t.Get(ctx, key)
	return v, err
}
func (t *Transaction) PutRaw(ctx context.Context, key string, value []byte) error {
	return t.Put(ctx, key, value)
}
func (t *Transaction) DeleteRaw(ctx context.Context, key string) error {
	return t.Delete(ctx, key)
}

// Enqueue accumulates a post-commit task (spec.md §4.6.6); released to
// the caller only from Commit's return value.
func (t *Transaction) Enqueue(name string, data json.RawMessage) {
	t.mu.Lock()
	t.queue = append(t.queue, QueuedTask{Name: name, Data: data})
	t.mu.Unlock()
}

type logHeader struct {
	ID   string    `json:"id"`
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

type logRecord struct {
	Key        string `json:"key"`
	Value      []byte `json:"value"`
	Present    bool   `json:"present"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Commit runs spec.md §4.6.3 under "C|path": write and fsync a
// rollback log capturing every touched key's pre-image, apply writes
// and deletes to the engine, then drop the log. Failure before the
// apply phase aborts (nothing real was touched yet); failure during
// or after it is fatal, since the log may have partially applied.
func (t *Transaction) Commit(ctx context.Context) ([]QueuedTask, error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, ErrTransactionDone
	}
	keys := make(map[string]KeyState, len(t.keys))
	for k, v := range t.keys {
		keys[k] = v
	}
	queue := t.queue
	t.mu.Unlock()

	ch, err := t.mgr.locks.Lock(ctx, lock.Namespace("C|", t.path), true)
	if err != nil {
		t.Abort(ctx)
		return nil, err
	}
	defer ch.Release()

	logFile := filepath.Join(t.mgr.logsDir(), t.id+".log")
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		t.Abort(ctx)
		return nil, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(logHeader{ID: t.id, Path: t.path, Time: timeNow()}); err != nil {
		f.Close()
		os.Remove(logFile)
		t.Abort(ctx)
		return nil, err
	}
	for key := range keys {
		pre, _, err := t.mgr.eng.Get(ctx, key)
		present := true
		if err != nil {
			if !errors.Is(err, engine.ErrNotFound) {
				f.Close()
				os.Remove(logFile)
				t.Abort(ctx)
				return nil, err
			}
			present = false
			pre = nil
		}
		stored, compressed, cerr := compressPreImage(pre)
		if cerr != nil {
			f.Close()
			os.Remove(logFile)
			t.Abort(ctx)
			return nil, cerr
		}
		if err := enc.Encode(logRecord{Key: key, Value: stored, Present: present, Compressed: compressed}); err != nil {
			f.Close()
			os.Remove(logFile)
			t.Abort(ctx)
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(logFile)
		t.Abort(ctx)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(logFile)
		t.Abort(ctx)
		return nil, err
	}
	f.Close()
	fsyncDir(t.mgr.logsDir())

	// Apply phase: from here, failures are fatal. The rollback log is
	// already durable, so a crash now is repaired by Recover on next
	// startup rather than by this process.
	for key, state := range keys {
		switch state {
		case StateWritten:
			if err := t.applyWrite(ctx, key); err != nil {
				return queue, fmt.Errorf("%w: apply %s: %v", ErrFatal, key, err)
			}
		case StateDeleted:
			if err := t.mgr.eng.Delete(ctx, key); err != nil && !errors.Is(err, engine.ErrNotFound) {
				return queue, fmt.Errorf("%w: delete %s: %v", ErrFatal, key, err)
			}
		}
	}
	fsyncDir(t.mgr.dataDir())
	if err := os.Remove(logFile); err != nil {
		return queue, fmt.Errorf("%w: remove log: %v", ErrFatal, err)
	}

	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.handle.Release()
	t.cleanupDataFiles()
	return queue, nil
}

func (t *Transaction) applyWrite(ctx context.Context, key string) error {
	tmp := t.dataFile(key)
	if committer, ok := t.mgr.eng.(engine.TempFileCommitter); ok {
		raw, err := os.ReadFile(tmp)
		if err != nil {
			return err
		}
		var s scratch
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		valueTmp := tmp + ".value"
		if err := os.WriteFile(valueTmp, s.Value, 0o644); err != nil {
			return err
		}
		defer os.Remove(valueTmp)
		return committer.CommitTempFile(ctx, key, valueTmp)
	}
	raw, err := os.ReadFile(tmp)
	if err != nil {
		return err
	}
	var s scratch
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	return t.mgr.eng.Put(ctx, key, s.Value)
}

// Abort discards the transaction's overlay without ever touching the
// real engine (nothing is applied until Commit's apply phase), per
// spec.md §4.6.4.
func (t *Transaction) Abort(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTransactionDone
	}
	t.done = true
	t.mu.Unlock()
	t.cleanupDataFiles()
	t.handle.Release()
	return nil
}

func (t *Transaction) cleanupDataFiles() {
	t.mu.Lock()
	keys := make([]string, 0, len(t.keys))
	for k := range t.keys {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	for _, k := range keys {
		os.Remove(t.dataFile(k))
		os.Remove(t.dataFile(k) + ".tmp")
	}
}

// fsyncDir best-effort fsyncs a directory to flush renames; ignored on
// filesystems that reject it (spec.md §4.6.3 step 4).
func fsyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	d.Sync()
}

func timeNow() time.Time { return time.Now() }
