// Filesystem engine CRUD and hierarchy tests, in the teacher's style:
// fresh temp directory per test, exercise the public surface, check
// the guarantee that would break if this regressed.
package fsengine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kvforge/corekv/engine"
)

func open(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// TestPutGetRoundTrip verifies a written value reads back unchanged,
// with Len in Head/Get info matching.
func TestPutGetRoundTrip(t *testing.T) {
	e := open(t)
	ctx := context.Background()
	if err := e.Put(ctx, "widgets/1", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, info, err := e.Get(ctx, "widgets/1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want hello", data)
	}
	if info.Len != 5 {
		t.Errorf("Len = %d, want 5", info.Len)
	}
}

// TestGetMissingIsNotFound verifies the engine translates a missing
// file into engine.ErrNotFound, not a raw os error.
func TestGetMissingIsNotFound(t *testing.T) {
	e := open(t)
	_, _, err := e.Get(context.Background(), "nope")
	if err != engine.ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// TestHierarchicalKeysCreateDirectories verifies a key with multiple
// '/' segments (as used by list pages K/3 and hash nodes
// K/data/a/f) creates the intermediate directories transparently.
func TestHierarchicalKeysCreateDirectories(t *testing.T) {
	e := open(t)
	ctx := context.Background()
	if err := e.Put(ctx, "list1/data/a/f", []byte("leaf")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, _, err := e.Get(ctx, "list1/data/a/f")
	if err != nil || string(data) != "leaf" {
		t.Fatalf("Get: %v %q", err, data)
	}
	if _, err := os.Stat(filepath.Join(e.dir, "list1", "data", "a")); err != nil {
		t.Errorf("intermediate directory not created: %v", err)
	}
}

// TestDeleteThenGetNotFound verifies Delete removes the file and a
// subsequent Get reports NotFound rather than stale content.
func TestDeleteThenGetNotFound(t *testing.T) {
	e := open(t)
	ctx := context.Background()
	e.Put(ctx, "k", []byte("v"))
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := e.Get(ctx, "k"); err != engine.ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// TestGetStreamRangeBounds verifies a range read returns only the
// requested slice and rejects out-of-bounds ranges.
func TestGetStreamRangeBounds(t *testing.T) {
	e := open(t)
	ctx := context.Background()
	e.Put(ctx, "k", []byte("0123456789"))

	rc, _, err := e.GetStreamRange(ctx, "k", 2, 5)
	if err != nil {
		t.Fatalf("GetStreamRange: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, []byte("234")) {
		t.Errorf("got %q, want 234", got)
	}

	if _, _, err := e.GetStreamRange(ctx, "k", 5, 50); err != engine.ErrInvalidRange {
		t.Errorf("got %v, want ErrInvalidRange", err)
	}
}

// TestCommitTempFileAdoptsScratchFile verifies the transaction fast
// path: a file written outside the engine's root is adopted at key
// without the caller going through PutStream.
func TestCommitTempFileAdoptsScratchFile(t *testing.T) {
	e := open(t)
	ctx := context.Background()

	scratch := filepath.Join(t.TempDir(), "scratch.json")
	if err := os.WriteFile(scratch, []byte("committed"), 0o644); err != nil {
		t.Fatalf("scratch write: %v", err)
	}
	if err := e.CommitTempFile(ctx, "txkey", scratch); err != nil {
		t.Fatalf("CommitTempFile: %v", err)
	}
	data, _, err := e.Get(ctx, "txkey")
	if err != nil || string(data) != "committed" {
		t.Fatalf("Get: %v %q", err, data)
	}
}
