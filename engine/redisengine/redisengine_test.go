// Redis engine tests against miniredis, the teacher's own test
// approach for its Redis/DragonflyDB repository (db/dragonflydb_test.go).
package redisengine

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kvforge/corekv/engine"
)

func open(t *testing.T) *Engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client)
}

// TestPutGetRoundTrip verifies a value written through Put reads back
// identically, with Len matching in Get's Info.
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
	if string(data) != "hello" || info.Len != 5 {
		t.Errorf("got %q len=%d, want hello len=5", data, info.Len)
	}
}

// TestGetMissingIsNotFound verifies redis.Nil translates to
// engine.ErrNotFound, not a raw redis error.
func TestGetMissingIsNotFound(t *testing.T) {
	e := open(t)
	if _, _, err := e.Get(context.Background(), "nope"); err != engine.ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// TestDeleteMissingIsNotFound verifies deleting an absent key reports
// NotFound rather than silently succeeding.
func TestDeleteMissingIsNotFound(t *testing.T) {
	e := open(t)
	if err := e.Delete(context.Background(), "nope"); err != engine.ErrNotFound {
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
	buf := make([]byte, 3)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	rc.Close()
	if string(buf) != "234" {
		t.Errorf("got %q, want 234", buf)
	}

	if _, _, err := e.GetStreamRange(ctx, "k", 5, 50); err != engine.ErrInvalidRange {
		t.Errorf("got %v, want ErrInvalidRange", err)
	}
}

// TestHeadReportsLength verifies Head returns the stored value's
// length without transferring the value itself.
func TestHeadReportsLength(t *testing.T) {
	e := open(t)
	ctx := context.Background()
	e.Put(ctx, "k", []byte("abcdef"))
	info, err := e.Head(ctx, "k")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.Len != 6 {
		t.Errorf("Len = %d, want 6", info.Len)
	}
}
