package corekv

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kvforge/corekv/engine/fsengine"
)

func newStore(t *testing.T, cfg Config) (*Store, func()) {
	t.Helper()
	eng, err := fsengine.Open(t.TempDir())
	if err != nil {
		t.Fatalf("fsengine.Open: %v", err)
	}
	if cfg.TransDir == "" && cfg.Transactions {
		cfg.TransDir = t.TempDir()
	}
	s, err := Open(context.Background(), eng, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, func() { s.Shutdown(context.Background()) }
}

func TestPutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{})
	defer done()

	if err := s.Put(ctx, "records/a1", json.RawMessage(`{"title":"hello"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get(ctx, "records/a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != `{"title":"hello"}` {
		t.Fatalf("got %s", v)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{})
	defer done()

	_, err := s.Get(ctx, "records/missing")
	if !IsNotFound(err) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestBinaryKeyRejectedByPut(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{})
	defer done()

	if err := s.Put(ctx, "blobs/a1.png", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected InvalidInput for a binary key passed to Put")
	}
}

func TestCacheServesWithoutEngineRead(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{CacheKeyMatch: regexp.MustCompile(`^cached/`)})
	defer done()

	if err := s.Put(ctx, "cached/a1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "cached/a1"); err != nil {
		t.Fatal(err)
	}
	if s.GetStats().CacheHits != 1 {
		t.Fatalf("expected a cache hit, stats = %+v", s.GetStats())
	}
}

func TestListPushHoistedThroughTransaction(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{Transactions: true})
	defer done()

	if _, err := s.ListCreate(ctx, "queues/q1", 0); err != nil {
		t.Fatalf("ListCreate: %v", err)
	}
	if _, err := s.ListPush(ctx, "queues/q1", json.RawMessage(`"a"`), json.RawMessage(`"b"`)); err != nil {
		t.Fatalf("ListPush: %v", err)
	}
	items, err := s.ListGet(ctx, "queues/q1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
}

func TestHashPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{})
	defer done()

	if err := s.HashPut(ctx, "maps/m1", "k1", json.RawMessage(`"v1"`)); err != nil {
		t.Fatal(err)
	}
	v, err := s.HashGet(ctx, "maps/m1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != `"v1"` {
		t.Fatalf("got %s", v)
	}
}

func TestExpireAndRunMaintenanceDeletesKey(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{})
	defer done()

	if err := s.Put(ctx, "records/expiring", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	today := time.Now().UTC()
	if err := s.Expire(ctx, "records/expiring", today.Unix(), true); err != nil {
		t.Fatal(err)
	}
	s.queue.drain(ctx)

	if err := s.RunMaintenance(ctx, today.Format("2006-01-02")); err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if _, err := s.Get(ctx, "records/expiring"); !IsNotFound(err) {
		t.Fatalf("expected key deleted by maintenance, got %v", err)
	}
}

func TestRenameMovesRecord(t *testing.T) {
	ctx := context.Background()
	s, done := newStore(t, Config{})
	defer done()

	if err := s.Put(ctx, "records/src", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(ctx, "records/src", "records/dst"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "records/src"); !IsNotFound(err) {
		t.Fatalf("expected src gone, got %v", err)
	}
	if _, err := s.Get(ctx, "records/dst"); err != nil {
		t.Fatalf("expected dst present, got %v", err)
	}
}
