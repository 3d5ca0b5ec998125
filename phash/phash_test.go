// Hash container tests against an in-memory RawEngine fake, checking
// the round-trip, split and unsplit invariants from spec §8.
package phash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/kvforge/corekv/lock"
)

var errNotFound = errors.New("not found")

type memEngine struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemEngine() *memEngine { return &memEngine{data: make(map[string][]byte)} }

func (m *memEngine) GetRaw(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *memEngine) PutRaw(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memEngine) DeleteRaw(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return errNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *memEngine) NotFound(err error) bool { return errors.Is(err, errNotFound) }

func newContainer(pageSize int) *Container {
	return New(newMemEngine(), lock.New(zerolog.Nop()), pageSize)
}

func strVal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// TestHashRoundTrip verifies every inserted key reads back with its
// value and GetAll reconstructs the full mapping.
func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newContainer(10)
	c.Create(ctx, "H", 10)

	want := map[string]string{}
	for i := 0; i < 25; i++ {
		k := fmt.Sprintf("key%d", i)
		v := fmt.Sprintf("Value %d", i)
		want[k] = v
		if err := c.Put(ctx, "H", k, strVal(v), 10); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	for k, v := range want {
		got, err := c.Get(ctx, "H", k)
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		var s string
		json.Unmarshal(got, &s)
		if s != v {
			t.Errorf("Get(%s) = %q, want %q", k, s, v)
		}
	}
	all, err := c.GetAll(ctx, "H")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != len(want) {
		t.Fatalf("len(all) = %d, want %d", len(all), len(want))
	}
}

// TestUnsplitAfterDeletes verifies that deleting items until the
// header length is within page_size collapses the root back to a
// leaf (no inner-node descendants).
func TestUnsplitAfterDeletes(t *testing.T) {
	ctx := context.Background()
	c := newContainer(5)
	c.Create(ctx, "H", 5)
	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%d", i)
		keys = append(keys, k)
		if err := c.Put(ctx, "H", k, strVal("v"), 5); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	typ, err := c.readNodeType(ctx, dataKey("H"))
	if err != nil {
		t.Fatalf("readNodeType: %v", err)
	}
	if typ != "hash_index" {
		t.Fatalf("expected split after 20 inserts at page_size=5, got %s", typ)
	}

	for _, k := range keys[:17] {
		if err := c.Delete(ctx, "H", k); err != nil {
			t.Fatalf("Delete(%s): %v", k, err)
		}
	}
	typ, err = c.readNodeType(ctx, dataKey("H"))
	if err != nil {
		t.Fatalf("readNodeType: %v", err)
	}
	if typ != "hash_page" {
		t.Errorf("expected unsplit leaf after deletes, got %s", typ)
	}
}

// TestGetAfterSplitUsesSameNibbleAsPut verifies that split buckets
// children by the same digest nibble that put/get/delete navigation
// uses to descend from depth to depth+1, so every key inserted before
// a split remains reachable afterward.
func TestGetAfterSplitUsesSameNibbleAsPut(t *testing.T) {
	ctx := context.Background()
	c := newContainer(3)
	c.Create(ctx, "H", 3)

	keys := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		k := fmt.Sprintf("splitkey%d", i)
		keys = append(keys, k)
		if err := c.Put(ctx, "H", k, strVal(k), 3); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	typ, err := c.readNodeType(ctx, dataKey("H"))
	if err != nil {
		t.Fatalf("readNodeType: %v", err)
	}
	if typ != "hash_index" {
		t.Fatalf("expected split after 12 inserts at page_size=3, got %s", typ)
	}
	for _, k := range keys {
		got, err := c.Get(ctx, "H", k)
		if err != nil {
			t.Fatalf("Get(%s) after split: %v", k, err)
		}
		var s string
		json.Unmarshal(got, &s)
		if s != k {
			t.Errorf("Get(%s) after split = %q, want %q", k, s, k)
		}
	}
}

// TestDeleteMissingKeyIsNoSuchKey verifies deleting an absent key
// reports the container's own NoSuchKey sentinel.
func TestDeleteMissingKeyIsNoSuchKey(t *testing.T) {
	ctx := context.Background()
	c := newContainer(10)
	c.Create(ctx, "H", 10)
	err := c.Delete(ctx, "H", "nope")
	if !IsNoSuchKey(err) {
		t.Errorf("got %v, want NoSuchKey", err)
	}
}

// TestChecksumIsOrderIndependent verifies two hashes with the same
// fields checksum equal regardless of insertion order.
func TestChecksumIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	a := newContainer(10)
	a.Create(ctx, "H", 10)
	a.Put(ctx, "H", "k1", strVal("v1"), 10)
	a.Put(ctx, "H", "k2", strVal("v2"), 10)

	b := newContainer(10)
	b.Create(ctx, "H", 10)
	b.Put(ctx, "H", "k2", strVal("v2"), 10)
	b.Put(ctx, "H", "k1", strVal("v1"), 10)

	sa, err := a.Checksum(ctx, "H")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	sb, err := b.Checksum(ctx, "H")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if sa != sb {
		t.Fatalf("checksums differ by insertion order: %x != %x", sa, sb)
	}
}

// TestChecksumChangesOnEdit verifies a field edit changes the checksum.
func TestChecksumChangesOnEdit(t *testing.T) {
	ctx := context.Background()
	c := newContainer(10)
	c.Create(ctx, "H", 10)
	c.Put(ctx, "H", "k1", strVal("v1"), 10)
	before, err := c.Checksum(ctx, "H")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	c.Put(ctx, "H", "k1", strVal("v2"), 10)
	after, err := c.Checksum(ctx, "H")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if before == after {
		t.Fatal("checksum did not change after editing a field")
	}
}

// TestContentDigestIsStable verifies ContentDigest is deterministic
// across repeated calls against the same data.
func TestContentDigestIsStable(t *testing.T) {
	ctx := context.Background()
	c := newContainer(10)
	c.Create(ctx, "H", 10)
	c.Put(ctx, "H", "k1", strVal("v1"), 10)
	c.Put(ctx, "H", "k2", strVal("v2"), 10)

	d1, err := c.ContentDigest(ctx, "H")
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	d2, err := c.ContentDigest(ctx, "H")
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("ContentDigest not stable: %s != %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Fatalf("want a 32-byte hex digest (64 chars), got %d", len(d1))
	}
}
