// List container tests against an in-memory RawEngine fake, checking
// the invariants spec'd for splice, push/pop and shift/unshift.
package list

import (
	"context"
	"errors"
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

func raw(v int) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func intOf(t *testing.T, m json.RawMessage) int {
	t.Helper()
	var v int
	if err := json.Unmarshal(m, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", m, err)
	}
	return v
}

// TestSpliceWrapAround mirrors spec end-to-end scenario 1: page_size=3,
// items 1..7 pushed, splice(idx=2, cut=3, ins=[9,10]) yields
// [1,2,9,10,6,7], length 6.
func TestSpliceWrapAround(t *testing.T) {
	ctx := context.Background()
	c := newContainer(3)
	if _, err := c.Create(ctx, "L", 3); err != nil {
		t.Fatalf("Create: %v", err)
	}
	items := make([]json.RawMessage, 7)
	for i := 0; i < 7; i++ {
		items[i] = raw(i + 1)
	}
	if _, err := c.Push(ctx, "L", items); err != nil {
		t.Fatalf("Push: %v", err)
	}

	cut, err := c.Splice(ctx, "L", 2, 3, []json.RawMessage{raw(9), raw(10)})
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(cut) != 3 || intOf(t, cut[0]) != 3 || intOf(t, cut[2]) != 5 {
		t.Fatalf("cut = %v, want [3,4,5]", cut)
	}

	all, err := c.Get(ctx, "L", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []int{1, 2, 9, 10, 6, 7}
	if len(all) != len(want) {
		t.Fatalf("len = %d, want %d", len(all), len(want))
	}
	for i, w := range want {
		if intOf(t, all[i]) != w {
			t.Errorf("all[%d] = %d, want %d", i, intOf(t, all[i]), w)
		}
	}
}

// TestPushPopOrder verifies pop returns the most recently pushed item
// and shrinks length.
func TestPushPopOrder(t *testing.T) {
	ctx := context.Background()
	c := newContainer(2)
	c.Create(ctx, "L", 2)
	c.Push(ctx, "L", []json.RawMessage{raw(1), raw(2), raw(3)})

	item, err := c.Pop(ctx, "L")
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if intOf(t, item) != 3 {
		t.Errorf("Pop = %d, want 3", intOf(t, item))
	}
	all, _ := c.Get(ctx, "L", 0, 0)
	if len(all) != 2 {
		t.Errorf("len = %d, want 2", len(all))
	}
}

// TestUnshiftShiftOrder verifies unshift prepends and shift removes
// from the head.
func TestUnshiftShiftOrder(t *testing.T) {
	ctx := context.Background()
	c := newContainer(2)
	c.Create(ctx, "L", 2)
	c.Push(ctx, "L", []json.RawMessage{raw(2), raw(3)})
	c.Unshift(ctx, "L", []json.RawMessage{raw(1)})

	item, err := c.Shift(ctx, "L")
	if err != nil {
		t.Fatalf("Shift: %v", err)
	}
	if intOf(t, item) != 1 {
		t.Errorf("Shift = %d, want 1", intOf(t, item))
	}
}

// TestFindMatchesEquality verifies Find matches items by field
// equality and ignores non-matching items.
func TestFindMatchesEquality(t *testing.T) {
	ctx := context.Background()
	c := newContainer(50)
	c.Create(ctx, "L", 50)
	a, _ := json.Marshal(map[string]interface{}{"name": "a", "n": 1})
	b, _ := json.Marshal(map[string]interface{}{"name": "b", "n": 2})
	c.Push(ctx, "L", []json.RawMessage{a, b})

	matches, err := c.Find(ctx, "L", Criteria{"name": "b"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d, want 1", len(matches))
	}
}

