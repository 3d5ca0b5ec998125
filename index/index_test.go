// End-to-end indexing and query tests against an in-memory RawEngine
// fake, covering word/date/number fields, literal phrases, range and
// regex operators, and all three accepted query forms.
package index

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/kvforge/corekv/lock"
	"github.com/kvforge/corekv/phash"
)

var errNotFound = errors.New("not found")

type memEngine struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemEngine() *memEngine { return &memEngine{data: map[string][]byte{}} }

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

func newIndexer(cfg Config) *Indexer {
	eng := newMemEngine()
	hashes := phash.New(eng, lock.New(zerolog.Nop()), cfg.PageSize)
	return New(eng, hashes, cfg)
}

func doc(fields map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, _ := json.Marshal(v)
		out[k] = b
	}
	return out
}

func baseConfig() Config {
	return Config{
		BasePath: "articles",
		PageSize: 10,
		Fields: []FieldDef{
			{ID: "title", Source: "title", Type: ColumnWord},
			{ID: "published", Source: "published", Type: ColumnDate, MasterList: true},
			{ID: "views", Source: "views", Type: ColumnNumber, MasterList: true},
		},
		Sorters: []SorterDef{
			{ID: "views", Source: "views", Type: ColumnNumber},
		},
	}
}

func TestIndexAndWordSearch(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())

	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(ix.Index(ctx, "a1", doc(map[string]any{"title": "The quick brown fox", "published": "2024-01-15", "views": 120.0})))
	must(ix.Index(ctx, "a2", doc(map[string]any{"title": "A slow brown dog", "published": "2024-02-01", "views": 5.0})))

	ids, err := ix.Search(ctx, "title:brown", "title")
	must(err)
	sort.Strings(ids)
	if len(ids) != 2 {
		t.Fatalf("brown matches = %v, want 2 ids", ids)
	}

	ids, err = ix.Search(ctx, "title:quick", "title")
	must(err)
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("quick matches = %v, want [a1]", ids)
	}

	ids, err = ix.Search(ctx, `title:"quick brown"`, "title")
	must(err)
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("phrase matches = %v, want [a1]", ids)
	}

	ids, err = ix.Search(ctx, `title:"slow fox"`, "title")
	must(err)
	if len(ids) != 0 {
		t.Fatalf("non-adjacent phrase matched: %v", ids)
	}
}

func TestSearchNegation(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "red fox", "published": "2024-01-15", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "a2", doc(map[string]any{"title": "red dog", "published": "2024-01-15", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	ids, err := ix.Search(ctx, "title:red -title:fox", "title")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a2" {
		t.Fatalf("got %v, want [a2]", ids)
	}
}

// TestSearchNegationFirst verifies that a negated term written before
// its positive sibling still subtracts from the positive set, rather
// than being adopted as the group's base set.
func TestSearchNegationFirst(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "red fox", "published": "2024-01-15", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "a2", doc(map[string]any{"title": "red dog", "published": "2024-01-15", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	ids, err := ix.Search(ctx, "-title:fox title:red", "title")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a2" {
		t.Fatalf("got %v, want [a2]", ids)
	}
}

// TestSearchSingleNegationFirst is the SearchSingle-path (in-memory
// blob evaluation) counterpart of TestSearchNegationFirst: a negated
// term written first must still subtract rather than seed the set.
func TestSearchSingleNegationFirst(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "red fox", "published": "2024-01-15", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "a2", doc(map[string]any{"title": "red dog", "published": "2024-01-15", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	match1, err := ix.SearchSingle(ctx, "a1", "-title:fox title:red", "title")
	if err != nil {
		t.Fatal(err)
	}
	if match1 {
		t.Fatalf("a1 (has fox) should not match -title:fox title:red")
	}
	match2, err := ix.SearchSingle(ctx, "a2", "-title:fox title:red", "title")
	if err != nil {
		t.Fatal(err)
	}
	if !match2 {
		t.Fatalf("a2 (no fox, has red) should match -title:fox title:red")
	}
}

func TestDateRangeQuery(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "old", doc(map[string]any{"title": "x", "published": "2023-06-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "new", doc(map[string]any{"title": "x", "published": "2024-06-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	set, err := ix.rangeMatch(ctx, FieldDef{ID: "published", Type: ColumnDate}, ">=", "2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if !set["new"] || set["old"] {
		t.Fatalf("range result = %v, want only new", set)
	}
}

func TestNumberRangeQuery(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "low", doc(map[string]any{"title": "x", "published": "2024-01-01", "views": 3.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "high", doc(map[string]any{"title": "x", "published": "2024-01-01", "views": 900.0})); err != nil {
		t.Fatal(err)
	}
	set, err := ix.rangeMatch(ctx, FieldDef{ID: "views", Type: ColumnNumber}, ">", "100")
	if err != nil {
		t.Fatal(err)
	}
	if !set["high"] || set["low"] {
		t.Fatalf("range result = %v, want only high", set)
	}
}

func TestSearchStructured(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "quick fox", "published": "2024-01-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "a2", doc(map[string]any{"title": "slow fox", "published": "2024-01-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	ids, err := ix.SearchStructured(ctx, StructuredQuery{
		Mode: ModeAnd,
		Criteria: []Criterion{
			{Field: "title", Value: "fox"},
			{Field: "title", Value: "quick"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("got %v, want [a1]", ids)
	}
}

func TestSearchPxQL(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "quick fox", "published": "2024-01-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "a2", doc(map[string]any{"title": "slow fox", "published": "2024-01-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	ids, err := ix.SearchPxQL(ctx, `title = quick & title = fox`)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("got %v, want [a1]", ids)
	}

	ids, err = ix.SearchPxQL(ctx, `title = quick | title = slow`)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(ids)
	if len(ids) != 2 {
		t.Fatalf("got %v, want 2 ids", ids)
	}

	if _, err := ix.SearchPxQL(ctx, `title = quick & title = fox | title = slow`); err == nil {
		t.Fatal("expected ambiguous mixed-operator parse error")
	}
}

func TestSortRecords(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a", doc(map[string]any{"title": "x", "published": "2024-01-01", "views": 30.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "b", doc(map[string]any{"title": "x", "published": "2024-01-01", "views": 10.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "c", doc(map[string]any{"title": "x", "published": "2024-01-01", "views": 20.0})); err != nil {
		t.Fatal(err)
	}
	ordered, err := sortRecords(ctx, ix, "views", []string{"a", "b", "c"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if ordered[0] != "b" || ordered[2] != "a" {
		t.Fatalf("got %v, want b,c,a-ish ascending by raw json bytes", ordered)
	}
}

func TestDeleteRemovesFromPostings(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "quick fox", "published": "2024-01-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	if err := ix.Delete(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	ids, err := ix.Search(ctx, "title:quick", "title")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no matches after delete, got %v", ids)
	}
}

func TestBlobCompressionRoundTrips(t *testing.T) {
	data := []byte(`{"id":"a1","fields":{"title":[{"word":"quick","offset":0}]}}`)
	packed, err := compressBlob(data)
	if err != nil {
		t.Fatalf("compressBlob: %v", err)
	}
	restored, err := decompressBlob(packed)
	if err != nil {
		t.Fatalf("decompressBlob: %v", err)
	}
	if string(restored) != string(data) {
		t.Fatalf("got %s, want %s", restored, data)
	}
}

func TestStemMatchesAcrossInflections(t *testing.T) {
	ctx := context.Background()
	ix := newIndexer(baseConfig())
	if err := ix.Index(ctx, "a1", doc(map[string]any{"title": "running quickly", "published": "2024-01-01", "views": 1.0})); err != nil {
		t.Fatal(err)
	}
	ids, err := ix.Search(ctx, "title:run", "title")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected stemmed match for 'run', got %v", ids)
	}
}

func TestParseDateFilterKeywords(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	got, err := ParseDateFilter("today", now)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2024_06_15" {
		t.Fatalf("got %s", got)
	}
	got, err = ParseDateFilter("this year", now)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2024" {
		t.Fatalf("got %s", got)
	}
}

// TestTokenizeNumberClampsBeforeScaling verifies a raw value large
// enough to need clamping is clamped first, so a divide config can't
// let it escape the [-1_000_000, 1_000_000] bound by shrinking it
// below the clamp threshold before the clamp runs.
func TestTokenizeNumberClampsBeforeScaling(t *testing.T) {
	f := FieldDef{Divide: 1000}
	toks := tokenizeNumber(1_000_000_000_000, f)
	// Clamp first: 1e12 -> clamped to 1_000_000, then /1000 -> 1000.
	if toks[0] != "1000" {
		t.Fatalf("exact token = %s, want 1000 (clamp-then-scale)", toks[0])
	}
}
