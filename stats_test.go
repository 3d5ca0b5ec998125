package corekv

import "testing"

func TestStatTrackerPrometheusMirrorsSnapshot(t *testing.T) {
	s := newStatTracker()
	s.incReads()
	s.incReads()
	s.incWrites()
	s.incCacheHits()

	mfs, err := s.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			found[mf.GetName()] = m.GetCounter().GetValue()
		}
	}
	if found["corekv_reads_total"] != 2 {
		t.Fatalf("corekv_reads_total = %v, want 2", found["corekv_reads_total"])
	}
	if found["corekv_writes_total"] != 1 {
		t.Fatalf("corekv_writes_total = %v, want 1", found["corekv_writes_total"])
	}
	if found["corekv_cache_hits_total"] != 1 {
		t.Fatalf("corekv_cache_hits_total = %v, want 1", found["corekv_cache_hits_total"])
	}

	snap := s.snapshot()
	if snap.Reads != 2 || snap.Writes != 1 || snap.CacheHits != 1 {
		t.Fatalf("snapshot = %+v, want Reads=2 Writes=1 CacheHits=1", snap)
	}
}
