package corekv

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of a Store's counters (spec.md
// §4.2's GetStats). Counts are lifetime totals since Open, not
// windowed.
type Stats struct {
	Reads      uint64
	Writes     uint64
	CacheHits  uint64
	QueueRuns  uint64
	QueueFails uint64
}

// statTracker holds the live atomic counters behind Stats, and mirrors
// them as prometheus.CounterFuncs registered on a private Registry so
// a host can scrape the same counts GetStats reports (spec.md §6.4's
// perf counters) without this package owning a global default
// registry.
type statTracker struct {
	reads      atomic.Uint64
	writes     atomic.Uint64
	cacheHits  atomic.Uint64
	queueRuns  atomic.Uint64
	queueFails atomic.Uint64

	registry *prometheus.Registry
}

func newStatTracker() *statTracker {
	s := &statTracker{registry: prometheus.NewRegistry()}
	reg := func(name, help string, get func() float64) {
		s.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: "corekv", Name: name, Help: help}, get))
	}
	reg("reads_total", "Total successful Get/GetBuffer/GetStream reads.", func() float64 { return float64(s.reads.Load()) })
	reg("writes_total", "Total successful Put/Delete writes.", func() float64 { return float64(s.writes.Load()) })
	reg("cache_hits_total", "Total Get calls served from the record cache.", func() float64 { return float64(s.cacheHits.Load()) })
	reg("queue_runs_total", "Total queued tasks that completed without error.", func() float64 { return float64(s.queueRuns.Load()) })
	reg("queue_fails_total", "Total queued tasks that returned an error.", func() float64 { return float64(s.queueFails.Load()) })
	return s
}

func (s *statTracker) incReads()     { s.reads.Add(1) }
func (s *statTracker) incWrites()    { s.writes.Add(1) }
func (s *statTracker) incCacheHits() { s.cacheHits.Add(1) }
func (s *statTracker) incQueueRun()  { s.queueRuns.Add(1) }
func (s *statTracker) incQueueFail() { s.queueFails.Add(1) }

func (s *statTracker) snapshot() Stats {
	return Stats{
		Reads:      s.reads.Load(),
		Writes:     s.writes.Load(),
		CacheHits:  s.cacheHits.Load(),
		QueueRuns:  s.queueRuns.Load(),
		QueueFails: s.queueFails.Load(),
	}
}

// GetStats returns a snapshot of the Store's lifetime counters.
func (s *Store) GetStats() Stats { return s.stats.snapshot() }

// MetricsRegistry exposes the Store's counters as a prometheus
// Registry a host can serve via promhttp.HandlerFor, independent of
// any process-wide default registry.
func (s *Store) MetricsRegistry() *prometheus.Registry { return s.stats.registry }
