package corekv

import (
	"regexp"
	"sync"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

const cacheShards = 16

// recordCache is an in-process, TTL-less cache of JSON records whose
// normalized key matches a configured pattern (spec.md §4.2's
// CacheKeyMatch). It holds decoded values only for keys the host opted
// into caching; every write invalidates the entry outright rather than
// updating it in place, so a concurrent reader never observes a value
// that raced a partial write. The map is split into fixed shards keyed
// by xxh3(key) so Get/Put on unrelated keys don't serialize on one
// lock under concurrent load. Each shard also keeps a bloom filter as
// a negative cache: a key this shard has never held can be rejected
// without ever taking the shard's RWMutex.
type recordCache struct {
	match  *regexp.Regexp
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu     sync.RWMutex
	vals   map[string]json.RawMessage
	absent *bloom
}

func newRecordCache(match *regexp.Regexp) *recordCache {
	c := &recordCache{match: match}
	for i := range c.shards {
		c.shards[i].vals = make(map[string]json.RawMessage)
		c.shards[i].absent = newBloom()
	}
	return c
}

func (c *recordCache) shardFor(key string) *cacheShard {
	return &c.shards[xxh3.HashString(key)%cacheShards]
}

func (c *recordCache) eligible(key string) bool {
	return c.match != nil && c.match.MatchString(key)
}

func (c *recordCache) get(key string) (json.RawMessage, bool) {
	if !c.eligible(key) {
		return nil, false
	}
	sh := c.shardFor(key)
	if !sh.absent.Contains(key) {
		return nil, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.vals[key]
	return v, ok
}

// maybeFill caches value under key if key is cache-eligible; otherwise
// it is a no-op.
func (c *recordCache) maybeFill(key string, value json.RawMessage) {
	if !c.eligible(key) {
		return
	}
	sh := c.shardFor(key)
	sh.mu.Lock()
	sh.vals[key] = value
	sh.mu.Unlock()
	sh.absent.Add(key)
}

// invalidate drops key's cached entry unconditionally, cheap enough to
// call on every write without checking eligibility first. The bloom
// filter isn't cleared (it supports no removal); a stale bit just
// means a future get for that key pays for a shard lookup that misses,
// never the reverse.
func (c *recordCache) invalidate(key string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.vals, key)
}

// resetNegativeCache clears every shard's bloom filter, forgetting
// which keys have ever been cached. Called periodically from
// RunMaintenance so accumulated false positives (from invalidated
// keys whose bits were never cleared) don't erode the short-circuit's
// hit rate indefinitely — the same role the teacher's repair.go plays
// in resetting its own bloom after a compaction.
func (c *recordCache) resetNegativeCache() {
	for i := range c.shards {
		c.shards[i].absent.Reset()
	}
}
