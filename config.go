package corekv

import (
	"reflect"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Config holds Store-level recognized options (spec.md §6.2). Each
// engine owns its own sub-configuration, passed to its constructor
// separately — configuration loading itself (env/file parsing) is out
// of scope per spec.md §1 and is the host's responsibility.
type Config struct {
	ListPageSize int // default 50
	HashPageSize int // default 50
	Concurrency  int // default 1

	Maintenance    string          // event name fired by host to trigger daily maintenance
	LogEventTypes  map[string]bool // per-event-type logging toggle
	MaxRecentEvents int

	CacheKeyMatch      *regexp.Regexp // JSON keys matching this are RAM-cached
	ExpirationUpdates  bool           // also maintain the _cleanup/expires hash
	LowerCaseKeys      bool
	QueueTimeout       time.Duration // default 30s
	Transactions       bool
	TransDir           string
	TransAutoRecover   bool

	Logger zerolog.Logger // zero value: silent, matching the teacher's library-is-silent-by-default stance
}

// withDefaults returns a copy of c with zero-valued fields defaulted
// the way the teacher's Open() defaults Config{} (db.go: HashAlgorithm,
// ReadBuffer, MaxRecordSize).
func (c Config) withDefaults() Config {
	if c.ListPageSize == 0 {
		c.ListPageSize = 50
	}
	if c.HashPageSize == 0 {
		c.HashPageSize = 50
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = 30 * time.Second
	}
	if c.TransDir == "" {
		c.TransDir = "_trans"
	}
	if reflect.ValueOf(c.Logger).IsZero() {
		c.Logger = zerolog.Nop()
	}
	return c
}
