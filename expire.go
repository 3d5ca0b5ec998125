package corekv

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kvforge/corekv/txn"
)

// expireSetTask is the payload enqueued by Expire (spec.md §3.7).
type expireSetTask struct {
	Key        string `json:"key"`
	Expiration int64  `json:"expiration"`
}

// typedRecord is the minimal shape runCleanup peeks at to decide how a
// cleanup-listed key must be deleted: list and hash headers both carry
// a "type" field (list.Header, phash.Header); anything else is deleted
// as a plain record.
type typedRecord struct {
	Type string `json:"type"`
}

// customDeleter lets a host register a delete handler for a type it
// tracks outside list/hash containers (spec.md §3.7's "registered
// custom type"); RegisterCustomType installs one.
type customDeleter func(ctx context.Context, key string) error

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func cleanupListKey(t time.Time) string {
	return fmt.Sprintf("_cleanup/%04d/%02d/%02d", t.Year(), int(t.Month()), t.Day())
}

// Expire normalizes epoch to midnight (unless force is set, a
// normalized time on or before today is moved to tomorrow's midnight,
// avoiding a race with same-day maintenance), then enqueues an
// expire_set task that records the key on that day's cleanup list.
func (s *Store) Expire(ctx context.Context, key string, epoch int64, force bool) error {
	key = Normalize(key)
	t := midnight(time.Unix(epoch, 0).UTC())
	today := midnight(timeNow().UTC())
	if !force && !t.After(today) {
		t = today.AddDate(0, 0, 1)
	}
	data, err := json.Marshal(expireSetTask{Key: key, Expiration: t.Unix()})
	if err != nil {
		return ParseErr(err)
	}
	s.queue.enqueue(txn.QueuedTask{Name: "expire_set", Data: data})
	s.events.record("expire", key)
	return nil
}

// registerExpireHandler wires expire_set into the Store's own task
// queue at Open time, so Expire's enqueued tasks are actually drained
// instead of logged-and-dropped for want of a handler.
func (s *Store) registerExpireHandler() {
	s.queue.RegisterHandler("expire_set", s.applyExpireSet)
}

func (s *Store) applyExpireSet(ctx context.Context, data []byte) error {
	var t expireSetTask
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	listKey := cleanupListKey(time.Unix(t.Expiration, 0).UTC())
	keyJSON, err := json.Marshal(t.Key)
	if err != nil {
		return err
	}
	if _, err := s.lists.Create(ctx, listKey, s.cfg.ListPageSize); err != nil {
		return err
	}
	if _, err := s.lists.Push(ctx, listKey, []json.RawMessage{keyJSON}); err != nil {
		return err
	}
	if !s.cfg.ExpirationUpdates {
		return nil
	}
	return s.hashes.Put(ctx, "_cleanup/expires", t.Key,
		json.RawMessage(fmt.Sprintf(`{"expires":%d}`, t.Expiration)), s.cfg.HashPageSize)
}

// RegisterCustomType wires a delete handler for a non list/hash record
// type tracked under typeName, consulted by runCleanup whenever a
// cleanup-listed key's stored record carries that "type" value.
func (s *Store) RegisterCustomType(typeName string, del customDeleter) {
	s.customTypesMu.Lock()
	defer s.customTypesMu.Unlock()
	if s.customTypes == nil {
		s.customTypes = make(map[string]customDeleter)
	}
	s.customTypes[typeName] = del
}

// runCleanup implements spec.md §3.7's runMaintenance: it walks the
// cleanup list for date (YYYY-MM-DD, UTC, defaulting to today),
// deleting each listed key via the delete path appropriate to its
// recorded type, then drops the list itself.
func (s *Store) runCleanup(ctx context.Context, date string) error {
	t := timeNow().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return InvalidInput("runMaintenance: bad date " + date)
		}
		t = parsed
	}
	listKey := cleanupListKey(t)

	entries, err := s.lists.Get(ctx, listKey, 0, 0)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, raw := range entries {
		var key string
		if err := json.Unmarshal(raw, &key); err != nil {
			continue
		}
		if err := s.deleteByType(ctx, key); err != nil && !IsNotFound(err) {
			s.cfg.Logger.Error().Err(err).Str("key", key).Msg("corekv: cleanup delete failed")
		}
	}
	return s.lists.Delete(ctx, listKey, true)
}

// deleteByType peeks at key's stored record to learn its "type" field,
// then deletes it with the matching container's full (entire) delete,
// a registered custom handler, or a plain Delete for anything else.
func (s *Store) deleteByType(ctx context.Context, key string) error {
	raw, _, err := s.eng.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	var rec typedRecord
	_ = json.Unmarshal(raw, &rec)

	switch rec.Type {
	case "list":
		return s.lists.Delete(ctx, key, true)
	case "hash":
		return s.hashes.DeleteAll(ctx, key, true)
	case "":
		return s.Delete(ctx, key)
	default:
		s.customTypesMu.RLock()
		del, ok := s.customTypes[rec.Type]
		s.customTypesMu.RUnlock()
		if ok {
			return del(ctx, key)
		}
		return s.Delete(ctx, key)
	}
}
