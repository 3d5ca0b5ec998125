package corekv

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/kvforge/corekv/list"
	"github.com/kvforge/corekv/phash"
)

// Every list/hash operation below is hoisted per spec.md §4.6.2: called
// directly, each transparently opens its own single-operation
// transaction (when s.cfg.Transactions is set), runs the underlying
// Container call against the transaction's overlay, and commits.
// Callers needing several operations inside one transaction should use
// WithTransaction directly instead of chaining these.

func (s *Store) ListCreate(ctx context.Context, key string, pageSize int) (h list.Header, err error) {
	err = s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		var e error
		h, e = lists.Create(ctx, key, pageSize)
		return e
	})
	return h, err
}

func (s *Store) ListPush(ctx context.Context, key string, items ...json.RawMessage) (h list.Header, err error) {
	err = s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		var e error
		h, e = lists.Push(ctx, key, items)
		return e
	})
	return h, err
}

func (s *Store) ListUnshift(ctx context.Context, key string, items ...json.RawMessage) (h list.Header, err error) {
	err = s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		var e error
		h, e = lists.Unshift(ctx, key, items)
		return e
	})
	return h, err
}

func (s *Store) ListPop(ctx context.Context, key string) (item json.RawMessage, err error) {
	err = s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		var e error
		item, e = lists.Pop(ctx, key)
		return e
	})
	return item, err
}

func (s *Store) ListShift(ctx context.Context, key string) (item json.RawMessage, err error) {
	err = s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		var e error
		item, e = lists.Shift(ctx, key)
		return e
	})
	return item, err
}

// ListGet is read-only; it is not hoisted through a transaction since
// it never mutates the key map a commit would need to log.
func (s *Store) ListGet(ctx context.Context, key string, idx, length int) ([]json.RawMessage, error) {
	return s.lists.Get(ctx, key, idx, length)
}

func (s *Store) ListSplice(ctx context.Context, key string, idx, cutLen int, ins ...json.RawMessage) (cut []json.RawMessage, err error) {
	err = s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		var e error
		cut, e = lists.Splice(ctx, key, idx, cutLen, ins)
		return e
	})
	return cut, err
}

func (s *Store) ListDelete(ctx context.Context, key string, entire bool) error {
	return s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		return lists.Delete(ctx, key, entire)
	})
}

func (s *Store) ListCopy(ctx context.Context, src, dst string) error {
	return s.WithTransaction(ctx, dst, func(lists *list.Container, _ *phash.Container) error {
		return lists.Copy(ctx, src, dst)
	})
}

func (s *Store) ListRename(ctx context.Context, src, dst string) error {
	return s.WithTransaction(ctx, dst, func(lists *list.Container, _ *phash.Container) error {
		return lists.Rename(ctx, src, dst)
	})
}

func (s *Store) ListInsertSorted(ctx context.Context, key string, item json.RawMessage, cmp list.Comparator) error {
	return s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		return lists.InsertSorted(ctx, key, item, cmp)
	})
}

// ListEach/ListFind are read-only traversals; run directly against the
// live containers rather than through a transaction.
func (s *Store) ListEach(ctx context.Context, key string, fn list.EachFunc) error {
	return s.lists.Each(ctx, key, fn)
}

func (s *Store) ListFind(ctx context.Context, key string, criteria list.Criteria) ([]json.RawMessage, error) {
	return s.lists.Find(ctx, key, criteria)
}

func (s *Store) ListEachUpdate(ctx context.Context, key string, fn list.EachUpdateFunc) error {
	return s.WithTransaction(ctx, key, func(lists *list.Container, _ *phash.Container) error {
		return lists.EachUpdate(ctx, key, fn)
	})
}

func (s *Store) HashCreate(ctx context.Context, key string, pageSize int) (h phash.Header, err error) {
	err = s.WithTransaction(ctx, key, func(_ *list.Container, hashes *phash.Container) error {
		var e error
		h, e = hashes.Create(ctx, key, pageSize)
		return e
	})
	return h, err
}

func (s *Store) HashPut(ctx context.Context, key, userKey string, value json.RawMessage) error {
	return s.WithTransaction(ctx, key, func(_ *list.Container, hashes *phash.Container) error {
		return hashes.Put(ctx, key, userKey, value, s.cfg.HashPageSize)
	})
}

// HashPutMulti writes every field inside one hoisted transaction, so
// a failure on any field aborts the whole set and none are applied.
func (s *Store) HashPutMulti(ctx context.Context, key string, fields map[string]json.RawMessage) error {
	return s.WithTransaction(ctx, key, func(_ *list.Container, hashes *phash.Container) error {
		for userKey, value := range fields {
			if err := hashes.Put(ctx, key, userKey, value, s.cfg.HashPageSize); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) HashGet(ctx context.Context, key, userKey string) (json.RawMessage, error) {
	return s.hashes.Get(ctx, key, userKey)
}

func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	return s.hashes.GetAll(ctx, key)
}

func (s *Store) HashDelete(ctx context.Context, key, userKey string) error {
	return s.WithTransaction(ctx, key, func(_ *list.Container, hashes *phash.Container) error {
		return hashes.Delete(ctx, key, userKey)
	})
}

func (s *Store) HashDeleteAll(ctx context.Context, key string, entire bool) error {
	return s.WithTransaction(ctx, key, func(_ *list.Container, hashes *phash.Container) error {
		return hashes.DeleteAll(ctx, key, entire)
	})
}

func (s *Store) HashRename(ctx context.Context, src, dst string) error {
	return s.WithTransaction(ctx, dst, func(_ *list.Container, hashes *phash.Container) error {
		return hashes.Rename(ctx, src, dst)
	})
}

func (s *Store) HashEach(ctx context.Context, key string, fn phash.EachFunc) error {
	return s.hashes.Each(ctx, key, fn)
}
