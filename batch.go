package corekv

import (
	"context"
	"sync"

	"github.com/kvforge/corekv/engine"
)

// PutMulti writes every key/value pair, using the engine's native
// batch primitive when available and falling back to bounded-parallel
// single-key Puts otherwise (spec.md §4.2, §6.1).
func (s *Store) PutMulti(ctx context.Context, items map[string][]byte) error {
	if bp, ok := s.eng.(engine.BatchPutter); ok {
		if err := bp.PutMulti(ctx, items); err != nil {
			return EngineErr(err)
		}
		for k := range items {
			s.cache.invalidate(Normalize(k))
		}
		s.stats.incWrites()
		return nil
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	err := runBounded(ctx, s.cfg.Concurrency, keys, func(ctx context.Context, k string) error {
		return s.eng.Put(ctx, k, items[k])
	})
	if err != nil {
		return EngineErr(err)
	}
	for k := range items {
		s.cache.invalidate(Normalize(k))
	}
	s.stats.incWrites()
	return nil
}

// GetMulti reads every key, using the engine's native batch primitive
// when available and falling back to bounded-parallel single-key Gets
// otherwise. Missing keys are simply absent from the result map.
func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if bg, ok := s.eng.(engine.BatchGetter); ok {
		out, err := bg.GetMulti(ctx, keys)
		if err != nil {
			return nil, EngineErr(err)
		}
		return out, nil
	}
	var mu sync.Mutex
	out := make(map[string][]byte, len(keys))
	err := runBounded(ctx, s.cfg.Concurrency, keys, func(ctx context.Context, k string) error {
		v, _, err := s.eng.Get(ctx, k)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		mu.Lock()
		out[k] = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, EngineErr(err)
	}
	return out, nil
}

// HeadMulti returns metadata for every key present, skipping missing
// ones rather than failing the whole batch.
func (s *Store) HeadMulti(ctx context.Context, keys []string) (map[string]engine.Info, error) {
	if bh, ok := s.eng.(engine.BatchHeader); ok {
		out, err := bh.HeadMulti(ctx, keys)
		if err != nil {
			return nil, EngineErr(err)
		}
		return out, nil
	}
	var mu sync.Mutex
	out := make(map[string]engine.Info, len(keys))
	err := runBounded(ctx, s.cfg.Concurrency, keys, func(ctx context.Context, k string) error {
		info, err := s.eng.Head(ctx, k)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		mu.Lock()
		out[k] = info
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, EngineErr(err)
	}
	return out, nil
}

// DeleteMulti deletes every key, tolerating already-missing ones.
func (s *Store) DeleteMulti(ctx context.Context, keys []string) error {
	if bd, ok := s.eng.(engine.BatchDeleter); ok {
		if err := bd.DeleteMulti(ctx, keys); err != nil {
			return EngineErr(err)
		}
		for _, k := range keys {
			s.cache.invalidate(Normalize(k))
		}
		s.stats.incWrites()
		return nil
	}
	err := runBounded(ctx, s.cfg.Concurrency, keys, func(ctx context.Context, k string) error {
		if err := s.eng.Delete(ctx, k); err != nil && !IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return EngineErr(err)
	}
	for _, k := range keys {
		s.cache.invalidate(Normalize(k))
	}
	s.stats.incWrites()
	return nil
}
