// Package cache memoizes expensive, deterministic lookups in a bounded LRU.
// Concurrent misses for one key share a single load.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

type Cache[V any] struct {
	lru   *lru.Cache[string, V]
	group singleflight.Group
}

func New[V any](size int) (*Cache[V], error) {
	l, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: l}, nil
}

// Get returns the cached value for key or calls load once for all concurrent callers.
// The shared load is detached from any single caller's cancellation; each caller stops
// waiting when its own ctx is done. Failed loads are not cached. hit reports whether the
// value was already present.
func (c *Cache[V]) Get(ctx context.Context, key string, load func(context.Context, string) (V, error)) (v V, hit bool, err error) {
	if v, ok := c.lru.Get(key); ok {
		return v, true, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		loaded, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, loaded)
		return loaded, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return v, false, res.Err
		}
		return res.Val.(V), false, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
