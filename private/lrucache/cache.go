// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lrucache memoizes expensive loads behind string keys, with a
// validity window per entry and least-recently-used eviction above a
// fixed capacity. Concurrent lookups of the same key share one load.
package lrucache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"

	"storj.io/common/time2"
)

var mon = monkit.Package()

// Options controls the expiration and eviction policy.
type Options struct {
	// Expiration is how long a loaded value stays valid, measured from
	// when its load finished. Non-positive means values never expire.
	Expiration time.Duration

	// Capacity is how many values to keep. Non-positive disables
	// caching entirely and every Get calls the loader.
	Capacity int

	// Name tags the hit/miss counters so caches can be told apart.
	Name string
}

// entry is one key's slot. The goroutine that created the slot runs
// the load and closes done when finished; everyone else waits on it.
// value, err and doneAt are written before done is closed and never
// after, so waiters may read them without the lock.
type entry[T any] struct {
	elem *list.Element

	done   chan struct{}
	value  T
	err    error
	doneAt time.Time
}

// ExpiringLRUOf caches values of type T keyed by strings.
type ExpiringLRUOf[T any] struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry[T]
	recent  *list.List
}

// NewOf constructs an empty cache with the given options.
func NewOf[T any](opts Options) *ExpiringLRUOf[T] {
	return &ExpiringLRUOf[T]{
		opts:    opts,
		entries: make(map[string]*entry[T]),
		recent:  list.New(),
	}
}

// Get returns the cached value for key, or runs load to produce it.
// Only one load per key runs at a time: concurrent callers wait for
// the first and share its result. Errors are returned to every caller
// waiting on the load but are not cached, the next Get tries again.
func (cache *ExpiringLRUOf[T]) Get(ctx context.Context, key string, load func() (T, error)) (T, error) {
	if cache.opts.Capacity <= 0 {
		cache.observe(false)
		return load()
	}

	for {
		cache.mu.Lock()
		slot, ok := cache.entries[key]
		if ok && cache.expired(ctx, slot) {
			cache.drop(key, slot)
			ok = false
		}
		if !ok {
			slot = &entry[T]{done: make(chan struct{})}
			slot.elem = cache.recent.PushFront(key)
			cache.entries[key] = slot
			cache.evictOver()
			cache.mu.Unlock()

			cache.observe(false)
			return cache.fill(ctx, key, slot, load)
		}
		cache.recent.MoveToFront(slot.elem)
		cache.mu.Unlock()

		select {
		case <-slot.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
		if slot.err != nil {
			// The load this caller piggybacked on failed.
			var zero T
			return zero, slot.err
		}
		if cache.stale(ctx, slot) {
			continue
		}
		cache.observe(true)
		return slot.value, nil
	}
}

// Delete forgets the value for key, if any. An in-flight load keeps
// running but its result will not be served to later callers.
func (cache *ExpiringLRUOf[T]) Delete(ctx context.Context, key string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if slot, ok := cache.entries[key]; ok {
		cache.drop(key, slot)
	}
}

// fill runs the load for a slot this caller owns.
func (cache *ExpiringLRUOf[T]) fill(ctx context.Context, key string, slot *entry[T], load func() (T, error)) (T, error) {
	value, err := load()

	cache.mu.Lock()
	slot.value = value
	slot.err = err
	slot.doneAt = time2.Now(ctx)
	if err != nil && cache.entries[key] == slot {
		cache.drop(key, slot)
	}
	cache.mu.Unlock()

	close(slot.done)
	return value, err
}

// expired reports whether a finished slot is past its validity window.
// Callers hold the lock. A slot still loading never reads as expired.
func (cache *ExpiringLRUOf[T]) expired(ctx context.Context, slot *entry[T]) bool {
	select {
	case <-slot.done:
	default:
		return false
	}
	return cache.opts.Expiration > 0 &&
		time2.Since(ctx, slot.doneAt) > cache.opts.Expiration
}

// stale is the unlocked variant for slots known to have finished.
func (cache *ExpiringLRUOf[T]) stale(ctx context.Context, slot *entry[T]) bool {
	return cache.opts.Expiration > 0 &&
		time2.Since(ctx, slot.doneAt) > cache.opts.Expiration
}

// drop removes a slot. Callers hold the lock.
func (cache *ExpiringLRUOf[T]) drop(key string, slot *entry[T]) {
	delete(cache.entries, key)
	cache.recent.Remove(slot.elem)
}

// evictOver trims least recently used entries down to capacity.
// Callers hold the lock.
func (cache *ExpiringLRUOf[T]) evictOver() {
	for len(cache.entries) > cache.opts.Capacity {
		oldest := cache.recent.Back()
		key := oldest.Value.(string)
		cache.drop(key, cache.entries[key])
	}
}

func (cache *ExpiringLRUOf[T]) observe(hit bool) {
	if cache.opts.Name == "" {
		return
	}
	tag := monkit.NewSeriesTag("name", cache.opts.Name)
	if hit {
		mon.Event("cache_hit", tag)
	} else {
		mon.Event("cache_miss", tag)
	}
}
