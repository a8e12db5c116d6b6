// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package teststore

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"storj.io/genrelay/private/kvstore"
)

// ErrForced is the error returned when forced.
var ErrForced = errs.Class("forced error")

// Client implements in-memory key value store for testing.
type Client struct {
	mu sync.Mutex

	values     map[string]valueEntry
	hashes     map[string]map[string]string
	ForceError int

	CallCount struct {
		Get     int
		Put     int
		HSet    int
		HGetAll int
		Delete  int
		Scan    int
		Ping    int
		Close   int
	}
}

type valueEntry struct {
	value    kvstore.Value
	deadline time.Time
}

// New creates a new in-memory store.
func New() *Client {
	return &Client{
		values: map[string]valueEntry{},
		hashes: map[string]map[string]string{},
	}
}

func (store *Client) forcedError() bool {
	if store.ForceError > 0 {
		store.ForceError--
		return true
	}
	return false
}

// Get returns the value stored at key.
func (store *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Get++
	if store.forcedError() {
		return nil, ErrForced.New("get")
	}
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	entry, ok := store.values[string(key)]
	if !ok || entry.expired() {
		delete(store.values, string(key))
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return append(kvstore.Value{}, entry.value...), nil
}

// Put stores value at key with an optional ttl.
func (store *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value, ttl time.Duration) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Put++
	if store.forcedError() {
		return ErrForced.New("put")
	}
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	entry := valueEntry{value: append(kvstore.Value{}, value...)}
	if ttl > 0 {
		entry.deadline = time.Now().Add(ttl)
	}
	store.values[string(key)] = entry
	return nil
}

// HSet merges fields into the hash stored at key.
func (store *Client) HSet(ctx context.Context, key kvstore.Key, fields map[string]string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.HSet++
	if store.forcedError() {
		return ErrForced.New("hset")
	}
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	hash, ok := store.hashes[string(key)]
	if !ok {
		hash = map[string]string{}
		store.hashes[string(key)] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

// HGetAll returns all fields of the hash stored at key.
func (store *Client) HGetAll(ctx context.Context, key kvstore.Key) (map[string]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.HGetAll++
	if store.forcedError() {
		return nil, ErrForced.New("hgetall")
	}
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	fields := map[string]string{}
	for field, value := range store.hashes[string(key)] {
		fields[field] = value
	}
	return fields, nil
}

// Delete removes key, its value and its hash.
func (store *Client) Delete(ctx context.Context, key kvstore.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Delete++
	if store.forcedError() {
		return ErrForced.New("delete")
	}
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	delete(store.values, string(key))
	delete(store.hashes, string(key))
	return nil
}

// Scan returns all keys matching the glob pattern in a single page.
func (store *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) (uint64, kvstore.Keys, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Scan++
	if store.forcedError() {
		return 0, nil, ErrForced.New("scan")
	}
	if cursor != 0 {
		return 0, nil, nil
	}

	seen := map[string]struct{}{}
	for key, entry := range store.values {
		if entry.expired() {
			delete(store.values, key)
			continue
		}
		if matches(match, key) {
			seen[key] = struct{}{}
		}
	}
	for key := range store.hashes {
		if matches(match, key) {
			seen[key] = struct{}{}
		}
	}

	var keys kvstore.Keys
	for key := range seen {
		keys = append(keys, kvstore.Key(key))
	}
	sort.Slice(keys, func(i, k int) bool { return keys[i].Less(keys[k]) })
	return 0, keys, nil
}

// Ping implements kvstore.Store.
func (store *Client) Ping(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Ping++
	if store.forcedError() {
		return ErrForced.New("ping")
	}
	return nil
}

// Close closes the store.
func (store *Client) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.CallCount.Close++
	return nil
}

func (entry valueEntry) expired() bool {
	return !entry.deadline.IsZero() && time.Now().After(entry.deadline)
}

func matches(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
