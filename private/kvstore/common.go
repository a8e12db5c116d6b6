// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package kvstore

import (
	"bytes"
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.Class("empty key")
)

// Key is the type for the keys in a Store.
type Key []byte

// Value is the type for the values in a Store.
type Value []byte

// Keys is the type for a slice of keys in a Store.
type Keys []Key

// Store describes the key/value backends the gateway keeps its state in,
// like redis and boltdb.
type Store interface {
	// Get returns the value stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key Key) (Value, error)
	// Put stores value at key. A ttl greater than zero expires the key
	// after the given duration, otherwise the key persists.
	Put(ctx context.Context, key Key, value Value, ttl time.Duration) error
	// HSet merges fields into the hash stored at key, creating it when
	// missing.
	HSet(ctx context.Context, key Key, fields map[string]string) error
	// HGetAll returns all fields of the hash stored at key. A missing key
	// yields an empty map, not an error.
	HGetAll(ctx context.Context, key Key) (map[string]string, error)
	// Delete removes key and its value. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key Key) error
	// Scan iterates keys matching the glob pattern match, resuming from
	// cursor. It returns the next cursor, zero when the iteration is
	// complete. The scan is not a snapshot and may return duplicates,
	// consumers are expected to deduplicate.
	Scan(ctx context.Context, cursor uint64, match string, count int64) (uint64, Keys, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close closes the store.
	Close() error
}

// ScanAll drains Scan from the zero cursor and returns the deduplicated keys.
func ScanAll(ctx context.Context, store Store, match string) (Keys, error) {
	var (
		keys   Keys
		seen   = map[string]struct{}{}
		cursor uint64
	)
	for {
		next, page, err := store.Scan(ctx, cursor, match, 100)
		if err != nil {
			return nil, err
		}
		for _, key := range page {
			if _, ok := seen[string(key)]; ok {
				continue
			}
			seen[string(key)] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// IsZero returns true if the value struct is a zero value.
func (value Value) IsZero() bool {
	return len(value) == 0
}

// IsZero returns true if the key struct is a zero value.
func (key Key) IsZero() bool {
	return len(key) == 0
}

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }

// Strings returns everything as strings.
func (keys Keys) Strings() []string {
	strs := make([]string, 0, len(keys))
	for _, key := range keys {
		strs = append(strs, string(key))
	}
	return strs
}

// Less returns whether key should be sorted before b.
func (key Key) Less(b Key) bool { return bytes.Compare([]byte(key), []byte(b)) < 0 }

// Equal returns whether key and b are equal.
func (key Key) Equal(b Key) bool { return bytes.Equal([]byte(key), []byte(b)) }
