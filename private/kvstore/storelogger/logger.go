// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/genrelay/private/kvstore"
)

var mon = monkit.Package()

var id int64

// Logger implements a zap.Logger for kvstore.Store.
type Logger struct {
	log   *zap.Logger
	store kvstore.Store
}

// New creates a new Logger with log and store.
func New(log *zap.Logger, store kvstore.Store) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// Get gets a value from the store.
func (store *Logger) Get(ctx context.Context, key kvstore.Key) (_ kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Get", zap.ByteString("key", key))
	return store.store.Get(ctx, key)
}

// Put adds a value to the store.
func (store *Logger) Put(ctx context.Context, key kvstore.Key, value kvstore.Value, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Put", zap.ByteString("key", key), zap.Int("value length", len(value)), zap.Duration("ttl", ttl), zap.Binary("truncated value", truncate(value)))
	return store.store.Put(ctx, key, value, ttl)
}

// HSet merges fields into the hash stored at key.
func (store *Logger) HSet(ctx context.Context, key kvstore.Key, fields map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("HSet", zap.ByteString("key", key), zap.Int("fields", len(fields)))
	return store.store.HSet(ctx, key, fields)
}

// HGetAll returns all fields of the hash stored at key.
func (store *Logger) HGetAll(ctx context.Context, key kvstore.Key) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("HGetAll", zap.ByteString("key", key))
	return store.store.HGetAll(ctx, key)
}

// Delete deletes key and the value.
func (store *Logger) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Delete", zap.ByteString("key", key))
	return store.store.Delete(ctx, key)
}

// Scan iterates keys matching the glob pattern.
func (store *Logger) Scan(ctx context.Context, cursor uint64, match string, count int64) (_ uint64, _ kvstore.Keys, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Scan", zap.Uint64("cursor", cursor), zap.String("match", match), zap.Int64("count", count))
	return store.store.Scan(ctx, cursor, match, count)
}

// Ping verifies the backend is reachable.
func (store *Logger) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Ping")
	return store.store.Ping(ctx)
}

// Close closes the store.
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.store.Close()
}

func truncate(v kvstore.Value) (t []byte) {
	if len(v)-1 < 10 {
		t = []byte(v)
	} else {
		t = v[:10]
	}
	return t
}
