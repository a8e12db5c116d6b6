// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package boltdb

import (
	"context"
	"encoding/binary"
	"path"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"

	"storj.io/genrelay/private/kvstore"
)

var (
	// Error is a boltdb error.
	Error = errs.Class("boltdb")

	mon = monkit.Package()
)

const (
	// fileMode sets permissions so only the owner can read and write.
	fileMode = 0600

	defaultTimeout = 1 * time.Second
)

var (
	valuesBucket    = []byte("values")
	hashesBucket    = []byte("hashes")
	deadlinesBucket = []byte("deadlines")
)

// Client wraps a bolt database file as a kvstore.Store. It serves
// deployments that run without a redis, trading throughput for having no
// extra process to operate.
type Client struct {
	db   *bolt.DB
	Path string
}

// Open creates or opens the bolt database at path.
func Open(ctx context.Context, path string) (_ *Client, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{valuesBucket, hashesBucket, deadlinesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &Client{db: db, Path: path}, nil
}

// Get returns the value stored at key, or ErrKeyNotFound. Expired keys are
// removed on access.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (value kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	// Returning an error from Update would roll back the lazy expiry
	// deletion, so absence is tracked separately.
	var missing bool
	err = client.db.Update(func(tx *bolt.Tx) error {
		if expired(tx, key) {
			deleteKey(tx, key)
			missing = true
			return nil
		}
		data := tx.Bucket(valuesBucket).Get(key)
		if data == nil {
			missing = true
			return nil
		}
		value = append(kvstore.Value{}, data...)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if missing {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return value, nil
}

// Put stores value at key, expiring it after ttl when ttl is greater than
// zero.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(valuesBucket).Put(key, value); err != nil {
			return err
		}
		deadlines := tx.Bucket(deadlinesBucket)
		if ttl <= 0 {
			return deadlines.Delete(key)
		}
		var deadline [8]byte
		binary.BigEndian.PutUint64(deadline[:], uint64(time.Now().Add(ttl).UnixNano()))
		return deadlines.Put(key, deadline[:])
	}))
}

// HSet merges fields into the hash stored at key.
func (client *Client) HSet(ctx context.Context, key kvstore.Key, fields map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	if len(fields) == 0 {
		return nil
	}

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		hash, err := tx.Bucket(hashesBucket).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		for field, value := range fields {
			if err := hash.Put([]byte(field), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// HGetAll returns all fields of the hash stored at key.
func (client *Client) HGetAll(ctx context.Context, key kvstore.Key) (fields map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	fields = map[string]string{}
	err = client.db.View(func(tx *bolt.Tx) error {
		hash := tx.Bucket(hashesBucket).Bucket(key)
		if hash == nil {
			return nil
		}
		return hash.ForEach(func(field, value []byte) error {
			fields[string(field)] = string(value)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return fields, nil
}

// Delete removes key, its hash and its deadline.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		deleteKey(tx, key)
		return nil
	}))
}

// Scan returns all keys matching the glob pattern in a single page. Bolt
// iteration is cheap enough that cursors are not paged, the returned cursor
// is always zero.
func (client *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) (_ uint64, keys kvstore.Keys, err error) {
	defer mon.Task()(&ctx)(&err)

	if cursor != 0 {
		return 0, nil, nil
	}

	err = client.db.Update(func(tx *bolt.Tx) error {
		seen := map[string]struct{}{}
		collect := func(key []byte) error {
			if expired(tx, key) {
				deleteKey(tx, key)
				return nil
			}
			if !matches(match, string(key)) {
				return nil
			}
			if _, ok := seen[string(key)]; ok {
				return nil
			}
			seen[string(key)] = struct{}{}
			keys = append(keys, append(kvstore.Key{}, key...))
			return nil
		}

		err := tx.Bucket(valuesBucket).ForEach(func(key, _ []byte) error {
			return collect(key)
		})
		if err != nil {
			return err
		}
		return tx.Bucket(hashesBucket).ForEachBucket(collect)
	})
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	return 0, keys, nil
}

// Ping verifies the database file is usable.
func (client *Client) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.View(func(tx *bolt.Tx) error { return nil }))
}

// Close closes the bolt database.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

func expired(tx *bolt.Tx, key []byte) bool {
	deadline := tx.Bucket(deadlinesBucket).Get(key)
	if deadline == nil {
		return false
	}
	return time.Now().UnixNano() >= int64(binary.BigEndian.Uint64(deadline))
}

func deleteKey(tx *bolt.Tx, key []byte) {
	_ = tx.Bucket(valuesBucket).Delete(key)
	_ = tx.Bucket(deadlinesBucket).Delete(key)
	if tx.Bucket(hashesBucket).Bucket(key) != nil {
		_ = tx.Bucket(hashesBucket).DeleteBucket(key)
	}
}

func matches(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
