// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package testsuite

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"storj.io/genrelay/private/kvstore"
)

// RunTests runs the kvstore.Store suite against the given store.
// Expiration is not part of the suite because the backends disagree on
// how test clocks advance; each backend covers its own ttl handling.
func RunTests(t *testing.T, store kvstore.Store) {
	t.Run("GetPutDelete", func(t *testing.T) { testGetPutDelete(t, store) })
	t.Run("Hash", func(t *testing.T) { testHash(t, store) })
	t.Run("Scan", func(t *testing.T) { testScan(t, store) })
	t.Run("Ping", func(t *testing.T) { testPing(t, store) })
}

func testGetPutDelete(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key := kvstore.Key("test-key")
	defer cleanupKeys(t, ctx, store, key)

	_, err := store.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err), "expected key not found, got %v", err)

	require.NoError(t, store.Put(ctx, key, kvstore.Value("first"), 0))

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("first"), value)

	require.NoError(t, store.Put(ctx, key, kvstore.Value("second"), 0))

	value, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("second"), value)

	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	// deleting a missing key is not an error
	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, kvstore.Key(""))
	require.True(t, kvstore.ErrEmptyKey.Has(err))
	err = store.Put(ctx, kvstore.Key(""), kvstore.Value("x"), 0)
	require.True(t, kvstore.ErrEmptyKey.Has(err))
}

func testHash(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key := kvstore.Key("test-hash")
	defer cleanupKeys(t, ctx, store, key)

	fields, err := store.HGetAll(ctx, key)
	require.NoError(t, err)
	require.Empty(t, fields)

	require.NoError(t, store.HSet(ctx, key, map[string]string{
		"alpha": "1",
		"beta":  "2",
	}))

	// merging preserves fields that are not overwritten
	require.NoError(t, store.HSet(ctx, key, map[string]string{
		"beta":  "20",
		"gamma": "3",
	}))

	fields, err = store.HGetAll(ctx, key)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"alpha": "1",
		"beta":  "20",
		"gamma": "3",
	}, fields)

	require.NoError(t, store.Delete(ctx, key))

	fields, err = store.HGetAll(ctx, key)
	require.NoError(t, err)
	require.Empty(t, fields)
}

func testScan(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var all kvstore.Keys
	for i := 0; i < 5; i++ {
		key := kvstore.Key(fmt.Sprintf("scan-a:%d", i))
		require.NoError(t, store.Put(ctx, key, kvstore.Value("v"), 0))
		all = append(all, key)
	}
	hashKey := kvstore.Key("scan-b:0")
	require.NoError(t, store.HSet(ctx, hashKey, map[string]string{"f": "v"}))
	all = append(all, hashKey)
	defer cleanupKeys(t, ctx, store, all...)

	keys, err := kvstore.ScanAll(ctx, store, "scan-a:*")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"scan-a:0", "scan-a:1", "scan-a:2", "scan-a:3", "scan-a:4"},
		keys.Strings())

	keys, err = kvstore.ScanAll(ctx, store, "scan-b:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scan-b:0"}, keys.Strings())

	keys, err = kvstore.ScanAll(ctx, store, "scan-none:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testPing(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	require.NoError(t, store.Ping(ctx))
}

func cleanupKeys(t testing.TB, ctx *testcontext.Context, store kvstore.Store, keys ...kvstore.Key) {
	for _, key := range keys {
		_ = store.Delete(ctx, key)
	}
}
