// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package boltdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"storj.io/genrelay/private/kvstore"
	"storj.io/genrelay/private/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, err := Open(ctx, filepath.Join(t.TempDir(), "genrelay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { require.NoError(t, client.Close()) }()

	testsuite.RunTests(t, client)
}

func TestPutTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, err := Open(ctx, filepath.Join(t.TempDir(), "genrelay.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()

	key := kvstore.Key("expiring")
	require.NoError(t, client.Put(ctx, key, kvstore.Value("v"), 50*time.Millisecond))

	value, err := client.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("v"), value)

	time.Sleep(100 * time.Millisecond)

	_, err = client.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	// expired keys disappear from scans as well
	keys, err := kvstore.ScanAll(ctx, client, "expiring")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestReopen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(t.TempDir(), "genrelay.db")

	client, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, []byte("k"), map[string]string{"f": "v"}))
	require.NoError(t, client.Close())

	client, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()

	fields, err := client.HGetAll(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f": "v"}, fields)
}
