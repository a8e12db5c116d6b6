// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/genrelay/gateway/auth"
	"storj.io/genrelay/private/kvstore"
	"storj.io/genrelay/private/kvstore/teststore"
)

func TestStoreSaveLoad(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, 0)

	saved := auth.Credential{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		Scope:        "openid email",
		CreatedAt:    time.Now().Add(-time.Hour).Unix(),
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		Client:       "gemini-cli",
		Projects:     []string{"project-b", "project-a"},
	}
	require.NoError(t, store.Save(ctx, "Alice@Example.com", saved, false))

	loaded, err := store.Load(ctx, "alice@example.com")
	require.NoError(t, err)

	require.Equal(t, "alice@example.com", loaded.Email)
	require.Equal(t, saved.AccessToken, loaded.AccessToken)
	require.Equal(t, saved.RefreshToken, loaded.RefreshToken)
	require.Equal(t, "Bearer", loaded.TokenType)
	require.Equal(t, saved.Scope, loaded.Scope)
	require.Equal(t, saved.CreatedAt, loaded.CreatedAt)
	require.Equal(t, saved.ExpiresIn, loaded.ExpiresIn)
	require.Equal(t, saved.ExpiresAt, loaded.ExpiresAt)
	require.Equal(t, saved.Client, loaded.Client)
	require.Equal(t, saved.Projects, loaded.Projects)
	require.NotZero(t, loaded.UpdatedAt)
	require.False(t, loaded.Invalid)

	_, err = store.Load(ctx, "nobody@example.com")
	require.True(t, auth.ErrNotFound.Has(err))
}

func TestStoreSavePreservesMetadata(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, 0)

	initial := auth.Credential{
		AccessToken:  "old-access",
		RefreshToken: "1//refresh",
		CreatedAt:    time.Now().Add(-24 * time.Hour).Unix(),
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		Client:       "gemini-cli",
		Projects:     []string{"project-a"},
	}
	require.NoError(t, store.Save(ctx, "alice@example.com", initial, false))

	// A refreshed credential carries only the new token material.
	refreshed := auth.Credential{
		AccessToken: "new-access",
		ExpiresIn:   3600,
	}
	require.NoError(t, store.Save(ctx, "alice@example.com", refreshed, true))

	loaded, err := store.Load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "new-access", loaded.AccessToken)
	require.Equal(t, "1//refresh", loaded.RefreshToken)
	require.Equal(t, "gemini-cli", loaded.Client)
	require.Equal(t, []string{"project-a"}, loaded.Projects)
	require.Equal(t, initial.CreatedAt, loaded.CreatedAt)

	// The expiry restarts from the save, not from the original creation.
	expectAt := time.Now().Unix() + 3600
	require.InDelta(t, expectAt, loaded.ExpiresAt, 5)
	require.True(t, loaded.Usable(time.Now()))
}

func TestStoreMarkInvalid(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, 0)

	require.NoError(t, store.Save(ctx, "alice@example.com", auth.Credential{
		AccessToken: "access",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}, false))

	require.NoError(t, store.MarkInvalid(ctx, "alice@example.com", "401 Unauthorized for project project-a"))

	loaded, err := store.Load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, loaded.Invalid)
	require.Equal(t, "401 Unauthorized for project project-a", loaded.InvalidReason)
	require.NotZero(t, loaded.InvalidAt)
	require.False(t, loaded.Usable(time.Now()))

	// Marking again keeps the original reason and timestamp.
	firstAt := loaded.InvalidAt
	require.NoError(t, store.MarkInvalid(ctx, "alice@example.com", "different reason"))
	loaded, err = store.Load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "401 Unauthorized for project project-a", loaded.InvalidReason)
	require.Equal(t, firstAt, loaded.InvalidAt)

	// A successful save clears the flag.
	require.NoError(t, store.Save(ctx, "alice@example.com", auth.Credential{
		AccessToken: "fresh",
		ExpiresIn:   3600,
	}, true))
	loaded, err = store.Load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.False(t, loaded.Invalid)
	require.True(t, loaded.Usable(time.Now()))
}

func TestStoreValidAndNeedingRefresh(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, 0)

	now := time.Now()
	save := func(email string, cred auth.Credential) {
		require.NoError(t, store.Save(ctx, email, cred, false))
	}

	save("fresh@example.com", auth.Credential{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    now.Add(time.Hour).Unix(),
	})
	save("expiring@example.com", auth.Credential{
		AccessToken:  "b",
		RefreshToken: "r",
		ExpiresAt:    now.Add(3 * time.Minute).Unix(),
	})
	save("skewed@example.com", auth.Credential{
		AccessToken:  "c",
		RefreshToken: "r",
		ExpiresAt:    now.Add(30 * time.Second).Unix(),
	})
	save("norefresh@example.com", auth.Credential{
		AccessToken: "d",
		ExpiresAt:   now.Add(-time.Minute).Unix(),
	})
	save("invalid@example.com", auth.Credential{
		AccessToken:  "e",
		RefreshToken: "r",
		ExpiresAt:    now.Add(time.Hour).Unix(),
	})
	require.NoError(t, store.MarkInvalid(ctx, "invalid@example.com", "revoked"))

	valid, err := store.Valid(ctx)
	require.NoError(t, err)
	emails := make([]string, 0, len(valid))
	for _, cred := range valid {
		emails = append(emails, cred.Email)
	}
	// Tokens within the 60 second skew of expiry do not count as valid.
	require.ElementsMatch(t, []string{"fresh@example.com", "expiring@example.com"}, emails)

	needing, err := store.NeedingRefresh(ctx, 5*time.Minute)
	require.NoError(t, err)
	emails = emails[:0]
	for _, cred := range needing {
		emails = append(emails, cred.Email)
	}
	// Expired credentials without a refresh token and invalid ones are skipped.
	require.ElementsMatch(t, []string{"expiring@example.com", "skewed@example.com"}, emails)
}

func TestStoreCachePreservedOnFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, 50*time.Millisecond)

	require.NoError(t, store.Save(ctx, "alice@example.com", auth.Credential{
		AccessToken: "access",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}, false))

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// Let the cache expire, then make the database fail the reload.
	time.Sleep(100 * time.Millisecond)
	db.ForceError = 1

	all, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "access", all["alice@example.com"].AccessToken)

	// Once the database recovers the cache is rebuilt.
	all, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStoreCacheInvalidate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, time.Hour)

	require.NoError(t, store.Save(ctx, "alice@example.com", auth.Credential{
		AccessToken: "before",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}, false))
	_, err := store.LoadAll(ctx)
	require.NoError(t, err)

	// Write behind the cache's back, as a second gateway process would.
	require.NoError(t, db.HSet(ctx, kvstore.Key("oauth-tokens:alice@example.com"), map[string]string{
		"access_token": "after",
	}))

	loaded, err := store.Load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "before", loaded.AccessToken)

	store.InvalidateCache()
	loaded, err = store.Load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "after", loaded.AccessToken)
}

func TestStoreDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := teststore.New()
	store := auth.NewStore(zaptest.NewLogger(t), db, 0)

	require.NoError(t, store.Save(ctx, "alice@example.com", auth.Credential{
		AccessToken: "access",
	}, false))
	require.NoError(t, store.Delete(ctx, "alice@example.com"))

	_, err := store.Load(ctx, "alice@example.com")
	require.True(t, auth.ErrNotFound.Has(err))

	require.NoError(t, store.Delete(ctx, "alice@example.com"))
}
