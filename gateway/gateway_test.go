// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"storj.io/common/testcontext"
	"storj.io/genrelay/gateway"
	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/gateway/admin"
	"storj.io/genrelay/gateway/auth"
	"storj.io/genrelay/gateway/generate"
	"storj.io/genrelay/gateway/pool"
	"storj.io/genrelay/private/kvstore/redis"
	"storj.io/genrelay/private/testredis"
)

const testToken = "peer-test-token"

func testConfig() gateway.Config {
	return gateway.Config{
		Admin: admin.Config{
			Address:    "127.0.0.1:0",
			AuthToken:  testToken,
			DailyQuota: 1500,
		},
		Auth: auth.Config{
			TokenURL:        "https://oauth2.googleapis.com/token",
			UserinfoURL:     "https://www.googleapis.com/oauth2/v2/userinfo",
			RevokeURL:       "https://oauth2.googleapis.com/revoke",
			CacheExpiration: time.Minute,
			RefreshInterval: time.Hour,
			RefreshBuffer:   5 * time.Minute,
		},
		Pool: pool.Config{
			StateCacheExpiration: 30 * time.Second,
			MemoExpiration:       time.Second,
		},
		Generate: generate.Config{
			Endpoint:        "https://cloudcode-pa.googleapis.com/v1internal:generateContent",
			Model:           "gemini-2.5-pro",
			MaxOutputTokens: 65536,
			Temperature:     1.0,
			TopP:            0.95,
			MaxRetries:      3,
			BaseDelay:       time.Second,
			Timeout:         time.Minute,
		},
		Accounting: accounting.Config{
			CacheExpiration: 10 * time.Second,
			Retention:       720 * time.Hour,
		},
	}
}

// TestPeer boots the whole gateway against a redis and exercises the
// admin surface end to end.
func TestPeer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, server.Close()) }()

	db, err := redis.OpenClient(ctx, server.Addr(), "", 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	log := zaptest.NewLogger(t)
	peer, err := gateway.New(log, db, testConfig())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error { return peer.Run(runCtx) })

	baseURL := "http://" + peer.Admin.Listener.Addr().String()

	request := func(method, path, token string) (int, string) {
		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp.StatusCode, string(body)
	}

	status, _ := request(http.MethodGet, "/api/healthz", "")
	require.Equal(t, http.StatusOK, status)

	// the peer's stores and the admin surface share the same backend.
	require.NoError(t, peer.Auth.Store.Save(ctx, "alice@example.com", auth.Credential{
		AccessToken: "access",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		Projects:    []string{"project-1"},
	}, false))

	status, body := request(http.MethodGet, "/api/status", testToken)
	require.Equal(t, http.StatusOK, status)

	var decoded struct {
		Projects    pool.Stats `json:"projects"`
		Credentials struct {
			Usable int `json:"usable"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	require.Equal(t, 1, decoded.Projects.Total)
	require.Equal(t, 1, decoded.Credentials.Usable)

	cancel()
	require.NoError(t, group.Wait())
	require.NoError(t, peer.Close())
}

// TestPeerClose makes sure a peer that never ran still closes cleanly.
func TestPeerClose(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, server.Close()) }()

	db, err := redis.OpenClient(ctx, server.Addr(), "", 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	peer, err := gateway.New(zaptest.NewLogger(t), db, testConfig())
	require.NoError(t, err)
	require.NoError(t, peer.Close())
}
