// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/gateway/admin"
	"storj.io/genrelay/gateway/auth"
	"storj.io/genrelay/gateway/discovery"
	"storj.io/genrelay/gateway/generate"
	"storj.io/genrelay/gateway/pool"
	"storj.io/genrelay/private/httpmock"
	"storj.io/genrelay/private/kvstore/teststore"
)

const (
	testEndpoint = "https://cloudcode-pa.googleapis.com/v1internal:generateContent"
	testToken    = "test-admin-token"
)

type testServer struct {
	db        *teststore.Client
	tokens    *auth.Store
	states    *pool.StateDB
	selector  *pool.Selector
	usage     *accounting.Service
	transport *httpmock.Transport
	server    *admin.Server

	baseURL string
	cancel  context.CancelFunc
}

// newTestServer builds the whole stack behind a real listener, with
// every outbound http call answered by the shared mock transport.
func newTestServer(t *testing.T, ctx *testcontext.Context, config admin.Config) *testServer {
	log := zaptest.NewLogger(t)
	db := teststore.New()
	httpClient, transport := httpmock.NewClient()

	tokens := auth.NewStore(log, db, time.Minute)
	authConfig := auth.Config{
		TokenURL:        "https://oauth2.googleapis.com/token",
		UserinfoURL:     "https://www.googleapis.com/oauth2/v2/userinfo",
		RevokeURL:       "https://oauth2.googleapis.com/revoke",
		CacheExpiration: time.Minute,
		RefreshInterval: time.Hour,
		RefreshBuffer:   5 * time.Minute,
	}
	authClient := auth.NewClient(log, authConfig, httpClient)
	chore := auth.NewChore(log, tokens, authClient, authConfig)

	poolConfig := pool.Config{
		StateCacheExpiration: 30 * time.Second,
		MemoExpiration:       time.Second,
	}
	states := pool.NewStateDB(log, db, poolConfig)
	selector := pool.NewSelector(log, states, tokens, poolConfig)
	chore.OnRefresh = func(string) { selector.InvalidateMemo() }

	classifier := generate.NewClassifier(log, tokens)
	executor := generate.NewExecutor(log, generate.Config{
		Endpoint:        testEndpoint,
		Model:           "gemini-2.5-pro",
		MaxOutputTokens: 65536,
		Temperature:     1.0,
		TopP:            0.95,
		EnableThinking:  true,
		ThinkingBudget:  32768,
		MaxRetries:      2,
		BaseDelay:       time.Millisecond,
		Timeout:         time.Minute,
	}, selector, classifier, httpClient)

	usage := accounting.NewService(log, db, accounting.Config{
		CacheExpiration: time.Hour,
		Retention:       720 * time.Hour,
	})
	discoverer := discovery.NewClient(log, discovery.Config{}, httpClient)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := admin.NewServer(log, listener, db, tokens, chore, states,
		selector, executor, usage, discoverer, config)

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error { return server.Run(runCtx) })

	return &testServer{
		db:        db,
		tokens:    tokens,
		states:    states,
		selector:  selector,
		usage:     usage,
		transport: transport,
		server:    server,
		baseURL:   "http://" + listener.Addr().String(),
		cancel:    cancel,
	}
}

func (ts *testServer) request(ctx context.Context, t *testing.T, method, path, token, body string) (int, string) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, ts.baseURL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp.StatusCode, string(data)
}

func (ts *testServer) saveCredential(ctx context.Context, t *testing.T, email string, projects ...string) {
	err := ts.tokens.Save(ctx, email, auth.Credential{
		Email:        email,
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		Projects:     projects,
	}, false)
	require.NoError(t, err)
}

func TestAuthorization(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
	defer ts.cancel()

	status, _ := ts.request(ctx, t, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusForbidden, status)

	status, _ = ts.request(ctx, t, http.MethodGet, "/api/status", "wrong-token", "")
	require.Equal(t, http.StatusForbidden, status)

	status, _ = ts.request(ctx, t, http.MethodGet, "/api/status", testToken, "")
	require.Equal(t, http.StatusOK, status)

	// health never requires a token.
	status, _ = ts.request(ctx, t, http.MethodGet, "/api/healthz", "", "")
	require.Equal(t, http.StatusOK, status)
}

func TestAuthorizationDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{})
	defer ts.cancel()

	status, body := ts.request(ctx, t, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusForbidden, status)
	require.Contains(t, body, "not enabled")

	status, _ = ts.request(ctx, t, http.MethodGet, "/api/healthz", "", "")
	require.Equal(t, http.StatusOK, status)
}

func TestHealth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
	defer ts.cancel()

	status, body := ts.request(ctx, t, http.MethodGet, "/api/healthz", "", "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "ok")

	ts.db.ForceError = 1
	status, _ = ts.request(ctx, t, http.MethodGet, "/api/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
}
