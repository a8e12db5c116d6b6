// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/genrelay/gateway/admin"
	"storj.io/genrelay/private/httpmock"
)

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func TestGenerateRelaysPrompt(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
	defer ts.cancel()

	ts.saveCredential(ctx, t, "alice@example.com", "project-1")
	ts.transport.AddResponse(testEndpoint, httpmock.Response{
		StatusCode: http.StatusOK,
		Body: `{
			"response": {
				"candidates": [{"content": {"parts": [{"text": "hello there"}]}}],
				"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 4, "totalTokenCount": 6}
			}
		}`,
	})

	status, body := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken,
		`{"prompt": "say hello", "call_source": "cli"}`)
	require.Equal(t, http.StatusOK, status)

	var output struct {
		Text      string `json:"text"`
		ProjectID string `json:"project_id"`
		Account   string `json:"account"`
		Model     string `json:"model"`
		Usage     *struct {
			TotalTokens int64 `json:"totalTokenCount"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &output))
	require.Equal(t, "hello there", output.Text)
	require.Equal(t, "project-1", output.ProjectID)
	require.Equal(t, "alice@example.com", output.Account)
	require.Equal(t, "gemini-2.5-pro", output.Model)
	require.NotNil(t, output.Usage)
	require.EqualValues(t, 6, output.Usage.TotalTokens)

	requests := ts.transport.Requests()
	require.Len(t, requests, 1)
	require.Equal(t, "Bearer access-alice@example.com", requests[0].Header.Get("Authorization"))
	require.Contains(t, requests[0].Body, `"project":"project-1"`)
	require.Contains(t, requests[0].Body, "say hello")

	// exactly one usage metric for the call.
	day, err := ts.usage.GetDaily(ctx, today())
	require.NoError(t, err)
	require.EqualValues(t, 1, day.Aggregate.TotalRequests)
	require.EqualValues(t, 1, day.Aggregate.SuccessfulRequests)
	require.EqualValues(t, 1, day.Aggregate.ByEndpoint["POST /api/generate"].TotalRequests)
	require.EqualValues(t, 1, day.Aggregate.ByAccount["alice@example.com"].TotalRequests)
	require.EqualValues(t, 6, day.Aggregate.ByProject["project-1"].TokensUsed)
}

func TestGenerateOverrides(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
	defer ts.cancel()

	ts.saveCredential(ctx, t, "alice@example.com", "project-1")
	ts.transport.AddResponse(testEndpoint, httpmock.Response{
		StatusCode: http.StatusOK,
		Body:       `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`,
	})

	status, body := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken,
		`{"prompt": "p", "model": "gemini-2.5-flash", "max_output_tokens": 1024, "temperature": 0.2, "top_p": 0.5}`)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"model":"gemini-2.5-flash"`)

	requests := ts.transport.Requests()
	require.Len(t, requests, 1)
	require.Contains(t, requests[0].Body, `"model":"gemini-2.5-flash"`)
	require.Contains(t, requests[0].Body, `"maxOutputTokens":1024`)
	require.Contains(t, requests[0].Body, `"temperature":0.2`)
	require.Contains(t, requests[0].Body, `"topP":0.5`)
}

func TestGenerateValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
	defer ts.cancel()

	status, body := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken,
		`{"call_source": "cli"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body, "prompt is not set")

	status, _ = ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": `)
	require.Equal(t, http.StatusBadRequest, status)

	// rejected requests never reach the executor, so no metric lands.
	day, err := ts.usage.GetDaily(ctx, today())
	require.NoError(t, err)
	require.Zero(t, day.Aggregate.TotalRequests)
}

func TestGenerateErrorMapping(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()

		ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
		defer ts.cancel()

		ts.saveCredential(ctx, t, "alice@example.com", "project-1")
		ts.transport.AddResponse(testEndpoint, httpmock.Response{
			StatusCode: http.StatusTooManyRequests,
			Body:       `{"error": {"code": 429, "message": "please retry after 15s", "status": "RESOURCE_EXHAUSTED"}}`,
		})

		status, _ := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
		require.Equal(t, http.StatusTooManyRequests, status)

		day, err := ts.usage.GetDaily(ctx, today())
		require.NoError(t, err)
		require.EqualValues(t, 1, day.Aggregate.FailedRequests)
		require.EqualValues(t, 1, day.Aggregate.ErrorBreakdown["rate_limit"])
		require.EqualValues(t, 1, day.Aggregate.ByAccount["alice@example.com"].Errors["rate_limit"])
	})

	t.Run("validation required", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()

		ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
		defer ts.cancel()

		ts.saveCredential(ctx, t, "alice@example.com", "project-1")
		ts.transport.AddResponse(testEndpoint, httpmock.Response{
			StatusCode: http.StatusForbidden,
			Body: `{"error": {"code": 403, "message": "user has not onboarded", "status": "PERMISSION_DENIED",
				"details": [{"metadata": {"validation_url": "https://example.com/onboard"}}]}}`,
		})

		status, body := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Contains(t, body, "https://example.com/onboard")

		day, err := ts.usage.GetDaily(ctx, today())
		require.NoError(t, err)
		require.EqualValues(t, 1, day.Aggregate.ErrorBreakdown["preview_disabled"])
	})

	t.Run("no credentials", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()

		ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
		defer ts.cancel()

		status, _ := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
		require.Equal(t, http.StatusServiceUnavailable, status)

		day, err := ts.usage.GetDaily(ctx, today())
		require.NoError(t, err)
		require.EqualValues(t, 1, day.Aggregate.ErrorBreakdown["no_projects"])
	})

	t.Run("transport failure", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()

		ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
		defer ts.cancel()

		ts.saveCredential(ctx, t, "alice@example.com", "project-1")
		ts.transport.AddResponse(testEndpoint, httpmock.Response{Err: errors.New("connection refused")})
		ts.transport.AddResponse(testEndpoint, httpmock.Response{Err: errors.New("connection refused")})

		status, _ := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
		require.Equal(t, http.StatusGatewayTimeout, status)

		day, err := ts.usage.GetDaily(ctx, today())
		require.NoError(t, err)
		require.EqualValues(t, 1, day.Aggregate.ErrorBreakdown["network"])
	})

	t.Run("upstream bad request", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()

		ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
		defer ts.cancel()

		ts.saveCredential(ctx, t, "alice@example.com", "project-1")
		ts.transport.AddResponse(testEndpoint, httpmock.Response{
			StatusCode: http.StatusBadRequest,
			Body:       `{"error": {"code": 400, "message": "schema mismatch", "status": "INVALID_ARGUMENT"}}`,
		})

		status, _ := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
		require.Equal(t, http.StatusBadRequest, status)

		// one attempt only, bad requests never rotate.
		require.Len(t, ts.transport.Requests(), 1)

		day, err := ts.usage.GetDaily(ctx, today())
		require.NoError(t, err)
		require.EqualValues(t, 1, day.Aggregate.ErrorBreakdown["upstream_400"])
	})
}

func TestGenerateOneMetricPerCall(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := newTestServer(t, ctx, admin.Config{AuthToken: testToken})
	defer ts.cancel()

	ts.saveCredential(ctx, t, "alice@example.com", "project-1")
	ts.transport.AddResponse(testEndpoint, httpmock.Response{
		StatusCode: http.StatusOK,
		Body:       `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`,
	})
	ts.transport.AddResponse(testEndpoint, httpmock.Response{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error": {"code": 400, "message": "bad", "status": "INVALID_ARGUMENT"}}`,
	})

	status, _ := ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.request(ctx, t, http.MethodPost, "/api/generate", testToken, `{"prompt": "p"}`)
	require.Equal(t, http.StatusBadRequest, status)

	day, err := ts.usage.GetDaily(ctx, today())
	require.NoError(t, err)
	require.EqualValues(t, 2, day.Aggregate.TotalRequests)
	require.EqualValues(t, 1, day.Aggregate.SuccessfulRequests)
	require.EqualValues(t, 1, day.Aggregate.FailedRequests)
	require.EqualValues(t, 2, day.Aggregate.ByEndpoint["POST /api/generate"].TotalRequests)
	require.Len(t, day.Requests, 2)
}
