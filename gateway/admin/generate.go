// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/gateway/generate"
	"storj.io/genrelay/gateway/pool"
)

// generateEndpoint labels generation calls in usage metrics.
const generateEndpoint = "/api/generate"

func (server *Server) generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendJSONError(w, "failed to read body", err.Error(), http.StatusInternalServerError)
		return
	}

	var input struct {
		Prompt             string          `json:"prompt"`
		SystemInstruction  string          `json:"system_instruction"`
		Model              string          `json:"model"`
		MaxOutputTokens    int             `json:"max_output_tokens"`
		Temperature        *float64        `json:"temperature"`
		TopP               *float64        `json:"top_p"`
		ResponseMimeType   string          `json:"response_mime_type"`
		ResponseJSONSchema json.RawMessage `json:"response_json_schema"`
		UseGoogleSearch    bool            `json:"use_google_search"`
		CallSource         string          `json:"call_source"`
	}
	if err := json.Unmarshal(body, &input); err != nil {
		sendJSONError(w, "failed to unmarshal request", err.Error(), http.StatusBadRequest)
		return
	}
	if input.Prompt == "" {
		sendJSONError(w, "prompt is not set", "", http.StatusBadRequest)
		return
	}

	started := time.Now()
	result, err := server.executor.Execute(ctx, generate.Request{
		Prompt:             input.Prompt,
		SystemPrompt:       input.SystemInstruction,
		Model:              input.Model,
		CallSource:         input.CallSource,
		ResponseMimeType:   input.ResponseMimeType,
		ResponseJSONSchema: input.ResponseJSONSchema,
		EnableSearch:       input.UseGoogleSearch,
		MaxOutputTokens:    input.MaxOutputTokens,
		Temperature:        input.Temperature,
		TopP:               input.TopP,
	})
	server.recordGeneration(ctx, result, err, time.Since(started))
	if err != nil {
		sendJSONError(w, "generation failed", err.Error(), httpStatusFor(err))
		return
	}

	output := struct {
		Text      string          `json:"text"`
		Thoughts  string          `json:"thoughts,omitempty"`
		ProjectID string          `json:"project_id"`
		Account   string          `json:"account,omitempty"`
		Model     string          `json:"model"`
		LatencyMS int64           `json:"latency_ms"`
		Usage     *generate.Usage `json:"usage,omitempty"`
	}{
		Text:      result.Text,
		Thoughts:  result.Thoughts,
		ProjectID: result.ProjectID,
		Account:   result.Email,
		Model:     result.Model,
		LatencyMS: result.Latency.Milliseconds(),
		Usage:     result.Usage,
	}
	data, err := json.Marshal(output)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

// recordGeneration emits the single usage metric for one generation
// call, success or failure. A metric write failure is logged and never
// surfaced to the caller.
func (server *Server) recordGeneration(ctx context.Context, result generate.Result, genErr error, elapsed time.Duration) {
	metric := accounting.RequestMetric{
		Endpoint:   generateEndpoint,
		Method:     http.MethodPost,
		DurationMS: elapsed.Milliseconds(),
		Status:     accounting.StatusSuccess,
	}
	if genErr == nil {
		metric.AccountID = result.Email
		metric.ProjectID = result.ProjectID
		metric.DurationMS = result.Latency.Milliseconds()
		metric.StatusCode = http.StatusOK
		metric.Model = result.Model
		if result.Usage != nil {
			metric.TokensUsed = result.Usage.TotalTokens
		}
	} else {
		metric.Status = accounting.StatusError
		metric.StatusCode = httpStatusFor(genErr)
		metric.ErrorType = errorTypeFor(genErr)
		metric.ProjectID, metric.AccountID = attributionFor(genErr)
	}
	if err := server.usage.Record(context2.WithoutCancellation(ctx), metric); err != nil {
		server.log.Error("recording usage metric failed", zap.Error(err))
	}
}

// httpStatusFor maps a generation failure to the response status:
// no usable project 503, upstream 401 stays 401, upstream 429 stays
// 429, account validation and upstream 400 become 400, other upstream
// rejections and malformed upstream bodies 502, transport failures and
// cancellations 504, anything else 500.
func httpStatusFor(err error) int {
	var upstreamErr *generate.UpstreamError
	var netErr *generate.NetworkError
	var parseErr *generate.ParseError
	switch {
	case generate.ErrNoProjects.Has(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstreamErr):
		switch {
		case upstreamErr.StatusCode == http.StatusUnauthorized:
			return http.StatusUnauthorized
		case upstreamErr.StatusCode == http.StatusTooManyRequests:
			return http.StatusTooManyRequests
		case upstreamErr.ValidationURL != "":
			return http.StatusBadRequest
		case upstreamErr.StatusCode == http.StatusBadRequest:
			return http.StatusBadRequest
		default:
			return http.StatusBadGateway
		}
	case errors.As(err, &netErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &parseErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorTypeFor labels a generation failure for the error histogram.
func errorTypeFor(err error) string {
	var upstreamErr *generate.UpstreamError
	var netErr *generate.NetworkError
	var parseErr *generate.ParseError
	switch {
	case generate.ErrNoProjects.Has(err):
		return "no_projects"
	case errors.As(err, &upstreamErr):
		if upstreamErr.Kind != "" {
			return string(upstreamErr.Kind)
		}
		return fmt.Sprintf("upstream_%d", upstreamErr.StatusCode)
	case errors.As(err, &netErr):
		if netErr.Timeout {
			return string(pool.KindTimeout)
		}
		return string(pool.KindNetwork)
	case errors.As(err, &parseErr):
		return "invalid_response"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unexpected"
	}
}

// attributionFor extracts which project and account a failure touched,
// when it got far enough to involve one.
func attributionFor(err error) (projectID, email string) {
	var upstreamErr *generate.UpstreamError
	var netErr *generate.NetworkError
	var parseErr *generate.ParseError
	switch {
	case errors.As(err, &upstreamErr):
		return upstreamErr.ProjectID, upstreamErr.Email
	case errors.As(err, &netErr):
		return netErr.ProjectID, netErr.Email
	case errors.As(err, &parseErr):
		return parseErr.ProjectID, parseErr.Email
	}
	return "", ""
}
