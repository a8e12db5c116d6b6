// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/common/sync2"
	"storj.io/genrelay/gateway/pool"
)

// Config configures request execution against the upstream API.
type Config struct {
	Endpoint string `help:"upstream generation endpoint" default:"https://cloudcode-pa.googleapis.com/v1internal:generateContent"`

	Model           string  `help:"model requested when the caller does not name one" default:"gemini-2.5-pro"`
	MaxOutputTokens int     `help:"output token ceiling per request" default:"65536"`
	Temperature     float64 `help:"sampling temperature" default:"1.0"`
	TopP            float64 `help:"nucleus sampling mass" default:"0.95"`

	EnableThinking bool `help:"ask the model to spend tokens thinking before answering" default:"true"`
	ThinkingBudget int  `help:"token budget for thinking when enabled" default:"32768"`

	MaxRetries int           `help:"attempts per request before giving up" default:"3"`
	BaseDelay  time.Duration `help:"backoff unit between attempts" default:"1s"`
	Timeout    time.Duration `help:"per attempt upstream timeout" default:"1m"`
}

// maxBackoff caps the delay between attempts no matter how far the
// exponential growth got.
const maxBackoff = 30 * time.Second

// transportCooldown is how long a project cools after a transport
// level failure, where the upstream never told us anything.
const transportCooldown = 30 * time.Second

// Selector is what the executor needs from project selection.
// *pool.Selector implements it.
type Selector interface {
	SelectForRequest(ctx context.Context, callSource string) (pool.Selection, error)
	MarkUsed(ctx context.Context, projectID string) error
	MarkCooldown(ctx context.Context, projectID string, duration time.Duration) error
	RecordError(ctx context.Context, projectID string, kind pool.ErrorKind, quotaReset time.Time) error
}

// Request is one generation call.
type Request struct {
	Prompt       string
	SystemPrompt string

	// Model overrides the configured default when set.
	Model string

	// CallSource labels who is asking, selection decisions are
	// memoized per source.
	CallSource string

	ResponseMimeType   string
	ResponseJSONSchema json.RawMessage

	// EnableSearch attaches the googleSearch tool.
	EnableSearch bool

	// MaxOutputTokens, Temperature and TopP override the configured
	// defaults when set. Pointers distinguish zero from unset.
	MaxOutputTokens int
	Temperature     *float64
	TopP            *float64
}

// Usage is the token accounting the upstream reports.
type Usage struct {
	PromptTokens    int64 `json:"promptTokenCount"`
	CandidateTokens int64 `json:"candidatesTokenCount"`
	ThoughtTokens   int64 `json:"thoughtsTokenCount"`
	TotalTokens     int64 `json:"totalTokenCount"`
}

// Result is a completed generation.
type Result struct {
	Text      string
	Thoughts  string
	ProjectID string
	Email     string
	Model     string
	Latency   time.Duration
	Usage     *Usage
}

// Executor runs generation requests, rotating to another project when
// an attempt fails and the failure is worth retrying.
type Executor struct {
	log        *zap.Logger
	config     Config
	selector   Selector
	classifier *Classifier
	client     *http.Client
}

// NewExecutor constructs an Executor. A nil httpClient selects a plain
// default; per attempt timeouts come from the config regardless.
func NewExecutor(log *zap.Logger, config Config, selector Selector, classifier *Classifier, httpClient *http.Client) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	return &Executor{
		log:        log,
		config:     config,
		selector:   selector,
		classifier: classifier,
		client:     httpClient,
	}
}

// retryMode says what the next attempt should do after a failure.
type retryMode int

const (
	// noRetry aborts the request.
	noRetry retryMode = iota
	// retrySame tries the same project again, used for transport
	// failures where the upstream never answered.
	retrySame
	// rotate selects a fresh project for the next attempt.
	rotate
)

// Execute runs one generation request. Transport failures retry the
// same project, upstream rejections rotate to a fresh one, and the
// last failure is returned when every attempt failed. A canceled
// context aborts immediately without further attempts.
func (exec *Executor) Execute(ctx context.Context, req Request) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	var lastErr error
	var selection *pool.Selection
	for attempt := 1; attempt <= exec.config.MaxRetries; attempt++ {
		if attempt > 1 {
			if !sync2.Sleep(ctx, exec.backoff(attempt-1)) {
				return Result{}, Error.Wrap(ctx.Err())
			}
		}

		if selection == nil {
			selected, err := exec.selector.SelectForRequest(ctx, req.CallSource)
			if err != nil {
				switch {
				case pool.ErrAllCooling.Has(err) && lastErr != nil:
					return Result{}, ErrAllFailed.Wrap(lastErr)
				case pool.ErrAllCooling.Has(err), pool.ErrNoProjects.Has(err):
					return Result{}, ErrNoProjects.Wrap(err)
				default:
					return Result{}, err
				}
			}
			selection = &selected
		}

		result, mode, err := exec.attempt(ctx, *selection, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || mode == noRetry {
			return Result{}, err
		}
		exec.log.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.String("project_id", selection.ProjectID),
			zap.Bool("rotating", mode == rotate),
			zap.Error(err))
		if mode == rotate {
			selection = nil
		}
	}
	return Result{}, ErrAllFailed.Wrap(lastErr)
}

// backoff computes the delay after the failed'th attempt.
func (exec *Executor) backoff(failed int) time.Duration {
	delay := exec.config.BaseDelay << (failed - 1)
	delay += time.Duration(rand.Int63n(int64(time.Second)))
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// attempt performs one upstream call through the selected project.
func (exec *Executor) attempt(ctx context.Context, selection pool.Selection, req Request) (_ Result, mode retryMode, err error) {
	defer mon.Task()(&ctx)(&err)

	attemptCtx, cancel := context.WithTimeout(ctx, exec.config.Timeout)
	defer cancel()

	wireBody := exec.buildBody(req, selection.ProjectID)
	body, err := json.Marshal(wireBody)
	if err != nil {
		return Result{}, noRetry, Error.Wrap(err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, exec.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, noRetry, Error.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+selection.Credential.AccessToken)

	started := time.Now()
	resp, err := exec.client.Do(httpReq)
	if err != nil {
		mode, err := exec.transportFailure(ctx, selection, err)
		return Result{}, mode, err
	}
	payload, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil || closeErr != nil {
		mode, err := exec.transportFailure(ctx, selection, errors.Join(err, closeErr))
		return Result{}, mode, err
	}
	latency := time.Since(started)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		mode, err := exec.upstreamFailure(ctx, selection, resp.StatusCode, payload)
		return Result{}, mode, err
	}

	result, err := exec.parseSuccess(selection, payload)
	if err != nil {
		exec.recordError(ctx, selection.ProjectID, pool.KindServer, time.Time{})
		return Result{}, noRetry, err
	}
	result.Model = wireBody.Model
	result.Latency = latency

	if err := exec.selector.MarkUsed(context2.WithoutCancellation(ctx), selection.ProjectID); err != nil {
		exec.log.Error("marking project used failed",
			zap.String("project_id", selection.ProjectID), zap.Error(err))
	}
	mon.DurationVal("generate_latency").Observe(latency)
	return result, noRetry, nil
}

// transportFailure records a failed transport attempt. The request is
// aborted when the caller's context is done; our own attempt deadline
// classifies as a timeout and the same project is retried, since the
// upstream never got to say anything.
func (exec *Executor) transportFailure(ctx context.Context, selection pool.Selection, cause error) (mode retryMode, err error) {
	if ctx.Err() != nil {
		return noRetry, Error.Wrap(ctx.Err())
	}

	kind := pool.KindNetwork
	timeout := false
	var netErr net.Error
	if errors.Is(cause, context.DeadlineExceeded) || (errors.As(cause, &netErr) && netErr.Timeout()) {
		kind = pool.KindTimeout
		timeout = true
	}

	noCancel := context2.WithoutCancellation(ctx)
	exec.recordError(noCancel, selection.ProjectID, kind, time.Time{})
	exec.markCooldown(noCancel, selection.ProjectID, transportCooldown)

	return retrySame, &NetworkError{
		ProjectID: selection.ProjectID,
		Email:     selection.Credential.Email,
		Retryable: true,
		Timeout:   timeout,
		Err:       cause,
	}
}

// upstreamFailure classifies a non-success status, records it against
// the project, and applies whatever cooldown the verdict asks for.
func (exec *Executor) upstreamFailure(ctx context.Context, selection pool.Selection, statusCode int, body []byte) (mode retryMode, err error) {
	verdict := exec.classifier.Classify(ctx, statusCode, body, selection.ProjectID, selection.Credential.Email)

	noCancel := context2.WithoutCancellation(ctx)
	if verdict.Kind != "" {
		exec.recordError(noCancel, selection.ProjectID, verdict.Kind, verdict.QuotaReset)
	}
	if verdict.Cooldown > 0 {
		exec.markCooldown(noCancel, selection.ProjectID, verdict.Cooldown)
	}

	mode = noRetry
	if verdict.Retryable {
		mode = rotate
	}
	return mode, &UpstreamError{
		ProjectID:     selection.ProjectID,
		Email:         selection.Credential.Email,
		Kind:          verdict.Kind,
		StatusCode:    statusCode,
		Status:        verdict.Status,
		Message:       verdict.Message,
		ValidationURL: verdict.ValidationURL,
	}
}

func (exec *Executor) recordError(ctx context.Context, projectID string, kind pool.ErrorKind, quotaReset time.Time) {
	if err := exec.selector.RecordError(ctx, projectID, kind, quotaReset); err != nil {
		exec.log.Error("recording project error failed",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

func (exec *Executor) markCooldown(ctx context.Context, projectID string, duration time.Duration) {
	if err := exec.selector.MarkCooldown(ctx, projectID, duration); err != nil {
		exec.log.Error("marking project cooldown failed",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

// wire types for the upstream request.

type generateBody struct {
	Model   string         `json:"model"`
	Request requestPayload `json:"request"`
	Project string         `json:"project"`
}

type requestPayload struct {
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens    int             `json:"maxOutputTokens"`
	Temperature        float64         `json:"temperature"`
	TopP               float64         `json:"topP"`
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseJSONSchema json.RawMessage `json:"responseJsonSchema,omitempty"`
	ThinkingConfig     *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type tool struct {
	GoogleSearch struct{} `json:"googleSearch"`
}

func (exec *Executor) buildBody(req Request, projectID string) generateBody {
	model := req.Model
	if model == "" {
		model = exec.config.Model
	}

	generation := generationConfig{
		MaxOutputTokens:    exec.config.MaxOutputTokens,
		Temperature:        exec.config.Temperature,
		TopP:               exec.config.TopP,
		ResponseMimeType:   req.ResponseMimeType,
		ResponseJSONSchema: req.ResponseJSONSchema,
	}
	if req.MaxOutputTokens > 0 {
		generation.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		generation.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		generation.TopP = *req.TopP
	}
	if exec.config.EnableThinking {
		generation.ThinkingConfig = &thinkingConfig{ThinkingBudget: exec.config.ThinkingBudget}
	}

	payload := requestPayload{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: req.Prompt}},
		}},
		GenerationConfig: generation,
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if req.EnableSearch {
		payload.Tools = []tool{{}}
	}

	return generateBody{
		Model:   model,
		Request: payload,
		Project: projectID,
	}
}

// wire types for the upstream response. Some deployments wrap the
// payload in a response object, both shapes are accepted.

type apiResponse struct {
	Response *responsePayload `json:"response"`

	Candidates    []candidateBody `json:"candidates"`
	UsageMetadata *Usage          `json:"usageMetadata"`

	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type responsePayload struct {
	Candidates    []candidateBody `json:"candidates"`
	UsageMetadata *Usage          `json:"usageMetadata"`
}

type candidateBody struct {
	Content content `json:"content"`
}

// parseSuccess extracts the generated text from a 2xx body. Thinking
// parts are kept apart from the answer. An error object inside a 2xx
// still fails the request.
func (exec *Executor) parseSuccess(selection pool.Selection, body []byte) (Result, error) {
	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, &ParseError{
			ProjectID: selection.ProjectID,
			Email:     selection.Credential.Email,
			Err:       err,
		}
	}

	if decoded.Error != nil {
		return Result{}, &UpstreamError{
			ProjectID:  selection.ProjectID,
			Email:      selection.Credential.Email,
			Kind:       pool.KindServer,
			StatusCode: decoded.Error.Code,
			Status:     decoded.Error.Status,
			Message:    decoded.Error.Message,
		}
	}

	candidates := decoded.Candidates
	usage := decoded.UsageMetadata
	if decoded.Response != nil {
		candidates = decoded.Response.Candidates
		usage = decoded.Response.UsageMetadata
	}
	if len(candidates) == 0 {
		return Result{}, &ParseError{
			ProjectID: selection.ProjectID,
			Email:     selection.Credential.Email,
			Err:       errors.New("no candidates in response"),
		}
	}

	var texts, thoughts []string
	for _, p := range candidates[0].Content.Parts {
		if p.Text == "" {
			continue
		}
		if p.Thought {
			thoughts = append(thoughts, p.Text)
		} else {
			texts = append(texts, p.Text)
		}
	}

	return Result{
		Text:      strings.Join(texts, "\n"),
		Thoughts:  strings.Join(thoughts, "\n"),
		ProjectID: selection.ProjectID,
		Email:     selection.Credential.Email,
		Usage:     usage,
	}, nil
}
