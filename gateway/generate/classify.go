// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/genrelay/gateway/pool"
)

// TokenInvalidator flags a credential as unusable. *auth.Store
// implements it.
type TokenInvalidator interface {
	MarkInvalid(ctx context.Context, email, reason string) error
}

// Verdict is the classifier's decision about an upstream failure. A
// zero Kind means the failure does not count against the project's
// health. A zero Cooldown means the status itself does not ask for
// one.
type Verdict struct {
	Retryable bool
	Kind      pool.ErrorKind
	Cooldown  time.Duration

	QuotaReset time.Time
	QuotaLimit float64
	QuotaUsed  float64

	Status        string
	Message       string
	ValidationURL string
}

// Classifier turns upstream failure responses into verdicts and
// handles the side effects a status demands, like invalidating the
// credential behind a 401.
type Classifier struct {
	log         *zap.Logger
	invalidator TokenInvalidator
}

// NewClassifier constructs a Classifier. The invalidator may be nil,
// then 401 responses only cool the project down.
func NewClassifier(log *zap.Logger, invalidator TokenInvalidator) *Classifier {
	return &Classifier{
		log:         log,
		invalidator: invalidator,
	}
}

// Classify maps an upstream failure status and body to a verdict.
// Invalidating a credential on 401 is best effort: its failure is
// logged and the verdict stands.
func (classifier *Classifier) Classify(ctx context.Context, statusCode int, body []byte, projectID, email string) Verdict {
	parsed := parseErrorBody(body)

	verdict := Verdict{
		Status:        parsed.Status,
		Message:       parsed.Message,
		ValidationURL: parsed.ValidationURL,
	}
	if verdict.Status == "" {
		verdict.Status = http.StatusText(statusCode)
	}
	if verdict.Message == "" {
		verdict.Message = preamble(body)
	}

	switch statusCode {
	case http.StatusBadRequest:
		verdict.Retryable = false
		classifier.log.Warn("upstream rejected request",
			zap.String("project_id", projectID),
			zap.String("body", preamble(body)))

	case http.StatusUnauthorized:
		verdict.Retryable = true
		verdict.Cooldown = 5 * time.Minute
		verdict.Kind = pool.KindAuth
		if parsed.Status == "UNAUTHENTICATED" {
			verdict.Kind = pool.KindNotLoggedIn
		}
		classifier.invalidate(ctx, email, projectID)

	case http.StatusForbidden:
		verdict.Retryable = true
		verdict.Cooldown = 10 * time.Minute
		verdict.Kind = pool.KindPreviewDisabled
		if strings.Contains(strings.ToLower(verdict.Message), "billing") {
			verdict.Kind = pool.KindBillingDisabled
		}
		if verdict.ValidationURL != "" {
			verdict.Cooldown = time.Hour
		}

	case http.StatusNotFound:
		verdict.Retryable = true
		verdict.Cooldown = time.Hour
		verdict.Kind = pool.KindServer

	case http.StatusTooManyRequests:
		verdict.Retryable = true
		classifier.classifyRateLimit(&verdict, projectID)

	case http.StatusInternalServerError:
		verdict.Retryable = true
		verdict.Kind = pool.KindServer

	case http.StatusServiceUnavailable:
		verdict.Retryable = true
		verdict.Cooldown = 30 * time.Second
		verdict.Kind = pool.KindServer

	default:
		if statusCode >= http.StatusInternalServerError {
			verdict.Retryable = true
			verdict.Kind = pool.KindServer
		} else {
			verdict.Retryable = false
			classifier.log.Warn("unclassified upstream status",
				zap.Int("status_code", statusCode),
				zap.String("project_id", projectID),
				zap.String("body", preamble(body)))
		}
	}
	return verdict
}

// classifyRateLimit fills in a 429 verdict from the upstream message.
// A daily quota message names when the quota resets, a plain rate
// limit names how long to wait, and an unhelpful one gets a minute.
func (classifier *Classifier) classifyRateLimit(verdict *Verdict, projectID string) {
	verdict.QuotaLimit, verdict.QuotaUsed = parseQuotaInfo(verdict.Message)

	if reset, ok := parseResetAfter(verdict.Message); ok {
		verdict.Kind = pool.KindQuotaExhausted
		verdict.Cooldown = reset
		verdict.QuotaReset = time.Now().Add(reset)
		classifier.log.Info("project quota exhausted",
			zap.String("project_id", projectID),
			zap.Duration("resets_in", reset),
			zap.Float64("quota", verdict.QuotaLimit),
			zap.Float64("used", verdict.QuotaUsed))
		return
	}

	verdict.Kind = pool.KindRateLimit
	if wait, ok := parseRetryAfter(verdict.Message); ok {
		verdict.Cooldown = wait
	} else {
		verdict.Cooldown = time.Minute
	}
}

func (classifier *Classifier) invalidate(ctx context.Context, email, projectID string) {
	if classifier.invalidator == nil || email == "" {
		return
	}
	reason := fmt.Sprintf("401 Unauthorized for project %s", projectID)
	if err := classifier.invalidator.MarkInvalid(ctx, email, reason); err != nil {
		classifier.log.Error("invalidating credential failed",
			zap.String("email", email), zap.Error(err))
	}
}

type parsedError struct {
	Status        string
	Message       string
	ValidationURL string
}

// parseErrorBody decodes the standard error envelope. Anything that
// does not decode reads as an empty parse.
func parseErrorBody(body []byte) parsedError {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Type     string            `json:"@type"`
				Metadata map[string]string `json:"metadata"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return parsedError{}
	}

	parsed := parsedError{
		Status:  envelope.Error.Status,
		Message: envelope.Error.Message,
	}
	for _, detail := range envelope.Error.Details {
		if url := detail.Metadata["validation_url"]; url != "" {
			parsed.ValidationURL = url
			break
		}
	}
	return parsed
}

var (
	resetAfterRe = regexp.MustCompile(`(?i)reset after\s*(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+(?:\.\d+)?)s)?`)
	retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+(?:\.\d+)?)\s*s`)
	quotaRe      = regexp.MustCompile(`(?i)quota[:\s]+(\d+(?:\.\d+)?)`)
	usedRe       = regexp.MustCompile(`(?i)used[:\s]+(\d+(?:\.\d+)?)`)
)

// parseResetAfter reads the "reset after 21h 10m 20s" form of a daily
// quota message. Every component is optional, so "reset after 2h"
// parses as well; a message with no components at all reads as no
// reset.
func parseResetAfter(message string) (time.Duration, bool) {
	match := resetAfterRe.FindStringSubmatch(message)
	if match == nil {
		return 0, false
	}
	hours, _ := strconv.ParseFloat(zeroed(match[1]), 64)
	minutes, _ := strconv.ParseFloat(zeroed(match[2]), 64)
	seconds, _ := strconv.ParseFloat(zeroed(match[3]), 64)
	total := time.Duration((hours*3600 + minutes*60 + seconds) * float64(time.Second))
	return total, total > 0
}

// parseRetryAfter reads the "retry after 15s" form of a rate limit
// message.
func parseRetryAfter(message string) (time.Duration, bool) {
	match := retryAfterRe.FindStringSubmatch(message)
	if match == nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(match[1], 64)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// parseQuotaInfo extracts the quota and used decimals some rate limit
// messages carry. Absent values read as zero.
func parseQuotaInfo(message string) (quota, used float64) {
	if match := quotaRe.FindStringSubmatch(message); match != nil {
		quota, _ = strconv.ParseFloat(match[1], 64)
	}
	if match := usedRe.FindStringSubmatch(message); match != nil {
		used, _ = strconv.ParseFloat(match[1], 64)
	}
	return quota, used
}

func zeroed(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// preamble returns the head of a response body for logging.
func preamble(body []byte) string {
	const limit = 200
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > limit {
		return trimmed[:limit]
	}
	return trimmed
}
