// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pool tracks per-project health and picks the project each
// request should ride on.
package pool

import (
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the pool package.
	Error = errs.Class("pool")

	mon = monkit.Package()
)

// ErrorKind labels the failure category last observed for a project.
type ErrorKind string

// Known error kinds.
const (
	KindRateLimit       ErrorKind = "rate_limit"
	KindAuth            ErrorKind = "auth"
	KindServer          ErrorKind = "server"
	KindNotLoggedIn     ErrorKind = "not_logged_in"
	KindQuotaExhausted  ErrorKind = "quota_exhausted"
	KindPreviewDisabled ErrorKind = "preview_disabled"
	KindBillingDisabled ErrorKind = "billing_disabled"
	KindNetwork         ErrorKind = "network"
	KindTimeout         ErrorKind = "timeout"
)

// State is the stored health record of one project.
type State struct {
	ProjectID string `json:"project_id"`

	SuccessCount      int64 `json:"success_count"`
	ErrorCount        int64 `json:"error_count"`
	ConsecutiveErrors int64 `json:"consecutive_errors"`

	LastUsed    time.Time `json:"last_used,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   time.Time `json:"last_error,omitzero"`

	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`

	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`
	QuotaResetTime   time.Time `json:"quota_reset_time,omitzero"`
	QuotaResetReason string    `json:"quota_reset_reason,omitempty"`
}

// CooldownDeadline returns the instant the project becomes usable
// again, the later of the cooldown and the quota reset.
func (state *State) CooldownDeadline() time.Time {
	if state.QuotaResetTime.After(state.CooldownUntil) {
		return state.QuotaResetTime
	}
	return state.CooldownUntil
}

// InCooldown reports whether the project should be skipped at now.
func (state *State) InCooldown(now time.Time) bool {
	return now.Before(state.CooldownDeadline())
}

// SuccessRate is the fraction of recorded calls that succeeded. A
// project with no history counts as fully healthy.
func (state *State) SuccessRate() float64 {
	total := state.SuccessCount + state.ErrorCount
	if total == 0 {
		return 1
	}
	return float64(state.SuccessCount) / float64(total)
}
