// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package generate relays generation requests to the upstream API,
// rotating across projects when one fails.
package generate

import (
	"fmt"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/genrelay/gateway/pool"
)

var (
	// Error is the default error class for the generate package.
	Error = errs.Class("generate")
	// ErrNoProjects is returned when no project could be selected for
	// a request.
	ErrNoProjects = errs.Class("no projects available")
	// ErrAllFailed is returned when every attempted project failed.
	ErrAllFailed = errs.Class("all projects failed")

	mon = monkit.Package()
)

// NetworkError is a transport level failure talking to the upstream.
type NetworkError struct {
	ProjectID string
	Email     string
	Retryable bool
	Timeout   bool
	Err       error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	kind := "network"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s error for project %q: %v", kind, e.ProjectID, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError means the upstream answered but the body did not have the
// expected structure.
type ParseError struct {
	ProjectID string
	Email     string
	Err       error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid response structure from project %q: %v", e.ProjectID, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ParseError) Unwrap() error { return e.Err }

// UpstreamError is a non-success answer from the upstream API.
type UpstreamError struct {
	ProjectID     string
	Email         string
	Kind          pool.ErrorKind
	StatusCode    int
	Status        string
	Message       string
	ValidationURL string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream api error %d", e.StatusCode)
	if e.Status != "" {
		msg += " " + e.Status
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ValidationURL != "" {
		msg += " (validation required: " + e.ValidationURL + ")"
	}
	if e.ProjectID != "" {
		msg += " [project " + e.ProjectID + "]"
	}
	return msg
}
