// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testredis runs an in-process redis for tests.
package testredis

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zeebo/errs"
)

// Error is a testredis error.
var Error = errs.Class("testredis")

// Server is an in-process miniredis instance.
type Server struct {
	mini *miniredis.Miniredis
}

// Start starts an in-process redis server.
func Start(ctx context.Context) (*Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Server{mini: mini}, nil
}

// Addr returns the address the server listens on.
func (server *Server) Addr() string { return server.mini.Addr() }

// FastForward advances the server clock, expiring keys whose TTL has
// passed. It does not affect the wall clock of the test process.
func (server *Server) FastForward(duration time.Duration) {
	server.mini.FastForward(duration)
}

// TTL returns the remaining time to live of a key.
func (server *Server) TTL(key string) time.Duration {
	return server.mini.TTL(key)
}

// Close shuts the server down.
func (server *Server) Close() error {
	server.mini.Close()
	return nil
}
