// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/gateway/auth"
	"storj.io/genrelay/gateway/discovery"
	"storj.io/genrelay/gateway/generate"
	"storj.io/genrelay/gateway/pool"
	"storj.io/genrelay/private/kvstore"
)

// Config defines configuration for the admin server.
type Config struct {
	Address   string `help:"admin peer http listening address" default:":9080" testDefault:"127.0.0.1:0"`
	AuthToken string `help:"authorization token for api endpoints, everything except health is rejected while unset" default:""`

	DailyQuota int64 `help:"assumed per project daily request quota, used to predict exhaustion" default:"1500"`
}

// dateLayout is how api dates are written.
const dateLayout = "2006-01-02"

// Server provides endpoints for relaying generation requests and for
// operating the credential and project pool behind them.
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	db         kvstore.Store
	tokens     *auth.Store
	chore      *auth.Chore
	states     *pool.StateDB
	selector   *pool.Selector
	executor   *generate.Executor
	usage      *accounting.Service
	discoverer *discovery.Client

	nowFn func() time.Time

	config Config
}

// NewServer returns a new administration Server.
func NewServer(log *zap.Logger, listener net.Listener, db kvstore.Store,
	tokens *auth.Store, chore *auth.Chore, states *pool.StateDB,
	selector *pool.Selector, executor *generate.Executor,
	usage *accounting.Service, discoverer *discovery.Client, config Config) *Server {
	server := &Server{
		log:        log,
		listener:   listener,
		db:         db,
		tokens:     tokens,
		chore:      chore,
		states:     states,
		selector:   selector,
		executor:   executor,
		usage:      usage,
		discoverer: discoverer,
		nowFn:      time.Now,
		config:     config,
	}

	root := mux.NewRouter()

	// the health endpoint is registered ahead of the authenticated
	// subrouter, order matters for mux.
	root.HandleFunc("/api/healthz", server.health).Methods("GET")

	api := root.PathPrefix("/api/").Subrouter()
	api.Use(server.withAuth)

	api.HandleFunc("/generate", server.generate).Methods("POST")
	api.HandleFunc("/status", server.status).Methods("GET")

	api.HandleFunc("/metrics/{date}", server.dailyMetrics).Methods("GET")
	api.HandleFunc("/metrics", server.rangeMetrics).Methods("GET")
	api.HandleFunc("/accounts/error-rates", server.accountErrorRates).Methods("GET")

	// literal routes go ahead of their templated siblings.
	api.HandleFunc("/auth/refresh", server.refreshAll).Methods("POST")
	api.HandleFunc("/auth/{email}/refresh", server.refreshCredential).Methods("POST")
	api.HandleFunc("/auth", server.listCredentials).Methods("GET")
	api.HandleFunc("/auth/{email}", server.deleteCredential).Methods("DELETE")

	api.HandleFunc("/projects/discover", server.discoverProjects).Methods("POST")
	api.HandleFunc("/projects/{id}/clear-cooldown", server.clearCooldown).Methods("POST")
	api.HandleFunc("/projects/{id}/quota", server.projectQuota).Methods("GET")
	api.HandleFunc("/projects", server.listProjects).Methods("GET")

	server.server.Handler = root
	return server
}

// Run starts the admin endpoint.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// SetNow allows tests to have the server act as if the current time is
// whatever they want.
func (server *Server) SetNow(nowFn func() time.Time) {
	server.nowFn = nowFn
	if server.usage != nil {
		server.usage.SetNow(nowFn)
	}
}

// withAuth checks if the requester is authorized to perform an
// operation. Every api endpoint except health requires the token.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.config.AuthToken == "" {
			sendJSONError(w, "Admin API not enabled", "", http.StatusForbidden)
			return
		}
		if !validateToken(server.config.AuthToken, r.Header.Get("Authorization")) {
			sendJSONError(w, "Forbidden", "required a valid authorization token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateToken compares the requester's token against the configured
// one in constant time. A Bearer prefix is accepted.
func validateToken(configured, sent string) bool {
	sent = strings.TrimPrefix(sent, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(sent), []byte(configured)) == 1
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := server.db.Ping(ctx); err != nil {
		sendJSONError(w, "kv store unreachable", err.Error(), http.StatusServiceUnavailable)
		return
	}
	sendJSONData(w, http.StatusOK, []byte(`{"status":"ok"}`))
}
