// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package gateway assembles the relay: credential storage and refresh,
// the project pool, request execution, usage accounting and the admin
// API, all running against one key-value store.
package gateway

import (
	"context"
	"net"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/gateway/admin"
	"storj.io/genrelay/gateway/auth"
	"storj.io/genrelay/gateway/discovery"
	"storj.io/genrelay/gateway/generate"
	"storj.io/genrelay/gateway/pool"
	"storj.io/genrelay/private/kvstore"
	"storj.io/genrelay/private/lifecycle"
)

var mon = monkit.Package()

// Peer is the gateway process.
//
// architecture: Peer
type Peer struct {
	// core dependencies
	Log *zap.Logger
	DB  kvstore.Store

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Auth struct {
		Store  *auth.Store
		Client *auth.Client
		Chore  *auth.Chore
	}

	Pool struct {
		StateDB  *pool.StateDB
		Selector *pool.Selector
	}

	Generate struct {
		Classifier *generate.Classifier
		Executor   *generate.Executor
	}

	Accounting struct {
		Service *accounting.Service
	}

	Discovery struct {
		Client *discovery.Client
	}

	Admin struct {
		Listener net.Listener
		Server   *admin.Server
	}
}

// New creates a new gateway peer on top of the given store.
func New(log *zap.Logger, db kvstore.Store, config Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup credentials
		peer.Auth.Store = auth.NewStore(log.Named("auth"), db, config.Auth.CacheExpiration)
		peer.Auth.Client = auth.NewClient(log.Named("auth:client"), config.Auth, nil)
		peer.Auth.Chore = auth.NewChore(log.Named("auth:chore"), peer.Auth.Store, peer.Auth.Client, config.Auth)

		peer.Services.Add(lifecycle.Item{
			Name:  "auth:chore",
			Run:   peer.Auth.Chore.Run,
			Close: peer.Auth.Chore.Close,
		})
	}

	{ // setup project pool
		peer.Pool.StateDB = pool.NewStateDB(log.Named("pool"), db, config.Pool)
		peer.Pool.Selector = pool.NewSelector(log.Named("pool:selector"), peer.Pool.StateDB, peer.Auth.Store, config.Pool)

		// a refreshed credential can change which projects are usable,
		// memoized selections must not outlive that.
		peer.Auth.Chore.OnRefresh = func(string) {
			peer.Pool.Selector.InvalidateMemo()
		}
	}

	{ // setup generation
		peer.Generate.Classifier = generate.NewClassifier(log.Named("generate:classify"), peer.Auth.Store)
		peer.Generate.Executor = generate.NewExecutor(log.Named("generate"), config.Generate,
			peer.Pool.Selector, peer.Generate.Classifier, nil)
	}

	{ // setup accounting
		peer.Accounting.Service = accounting.NewService(log.Named("accounting"), db, config.Accounting)
	}

	{ // setup discovery
		peer.Discovery.Client = discovery.NewClient(log.Named("discovery"), config.Discovery, nil)
	}

	{ // setup admin
		var err error
		peer.Admin.Listener, err = net.Listen("tcp", config.Admin.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Admin.Server = admin.NewServer(
			log.Named("admin"),
			peer.Admin.Listener,
			peer.DB,
			peer.Auth.Store,
			peer.Auth.Chore,
			peer.Pool.StateDB,
			peer.Pool.Selector,
			peer.Generate.Executor,
			peer.Accounting.Service,
			peer.Discovery.Client,
			config.Admin,
		)

		peer.Servers.Add(lifecycle.Item{
			Name:  "admin",
			Run:   peer.Admin.Server.Run,
			Close: peer.Admin.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the gateway until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "gateway"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
