// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
)

// refreshStartupDelay postpones the first refresh pass so process
// startup is not serialized behind OAuth round trips.
const refreshStartupDelay = 5 * time.Second

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// Chore periodically refreshes credentials that are close to expiry.
// A pass never aborts on a single credential's failure; every failure
// is logged and counted instead.
type Chore struct {
	log    *zap.Logger
	store  *Store
	client *Client
	config Config

	Loop    *sync2.Cycle
	running atomic.Bool

	// OnRefresh is invoked after a credential is refreshed and saved,
	// letting project selection drop memoized decisions.
	OnRefresh func(email string)
}

// NewChore constructs a refresh chore.
func NewChore(log *zap.Logger, store *Store, client *Client, config Config) *Chore {
	return &Chore{
		log:    log,
		store:  store,
		client: client,
		config: config,
		Loop:   sync2.NewCycle(config.RefreshInterval),
	}
}

// Run starts the refresh loop after a short startup delay.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !sync2.Sleep(ctx, refreshStartupDelay) {
		return ctx.Err()
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if _, err := chore.CycleNow(ctx); err != nil && !ErrBusy.Has(err) {
			chore.log.Error("refresh pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the refresh loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// ErrBusy is returned when a refresh pass is requested while another
// is still running.
var ErrBusy = errs.Class("refresh already running")

// CycleNow runs a refresh pass immediately. Overlapping passes are
// rejected rather than queued.
func (chore *Chore) CycleNow(ctx context.Context) (result RefreshResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if !chore.running.CompareAndSwap(false, true) {
		return RefreshResult{}, ErrBusy.New("")
	}
	defer chore.running.Store(false)

	chore.store.InvalidateCache()
	needing, err := chore.store.NeedingRefresh(ctx, chore.config.RefreshBuffer)
	if err != nil {
		return RefreshResult{}, err
	}
	if len(needing) == 0 {
		return RefreshResult{}, nil
	}

	var refreshed, failed atomic.Int64
	limiter := errgroup.Group{}
	limiter.SetLimit(4)
	for _, cred := range needing {
		limiter.Go(func() error {
			if err := chore.refreshOne(ctx, cred); err != nil {
				failed.Add(1)
				chore.log.Warn("credential refresh failed",
					zap.String("email", cred.Email), zap.Error(err))
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = limiter.Wait()

	result = RefreshResult{
		Refreshed: int(refreshed.Load()),
		Failed:    int(failed.Load()),
	}
	chore.log.Info("refresh pass finished",
		zap.Int("refreshed", result.Refreshed),
		zap.Int("failed", result.Failed),
		zap.Int("inspected", len(needing)))

	mon.IntVal("credentials_refreshed").Observe(int64(result.Refreshed))
	mon.IntVal("credentials_refresh_failed").Observe(int64(result.Failed))
	return result, nil
}

// RefreshByEmail refreshes a single credential immediately.
func (chore *Chore) RefreshByEmail(ctx context.Context, email string) (err error) {
	defer mon.Task()(&ctx)(&err)

	cred, err := chore.store.Load(ctx, email)
	if err != nil {
		return err
	}
	return chore.refreshOne(ctx, cred)
}

func (chore *Chore) refreshOne(ctx context.Context, cred Credential) error {
	refreshed, err := chore.client.Refresh(ctx, cred)
	if err != nil {
		if isPermanentOAuthError(err) {
			if markErr := chore.store.MarkInvalid(ctx, cred.Email, "refresh rejected: "+oauthErrorCode(err)); markErr != nil {
				chore.log.Error("marking credential invalid failed",
					zap.String("email", cred.Email), zap.Error(markErr))
			}
		}
		return err
	}

	if err := chore.store.Save(ctx, cred.Email, refreshed, true); err != nil {
		return err
	}
	if chore.OnRefresh != nil {
		chore.OnRefresh(cred.Email)
	}
	return nil
}

// isPermanentOAuthError reports whether a refresh failure cannot be
// retried, which happens when the refresh token itself was revoked.
func isPermanentOAuthError(err error) bool {
	return oauthErrorCode(err) == "invalid_grant"
}

func oauthErrorCode(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode
	}
	return ""
}
