// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/genrelay/private/kvstore"
	"storj.io/genrelay/private/lrucache"
)

// Config configures project state tracking and selection.
type Config struct {
	StateCacheExpiration time.Duration `help:"how long project states are served from memory" default:"30s"`
	MemoExpiration       time.Duration `help:"how long a selection decision is reused" default:"1s"`
}

// Cooldown growth parameters. Up to cooldownThreshold consecutive
// errors a project cools for the initial duration, afterwards the
// duration doubles per error until the cap.
const (
	initialCooldown   = time.Minute
	maxCooldown       = time.Hour
	cooldownThreshold = 3
)

const stateKeyPrefix = "project-state:"

// StateKey returns the storage key for a project's state.
func StateKey(projectID string) kvstore.Key {
	return kvstore.Key(stateKeyPrefix + projectID)
}

// StateDB persists project states as JSON values and fronts them with
// a short lived cache so selection does not hammer the database.
type StateDB struct {
	log    *zap.Logger
	db     kvstore.Store
	config Config

	// mu serializes load-modify-save sequences so concurrent records
	// against one project never lose updates.
	mu    sync.Mutex
	cache *lrucache.ExpiringLRUOf[map[string]State]
}

const allStatesKey = "all"

// NewStateDB constructs a StateDB.
func NewStateDB(log *zap.Logger, db kvstore.Store, config Config) *StateDB {
	return &StateDB{
		log:    log,
		db:     db,
		config: config,
		cache: lrucache.NewOf[map[string]State](lrucache.Options{
			Expiration: config.StateCacheExpiration,
			Capacity:   1,
			Name:       "project-state",
		}),
	}
}

// All returns every known project state keyed by project ID.
func (statedb *StateDB) All(ctx context.Context) (_ map[string]State, err error) {
	defer mon.Task()(&ctx)(&err)

	states, err := statedb.cache.Get(ctx, allStatesKey, func() (map[string]State, error) {
		return statedb.loadAll(ctx)
	})
	if err != nil {
		return nil, err
	}

	copied := make(map[string]State, len(states))
	for id, state := range states {
		copied[id] = state
	}
	return copied, nil
}

func (statedb *StateDB) loadAll(ctx context.Context) (map[string]State, error) {
	keys, err := kvstore.ScanAll(ctx, statedb.db, stateKeyPrefix+"*")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var mu sync.Mutex
	states := make(map[string]State, len(keys))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, key := range keys {
		group.Go(func() error {
			value, err := statedb.db.Get(groupCtx, key)
			if err != nil {
				if kvstore.ErrKeyNotFound.Has(err) {
					return nil
				}
				return Error.Wrap(err)
			}
			var state State
			if err := json.Unmarshal(value, &state); err != nil {
				statedb.log.Warn("skipping undecodable project state",
					zap.String("key", key.String()), zap.Error(err))
				return nil
			}
			mu.Lock()
			states[state.ProjectID] = state
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// Get returns the state for a project. Unknown projects read as a
// zero state, they are not persisted.
func (statedb *StateDB) Get(ctx context.Context, projectID string) (_ State, err error) {
	defer mon.Task()(&ctx)(&err)

	states, err := statedb.All(ctx)
	if err != nil {
		return State{}, err
	}
	if state, ok := states[projectID]; ok {
		return state, nil
	}
	return State{ProjectID: projectID}, nil
}

// GetOrCreateDefault returns the state for a project, persisting a
// fresh default when none exists yet.
func (statedb *StateDB) GetOrCreateDefault(ctx context.Context, projectID string) (_ State, err error) {
	defer mon.Task()(&ctx)(&err)

	statedb.mu.Lock()
	defer statedb.mu.Unlock()

	state, found, err := statedb.loadOne(ctx, projectID)
	if err != nil {
		return State{}, err
	}
	if found {
		return state, nil
	}
	if err := statedb.save(ctx, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Update applies modify to the current state of a project and persists
// the result. The modified state is returned.
func (statedb *StateDB) Update(ctx context.Context, projectID string, modify func(*State)) (_ State, err error) {
	defer mon.Task()(&ctx)(&err)

	statedb.mu.Lock()
	defer statedb.mu.Unlock()

	state, _, err := statedb.loadOne(ctx, projectID)
	if err != nil {
		return State{}, err
	}
	modify(&state)
	state.ProjectID = projectID
	if err := statedb.save(ctx, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// RecordSuccess notes a successful call through a project. It resets
// the error streak but deliberately leaves cooldown-until in place;
// an elapsed deadline simply stops mattering.
func (statedb *StateDB) RecordSuccess(ctx context.Context, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	_, err = statedb.Update(ctx, projectID, func(state *State) {
		state.SuccessCount++
		state.ConsecutiveErrors = 0
		state.LastUsed = now
		state.LastSuccess = now
		state.LastErrorKind = ""
	})
	return err
}

// RecordError notes a failed call through a project and extends its
// cooldown. The new deadline never moves backwards: concurrent error
// records keep the largest one. A non-zero quotaReset stretches the
// cooldown to the quota window and records how far away it was.
func (statedb *StateDB) RecordError(ctx context.Context, projectID string, kind ErrorKind, quotaReset time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	_, err = statedb.Update(ctx, projectID, func(state *State) {
		state.ErrorCount++
		state.ConsecutiveErrors++
		state.LastError = now
		state.LastErrorKind = kind

		until := now.Add(cooldownFor(state.ConsecutiveErrors, kind))
		if kind == KindQuotaExhausted && !quotaReset.IsZero() {
			if quotaReset.After(until) {
				until = quotaReset
			}
			state.QuotaResetTime = quotaReset
			if remaining := quotaReset.Sub(now).Round(time.Second); remaining > 0 {
				state.QuotaResetReason = remaining.String()
			}
		}
		if until.After(state.CooldownUntil) {
			state.CooldownUntil = until
		}
	})
	mon.Event("project_error", monkit.NewSeriesTag("kind", string(kind)))
	return err
}

// cooldownFor computes how long a project cools after its consecutive'th
// error in a row. Login problems always get the short cooldown since
// piling on longer ones does not make anyone log in faster.
func cooldownFor(consecutive int64, kind ErrorKind) time.Duration {
	if kind == KindNotLoggedIn {
		return initialCooldown
	}
	if consecutive < cooldownThreshold {
		return initialCooldown
	}
	shift := consecutive - cooldownThreshold
	if shift >= 12 {
		return maxCooldown
	}
	cooldown := initialCooldown << shift
	if cooldown > maxCooldown {
		return maxCooldown
	}
	return cooldown
}

// SetCooldown pins the project's cooldown to now plus duration. Unlike
// RecordError this overwrites, since the caller derived the duration
// from what the upstream said.
func (statedb *StateDB) SetCooldown(ctx context.Context, projectID string, duration time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	until := time.Now().Add(duration)
	_, err = statedb.Update(ctx, projectID, func(state *State) {
		state.CooldownUntil = until
	})
	return err
}

// ClearCooldown lifts a project's cooldown and forgets its error
// streak so the next failure starts the growth over.
func (statedb *StateDB) ClearCooldown(ctx context.Context, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = statedb.Update(ctx, projectID, func(state *State) {
		state.CooldownUntil = time.Time{}
		state.QuotaResetTime = time.Time{}
		state.QuotaResetReason = ""
		state.ConsecutiveErrors = 0
		state.LastErrorKind = ""
	})
	return err
}

// InCooldown reports whether the project is cooling down right now.
func (statedb *StateDB) InCooldown(ctx context.Context, projectID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	state, err := statedb.Get(ctx, projectID)
	if err != nil {
		return false, err
	}
	return state.InCooldown(time.Now()), nil
}

// Available returns the states not cooling down, least recently used
// first so idle projects get picked up.
func (statedb *StateDB) Available(ctx context.Context) (_ []State, err error) {
	defer mon.Task()(&ctx)(&err)

	states, err := statedb.All(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	available := make([]State, 0, len(states))
	for _, state := range states {
		if !state.InCooldown(now) {
			available = append(available, state)
		}
	}
	sort.Slice(available, func(i, k int) bool {
		if !available[i].LastUsed.Equal(available[k].LastUsed) {
			return available[i].LastUsed.Before(available[k].LastUsed)
		}
		return available[i].ProjectID < available[k].ProjectID
	})
	return available, nil
}

// QuotaExhausted returns the states whose last failure was a quota
// limit or whose quota window has not reset yet.
func (statedb *StateDB) QuotaExhausted(ctx context.Context) (_ []State, err error) {
	defer mon.Task()(&ctx)(&err)

	states, err := statedb.All(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	exhausted := make([]State, 0)
	for _, state := range states {
		if state.LastErrorKind == KindQuotaExhausted || now.Before(state.QuotaResetTime) {
			exhausted = append(exhausted, state)
		}
	}
	sort.Slice(exhausted, func(i, k int) bool {
		return exhausted[i].ProjectID < exhausted[k].ProjectID
	})
	return exhausted, nil
}

// InvalidateCache forces the next read to consult the database.
func (statedb *StateDB) InvalidateCache(ctx context.Context) {
	statedb.cache.Delete(ctx, allStatesKey)
}

// loadOne reads a single project state directly from the database.
func (statedb *StateDB) loadOne(ctx context.Context, projectID string) (State, bool, error) {
	value, err := statedb.db.Get(ctx, StateKey(projectID))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return State{ProjectID: projectID}, false, nil
		}
		return State{}, false, Error.Wrap(err)
	}
	var state State
	if err := json.Unmarshal(value, &state); err != nil {
		return State{}, false, Error.Wrap(err)
	}
	state.ProjectID = projectID
	return state, true, nil
}

// save persists a state and drops the cache so the write is visible.
func (statedb *StateDB) save(ctx context.Context, state State) error {
	value, err := json.Marshal(state)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := statedb.db.Put(ctx, StateKey(state.ProjectID), value, 0); err != nil {
		return Error.Wrap(err)
	}
	statedb.cache.Delete(ctx, allStatesKey)
	return nil
}
