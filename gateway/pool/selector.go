// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/genrelay/gateway/auth"
)

var (
	// ErrNoProjects is returned when no usable credential carries any
	// project.
	ErrNoProjects = errs.Class("no projects available")
	// ErrAllCooling is returned when projects exist but every one is
	// cooling down.
	ErrAllCooling = errs.Class("all projects cooling down")
)

// recencyWindow is how far back a project's last use still earns a
// recency bonus.
const recencyWindow = 5 * time.Minute

// Selection is the outcome of picking a project for a request.
type Selection struct {
	ProjectID  string
	Credential auth.Credential
	Score      float64
}

// Stats summarizes the candidate pool.
type Stats struct {
	Available  int `json:"available"`
	InCooldown int `json:"in_cooldown"`
	Total      int `json:"total"`
}

// Selector picks the project a request should ride on. Decisions are
// memoized per call source for a short window so request bursts do not
// recompute the same answer.
type Selector struct {
	log    *zap.Logger
	states *StateDB
	creds  *auth.Store
	config Config

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	selection Selection
	at        time.Time
}

// NewSelector constructs a Selector.
func NewSelector(log *zap.Logger, states *StateDB, creds *auth.Store, config Config) *Selector {
	return &Selector{
		log:    log,
		states: states,
		creds:  creds,
		config: config,
		memo:   make(map[string]memoEntry),
	}
}

// SelectForRequest picks the best available project for a request from
// callSource. Projects in cooldown are never returned.
func (selector *Selector) SelectForRequest(ctx context.Context, callSource string) (_ Selection, err error) {
	defer mon.Task()(&ctx)(&err)

	if selection, ok := selector.memoized(callSource); ok {
		return selection, nil
	}

	candidates, err := selector.candidates(ctx)
	if err != nil {
		return Selection{}, err
	}
	if len(candidates) == 0 {
		return Selection{}, ErrNoProjects.New("no usable credentials carry projects")
	}

	states, err := selector.states.All(ctx)
	if err != nil {
		return Selection{}, err
	}

	now := time.Now()
	scored := make([]Selection, 0, len(candidates))
	for _, candidate := range candidates {
		state := states[candidate.ProjectID]
		if state.InCooldown(now) {
			continue
		}
		scored = append(scored, Selection{
			ProjectID:  candidate.ProjectID,
			Credential: candidate.Credential,
			Score:      ScoreProject(state, now),
		})
	}
	if len(scored) == 0 {
		return Selection{}, ErrAllCooling.New("%d candidates", len(candidates))
	}

	sort.Slice(scored, func(i, k int) bool {
		if scored[i].Score != scored[k].Score {
			return scored[i].Score > scored[k].Score
		}
		return scored[i].ProjectID < scored[k].ProjectID
	})

	selection := scored[0]
	selector.memoize(callSource, selection)
	return selection, nil
}

// MarkUsed records a successful call through a project.
func (selector *Selector) MarkUsed(ctx context.Context, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	selector.invalidateProject(projectID)
	return selector.states.RecordSuccess(ctx, projectID)
}

// MarkCooldown pins a project's cooldown to the duration the upstream
// asked for.
func (selector *Selector) MarkCooldown(ctx context.Context, projectID string, duration time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	selector.invalidateProject(projectID)
	return selector.states.SetCooldown(ctx, projectID, duration)
}

// RecordError records a failed call through a project.
func (selector *Selector) RecordError(ctx context.Context, projectID string, kind ErrorKind, quotaReset time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	selector.invalidateProject(projectID)
	return selector.states.RecordError(ctx, projectID, kind, quotaReset)
}

// ClearCooldown lifts a project's cooldown immediately.
func (selector *Selector) ClearCooldown(ctx context.Context, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	selector.invalidateProject(projectID)
	return selector.states.ClearCooldown(ctx, projectID)
}

// StatsNow counts the candidate pool's availability.
func (selector *Selector) StatsNow(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	candidates, err := selector.candidates(ctx)
	if err != nil {
		return Stats{}, err
	}
	states, err := selector.states.All(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := time.Now()
	stats := Stats{Total: len(candidates)}
	for _, candidate := range candidates {
		state := states[candidate.ProjectID]
		if state.InCooldown(now) {
			stats.InCooldown++
		} else {
			stats.Available++
		}
	}
	return stats, nil
}

// InvalidateMemo drops every memoized decision, used when credentials
// change underneath the selector.
func (selector *Selector) InvalidateMemo() {
	selector.mu.Lock()
	defer selector.mu.Unlock()
	selector.memo = make(map[string]memoEntry)
}

type candidate struct {
	ProjectID  string
	Credential auth.Credential
}

// candidates enumerates the projects of every usable credential. When
// two credentials carry the same project the lexically first email
// wins, keeping enumeration deterministic.
func (selector *Selector) candidates(ctx context.Context) ([]candidate, error) {
	creds, err := selector.creds.Valid(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(creds, func(i, k int) bool { return creds[i].Email < creds[k].Email })

	seen := make(map[string]bool)
	candidates := make([]candidate, 0, len(creds))
	for _, cred := range creds {
		for _, projectID := range cred.Projects {
			if projectID == "" || seen[projectID] {
				continue
			}
			seen[projectID] = true
			candidates = append(candidates, candidate{
				ProjectID:  projectID,
				Credential: cred,
			})
		}
	}
	return candidates, nil
}

// ScoreProject weighs how attractive a project is. The historical
// success rate dominates, recent use earns a bonus, and the remaining
// weight rewards not being penalized. The result stays within [0, 1].
func ScoreProject(state State, now time.Time) float64 {
	successRate := state.SuccessRate()

	recency := 0.0
	if !state.LastUsed.IsZero() {
		age := now.Sub(state.LastUsed)
		if age < recencyWindow {
			recency = 1 - float64(age)/float64(recencyWindow)
		}
	}

	penalty := 0.0
	if state.InCooldown(now) {
		penalty = 1.0
	}

	score := 0.5*successRate + 0.3*recency + 0.2*(1-penalty)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (selector *Selector) memoized(callSource string) (Selection, bool) {
	selector.mu.Lock()
	defer selector.mu.Unlock()

	entry, ok := selector.memo[callSource]
	if !ok || time.Since(entry.at) >= selector.config.MemoExpiration {
		delete(selector.memo, callSource)
		return Selection{}, false
	}
	return entry.selection, true
}

func (selector *Selector) memoize(callSource string, selection Selection) {
	selector.mu.Lock()
	defer selector.mu.Unlock()
	selector.memo[callSource] = memoEntry{selection: selection, at: time.Now()}
}

func (selector *Selector) invalidateProject(projectID string) {
	selector.mu.Lock()
	defer selector.mu.Unlock()
	for callSource, entry := range selector.memo {
		if entry.selection.ProjectID == projectID {
			delete(selector.memo, callSource)
		}
	}
}
