// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/genrelay/private/kvstore"
)

var (
	// Error is the default error class for the auth package.
	Error = errs.Class("auth")
	// ErrNotFound is returned when no credential exists for an email.
	ErrNotFound = errs.Class("credential not found")

	mon = monkit.Package()
)

// DefaultCacheExpiration bounds how long the in-memory credential set
// is served without consulting the database.
const DefaultCacheExpiration = 5 * time.Minute

// Store keeps OAuth credentials in the key-value database and fronts
// them with a time-bounded in-memory cache. When a full reload fails
// the previous cache keeps being served so transient database outages
// do not drop every account at once.
type Store struct {
	log *zap.Logger
	db  kvstore.Store

	cacheExpiration time.Duration

	mu       sync.RWMutex
	cache    map[string]Credential
	cachedAt time.Time
}

// NewStore constructs a credential store. A zero cacheExpiration selects
// DefaultCacheExpiration.
func NewStore(log *zap.Logger, db kvstore.Store, cacheExpiration time.Duration) *Store {
	if cacheExpiration == 0 {
		cacheExpiration = DefaultCacheExpiration
	}
	return &Store{
		log:             log,
		db:              db,
		cacheExpiration: cacheExpiration,
	}
}

// LoadAll returns every stored credential, keyed by lowercase email.
// Results come from the cache while it is fresh. When reloading fails
// and a previous cache exists, the stale cache is returned instead of
// the error.
func (store *Store) LoadAll(ctx context.Context) (_ map[string]Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.RLock()
	if store.cache != nil && time.Since(store.cachedAt) < store.cacheExpiration {
		cached := copyCredentials(store.cache)
		store.mu.RUnlock()
		return cached, nil
	}
	store.mu.RUnlock()

	loaded, err := store.loadAllFromDB(ctx)
	if err != nil {
		store.mu.RLock()
		defer store.mu.RUnlock()
		if store.cache != nil {
			store.log.Warn("credential reload failed, serving stale cache",
				zap.Int("cached", len(store.cache)), zap.Error(err))
			return copyCredentials(store.cache), nil
		}
		return nil, Error.Wrap(err)
	}

	store.mu.Lock()
	store.cache = loaded
	store.cachedAt = time.Now()
	store.mu.Unlock()

	return copyCredentials(loaded), nil
}

func (store *Store) loadAllFromDB(ctx context.Context) (map[string]Credential, error) {
	keys, err := kvstore.ScanAll(ctx, store.db, "oauth-tokens:*")
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]Credential, len(keys))
	for _, key := range keys {
		email, ok := EmailFromKey(key.String())
		if !ok {
			continue
		}
		fields, err := store.db.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		loaded[email] = parseCredential(email, fields)
	}
	return loaded, nil
}

// Load returns the credential for email, from the cache when fresh.
func (store *Store) Load(ctx context.Context, email string) (_ Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.RLock()
	if store.cache != nil && time.Since(store.cachedAt) < store.cacheExpiration {
		cred, ok := store.cache[normalizeEmail(email)]
		store.mu.RUnlock()
		if ok {
			return cred, nil
		}
		return Credential{}, ErrNotFound.New("%s", email)
	}
	store.mu.RUnlock()

	return store.loadFromDB(ctx, email)
}

func (store *Store) loadFromDB(ctx context.Context, email string) (Credential, error) {
	fields, err := store.db.HGetAll(ctx, kvstore.Key(Key(email)))
	if err != nil {
		return Credential{}, Error.Wrap(err)
	}
	if len(fields) == 0 {
		return Credential{}, ErrNotFound.New("%s", email)
	}
	return parseCredential(email, fields), nil
}

// Save writes the credential for email. With preserveMetadata set, the
// previously stored creation time, client, projects, and refresh token
// survive unless the new credential carries its own values. The expiry
// is derived from the token lifetime when the caller did not set one.
func (store *Store) Save(ctx context.Context, email string, cred Credential, preserveMetadata bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	email = normalizeEmail(email)
	cred.Email = email
	now := time.Now()

	if preserveMetadata {
		if prior, err := store.loadFromDB(ctx, email); err == nil {
			if cred.RefreshToken == "" {
				cred.RefreshToken = prior.RefreshToken
			}
			if cred.Client == "" {
				cred.Client = prior.Client
			}
			if len(cred.Projects) == 0 {
				cred.Projects = prior.Projects
			}
			if prior.CreatedAt > 0 {
				cred.CreatedAt = prior.CreatedAt
			}
		} else if !ErrNotFound.Has(err) {
			return Error.Wrap(err)
		}
	}

	if cred.CreatedAt == 0 {
		cred.CreatedAt = now.Unix()
	}
	cred.UpdatedAt = now.Unix()
	if cred.ExpiresAt == 0 && cred.ExpiresIn > 0 {
		cred.ExpiresAt = now.Unix() + cred.ExpiresIn
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}

	fields, err := cred.fields()
	if err != nil {
		return err
	}
	if err := store.db.HSet(ctx, kvstore.Key(Key(email)), fields); err != nil {
		return Error.Wrap(err)
	}

	store.updateCache(email, &cred)
	return nil
}

// MarkInvalid flags the credential so it is skipped until the next
// successful save. Marking an already invalid credential keeps the
// original reason and timestamp.
func (store *Store) MarkInvalid(ctx context.Context, email, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	email = normalizeEmail(email)
	cred, err := store.loadFromDB(ctx, email)
	if err != nil {
		return err
	}
	if cred.Invalid {
		return nil
	}

	now := time.Now().Unix()
	cred.Invalid = true
	cred.InvalidReason = reason
	cred.InvalidAt = now
	cred.UpdatedAt = now

	fields, err := cred.fields()
	if err != nil {
		return err
	}
	if err := store.db.HSet(ctx, kvstore.Key(Key(email)), fields); err != nil {
		return Error.Wrap(err)
	}

	store.log.Warn("credential marked invalid",
		zap.String("email", email), zap.String("reason", reason))
	store.updateCache(email, &cred)
	return nil
}

// Delete removes the credential for email.
func (store *Store) Delete(ctx context.Context, email string) (err error) {
	defer mon.Task()(&ctx)(&err)

	email = normalizeEmail(email)
	if err := store.db.Delete(ctx, kvstore.Key(Key(email))); err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return Error.Wrap(err)
	}

	store.mu.Lock()
	delete(store.cache, email)
	store.mu.Unlock()
	return nil
}

// Valid returns the credentials that can authorize upstream calls now.
func (store *Store) Valid(ctx context.Context) (_ []Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	valid := make([]Credential, 0, len(all))
	for _, cred := range all {
		if cred.Usable(now) {
			valid = append(valid, cred)
		}
	}
	return valid, nil
}

// NeedingRefresh returns the credentials whose tokens expire within
// buffer and that still hold a refresh token.
func (store *Store) NeedingRefresh(ctx context.Context, buffer time.Duration) (_ []Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	needing := make([]Credential, 0, len(all))
	for _, cred := range all {
		if cred.NeedsRefresh(now, buffer) {
			needing = append(needing, cred)
		}
	}
	return needing, nil
}

// InvalidateCache forces the next read to consult the database.
func (store *Store) InvalidateCache() {
	store.mu.Lock()
	store.cachedAt = time.Time{}
	store.mu.Unlock()
}

// updateCache rewrites a single cached entry without extending the
// cache lifetime. A nil credential removes the entry.
func (store *Store) updateCache(email string, cred *Credential) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.cache == nil {
		return
	}
	if cred == nil {
		delete(store.cache, email)
		return
	}
	store.cache[email] = *cred
}

func copyCredentials(creds map[string]Credential) map[string]Credential {
	copied := make(map[string]Credential, len(creds))
	for email, cred := range creds {
		copied[email] = cred
	}
	return copied
}

func normalizeEmail(email string) string {
	return strings.ToLower(email)
}
