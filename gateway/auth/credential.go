// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// UsableSkew is subtracted from a credential's expiry when deciding
// usability, so tokens are never handed out moments before they expire.
const UsableSkew = 60 * time.Second

// Credential is one owner's bearer token bundle together with the
// cloud projects it owns. It is stored as a string-valued hash under
// oauth-tokens:{lowercase-email}.
type Credential struct {
	Email         string
	AccessToken   string
	RefreshToken  string
	TokenType     string
	Scope         string
	CreatedAt     int64 // unix seconds
	UpdatedAt     int64 // unix seconds
	ExpiresIn     int64 // seconds
	ExpiresAt     int64 // unix seconds, derived from CreatedAt+ExpiresIn when absent
	Invalid       bool
	InvalidReason string
	InvalidAt     int64 // unix seconds
	Client        string
	Projects      []string
}

// Usable reports whether the credential can authorize an upstream call
// right now. A credential without an expiry is treated as expired.
func (cred *Credential) Usable(now time.Time) bool {
	if cred.Invalid || cred.AccessToken == "" {
		return false
	}
	if cred.ExpiresAt == 0 {
		return false
	}
	return now.Unix() < cred.ExpiresAt-int64(UsableSkew/time.Second)
}

// NeedsRefresh reports whether the credential should be refreshed,
// meaning it has a refresh token, is not invalid, and expires within
// buffer of now. A missing expiry always needs a refresh.
func (cred *Credential) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if cred.Invalid || cred.RefreshToken == "" {
		return false
	}
	return cred.ExpiresAt <= now.Add(buffer).Unix()
}

// Key returns the hash key the credential is stored under.
func Key(email string) string {
	return "oauth-tokens:" + strings.ToLower(email)
}

// EmailFromKey returns the email encoded in a storage key, or false
// when the key is not a credential key.
func EmailFromKey(key string) (string, bool) {
	email, ok := strings.CutPrefix(key, "oauth-tokens:")
	if !ok || email == "" {
		return "", false
	}
	return email, true
}

// fields serializes the credential into the string-valued hash form.
// Numeric and boolean fields are stored as strings, the projects list
// is JSON encoded to keep its order.
func (cred *Credential) fields() (map[string]string, error) {
	projects, err := json.Marshal(cred.Projects)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return map[string]string{
		"access_token":   cred.AccessToken,
		"refresh_token":  cred.RefreshToken,
		"token_type":     cred.TokenType,
		"scope":          cred.Scope,
		"created_at":     strconv.FormatInt(cred.CreatedAt, 10),
		"updated_at":     strconv.FormatInt(cred.UpdatedAt, 10),
		"expires_in":     strconv.FormatInt(cred.ExpiresIn, 10),
		"expires_at":     strconv.FormatInt(cred.ExpiresAt, 10),
		"invalid":        strconv.FormatBool(cred.Invalid),
		"invalid_reason": cred.InvalidReason,
		"invalid_at":     strconv.FormatInt(cred.InvalidAt, 10),
		"client":         cred.Client,
		"projects":       string(projects),
	}, nil
}

// parseCredential builds a credential back from its hash form. Unparseable
// numeric fields read as zero, matching how absent fields behave.
func parseCredential(email string, fields map[string]string) Credential {
	cred := Credential{
		Email:         strings.ToLower(email),
		AccessToken:   fields["access_token"],
		RefreshToken:  fields["refresh_token"],
		TokenType:     fields["token_type"],
		Scope:         fields["scope"],
		CreatedAt:     parseInt(fields["created_at"]),
		UpdatedAt:     parseInt(fields["updated_at"]),
		ExpiresIn:     parseInt(fields["expires_in"]),
		ExpiresAt:     parseInt(fields["expires_at"]),
		Invalid:       fields["invalid"] == "true",
		InvalidReason: fields["invalid_reason"],
		InvalidAt:     parseInt(fields["invalid_at"]),
		Client:        fields["client"],
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if raw := fields["projects"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &cred.Projects)
	}
	if cred.ExpiresAt == 0 && cred.CreatedAt > 0 && cred.ExpiresIn > 0 {
		cred.ExpiresAt = cred.CreatedAt + cred.ExpiresIn
	}
	return cred
}

func parseInt(value string) int64 {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
