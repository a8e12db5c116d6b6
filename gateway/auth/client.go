// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Config configures credential storage and the OAuth client.
type Config struct {
	ClientID     string `help:"oauth client id used for token refresh and exchange" default:""`
	ClientSecret string `help:"oauth client secret" default:""`

	TokenURL    string `help:"oauth token endpoint" default:"https://oauth2.googleapis.com/token"`
	UserinfoURL string `help:"oauth userinfo endpoint" default:"https://www.googleapis.com/oauth2/v2/userinfo"`
	RevokeURL   string `help:"oauth token revocation endpoint" default:"https://oauth2.googleapis.com/revoke"`

	CacheExpiration time.Duration `help:"how long loaded credentials are served from memory" default:"5m" testDefault:"50ms"`
	RefreshInterval time.Duration `help:"how often the refresh chore inspects credentials" default:"30m" testDefault:"1h"`
	RefreshBuffer   time.Duration `help:"refresh credentials expiring within this window" default:"5m"`
}

// Userinfo is the identity attached to an access token.
type Userinfo struct {
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Client talks to the OAuth endpoints. All requests go through the
// injected http client so tests can intercept them.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
}

// NewClient constructs an OAuth client. A nil httpClient selects a
// default with a 30 second timeout.
func NewClient(log *zap.Logger, config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		log:    log,
		config: config,
		http:   httpClient,
	}
}

func (client *Client) oauth() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     client.config.ClientID,
		ClientSecret: client.config.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: client.config.TokenURL,
		},
	}
}

func (client *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client.http)
}

// Refresh exchanges the credential's refresh token for a fresh access
// token. The returned credential omits the refresh token when the
// endpoint did not rotate it, so it must be saved with metadata
// preservation enabled.
func (client *Client) Refresh(ctx context.Context, cred Credential) (_ Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	if cred.RefreshToken == "" {
		return Credential{}, Error.New("credential %s has no refresh token", cred.Email)
	}

	source := client.oauth().TokenSource(client.oauthContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
	})
	token, err := source.Token()
	if err != nil {
		return Credential{}, Error.Wrap(err)
	}

	refreshed := credentialFromToken(token)
	refreshed.Email = cred.Email
	if token.RefreshToken == cred.RefreshToken {
		// Leave rotation to the store's metadata preservation.
		refreshed.RefreshToken = ""
	}
	return refreshed, nil
}

// Exchange trades an authorization code for a credential.
func (client *Client) Exchange(ctx context.Context, code, redirectURI string) (_ Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	config := client.oauth()
	config.RedirectURL = redirectURI
	token, err := config.Exchange(client.oauthContext(ctx), code)
	if err != nil {
		return Credential{}, Error.Wrap(err)
	}
	return credentialFromToken(token), nil
}

// Userinfo resolves the identity behind an access token.
func (client *Client) Userinfo(ctx context.Context, accessToken string) (_ Userinfo, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.config.UserinfoURL, nil)
	if err != nil {
		return Userinfo{}, Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.http.Do(req)
	if err != nil {
		return Userinfo{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if resp.StatusCode != http.StatusOK {
		return Userinfo{}, Error.New("userinfo returned status %d", resp.StatusCode)
	}

	var info Userinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Userinfo{}, Error.Wrap(err)
	}
	info.Email = strings.ToLower(info.Email)
	return info, nil
}

// Revoke invalidates a refresh or access token at the provider.
func (client *Client) Revoke(ctx context.Context, token string) (err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.RevokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// credentialFromToken maps an oauth2 token onto our storage form.
func credentialFromToken(token *oauth2.Token) Credential {
	cred := Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if !token.Expiry.IsZero() {
		cred.ExpiresAt = token.Expiry.Unix()
	}
	if cred.ExpiresIn == 0 && cred.ExpiresAt > 0 {
		cred.ExpiresIn = cred.ExpiresAt - time.Now().Unix()
	}
	if scope, ok := token.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}
