// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"storj.io/genrelay/gateway/auth"
)

// redactedCredential is what the api shows for a stored credential.
// Tokens never leave the store.
type redactedCredential struct {
	Email         string   `json:"email"`
	Client        string   `json:"client,omitempty"`
	CreatedAt     int64    `json:"created_at,omitempty"`
	UpdatedAt     int64    `json:"updated_at,omitempty"`
	ExpiresAt     int64    `json:"expires_at,omitempty"`
	Invalid       bool     `json:"invalid,omitempty"`
	InvalidReason string   `json:"invalid_reason,omitempty"`
	Projects      []string `json:"projects,omitempty"`
	Usable        bool     `json:"usable"`
}

func (server *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creds, err := server.tokens.LoadAll(ctx)
	if err != nil {
		sendJSONError(w, "failed to load credentials", err.Error(), http.StatusInternalServerError)
		return
	}

	now := server.nowFn()
	list := make([]redactedCredential, 0, len(creds))
	for _, cred := range creds {
		list = append(list, redactedCredential{
			Email:         cred.Email,
			Client:        cred.Client,
			CreatedAt:     cred.CreatedAt,
			UpdatedAt:     cred.UpdatedAt,
			ExpiresAt:     cred.ExpiresAt,
			Invalid:       cred.Invalid,
			InvalidReason: cred.InvalidReason,
			Projects:      cred.Projects,
			Usable:        cred.Usable(now),
		})
	}
	sort.Slice(list, func(i, k int) bool { return list[i].Email < list[k].Email })

	data, err := json.Marshal(list)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) refreshCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := mux.Vars(r)["email"]
	if email == "" {
		sendJSONError(w, "email missing", "", http.StatusBadRequest)
		return
	}

	err := server.chore.RefreshByEmail(ctx, email)
	switch {
	case auth.ErrNotFound.Has(err):
		sendJSONError(w, "credential not found", email, http.StatusNotFound)
	case err != nil:
		sendJSONError(w, "refresh failed", err.Error(), http.StatusBadGateway)
	default:
		sendJSONData(w, http.StatusOK, []byte(`{"refreshed":true}`))
	}
}

func (server *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := server.chore.CycleNow(ctx)
	switch {
	case auth.ErrBusy.Has(err):
		sendJSONError(w, "refresh already running", "", http.StatusConflict)
		return
	case err != nil:
		sendJSONError(w, "refresh pass failed", err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := mux.Vars(r)["email"]
	if email == "" {
		sendJSONError(w, "email missing", "", http.StatusBadRequest)
		return
	}

	if err := server.tokens.Delete(ctx, email); err != nil {
		sendJSONError(w, "failed to delete credential", err.Error(), http.StatusInternalServerError)
		return
	}
	server.selector.InvalidateMemo()
	sendJSONData(w, http.StatusOK, []byte(`{"deleted":true}`))
}

func (server *Server) discoverProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := r.URL.Query().Get("email")
	if email == "" {
		sendJSONError(w, "email missing", "", http.StatusBadRequest)
		return
	}

	cred, err := server.tokens.Load(ctx, email)
	switch {
	case auth.ErrNotFound.Has(err):
		sendJSONError(w, "credential not found", email, http.StatusNotFound)
		return
	case err != nil:
		sendJSONError(w, "failed to load credential", err.Error(), http.StatusInternalServerError)
		return
	}
	if !cred.Usable(server.nowFn()) {
		sendJSONError(w, "credential not usable", "refresh or re-authorize it first", http.StatusBadRequest)
		return
	}

	projects, err := server.discoverer.EnabledProjects(ctx, cred.AccessToken)
	if err != nil {
		sendJSONError(w, "project discovery failed", err.Error(), http.StatusBadGateway)
		return
	}

	cred.Projects = projects
	if err := server.tokens.Save(ctx, email, cred, true); err != nil {
		sendJSONError(w, "failed to save credential", err.Error(), http.StatusInternalServerError)
		return
	}
	server.selector.InvalidateMemo()

	output := struct {
		Email    string   `json:"email"`
		Projects []string `json:"projects"`
		Count    int      `json:"count"`
	}{
		Email:    cred.Email,
		Projects: projects,
		Count:    len(projects),
	}
	data, err := json.Marshal(output)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}
