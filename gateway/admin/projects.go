// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"storj.io/genrelay/gateway/pool"
)

func (server *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states, err := server.states.All(ctx)
	if err != nil {
		sendJSONError(w, "failed to load project states", err.Error(), http.StatusInternalServerError)
		return
	}

	list := make([]pool.State, 0, len(states))
	for _, state := range states {
		list = append(list, state)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].ProjectID < list[k].ProjectID })

	data, err := json.Marshal(list)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) clearCooldown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID := mux.Vars(r)["id"]
	if projectID == "" {
		sendJSONError(w, "project id missing", "", http.StatusBadRequest)
		return
	}

	if err := server.selector.ClearCooldown(ctx, projectID); err != nil {
		sendJSONError(w, "failed to clear cooldown", err.Error(), http.StatusInternalServerError)
		return
	}

	output := struct {
		ProjectID string `json:"project_id"`
		Cleared   bool   `json:"cleared"`
	}{
		ProjectID: projectID,
		Cleared:   true,
	}
	data, err := json.Marshal(output)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) projectQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID := mux.Vars(r)["id"]
	if projectID == "" {
		sendJSONError(w, "project id missing", "", http.StatusBadRequest)
		return
	}

	predicted, err := server.usage.PredictQuotaExhaustion(ctx, projectID, server.config.DailyQuota)
	if err != nil {
		sendJSONError(w, "failed to predict exhaustion", err.Error(), http.StatusInternalServerError)
		return
	}

	output := struct {
		ProjectID           string `json:"project_id"`
		DailyQuota          int64  `json:"daily_quota"`
		PredictedExhaustion string `json:"predicted_exhaustion,omitempty"`
	}{
		ProjectID:  projectID,
		DailyQuota: server.config.DailyQuota,
	}
	if !predicted.IsZero() {
		output.PredictedExhaustion = predicted.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(output)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}
