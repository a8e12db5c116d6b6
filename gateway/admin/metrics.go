// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"storj.io/genrelay/gateway/pool"
)

func (server *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := server.selector.StatsNow(ctx)
	if err != nil {
		sendJSONError(w, "failed to gather pool stats", err.Error(), http.StatusInternalServerError)
		return
	}

	creds, err := server.tokens.LoadAll(ctx)
	if err != nil {
		sendJSONError(w, "failed to load credentials", err.Error(), http.StatusInternalServerError)
		return
	}
	now := server.nowFn()
	var usable, invalid int
	for _, cred := range creds {
		switch {
		case cred.Invalid:
			invalid++
		case cred.Usable(now):
			usable++
		}
	}

	exhausted, err := server.states.QuotaExhausted(ctx)
	if err != nil {
		sendJSONError(w, "failed to load project states", err.Error(), http.StatusInternalServerError)
		return
	}
	exhaustedIDs := make([]string, 0, len(exhausted))
	for _, state := range exhausted {
		exhaustedIDs = append(exhaustedIDs, state.ProjectID)
	}

	today, err := server.usage.GetDaily(ctx, now.UTC().Format(dateLayout))
	if err != nil {
		sendJSONError(w, "failed to load todays usage", err.Error(), http.StatusInternalServerError)
		return
	}

	var output struct {
		Projects    pool.Stats `json:"projects"`
		Credentials struct {
			Total   int `json:"total"`
			Usable  int `json:"usable"`
			Invalid int `json:"invalid"`
		} `json:"credentials"`
		QuotaExhausted []string `json:"quota_exhausted"`
		Today          struct {
			TotalRequests      int64   `json:"total_requests"`
			SuccessfulRequests int64   `json:"successful_requests"`
			FailedRequests     int64   `json:"failed_requests"`
			AvgDurationMS      float64 `json:"avg_duration_ms"`
		} `json:"today"`
	}
	output.Projects = stats
	output.Credentials.Total = len(creds)
	output.Credentials.Usable = usable
	output.Credentials.Invalid = invalid
	output.QuotaExhausted = exhaustedIDs
	output.Today.TotalRequests = today.Aggregate.TotalRequests
	output.Today.SuccessfulRequests = today.Aggregate.SuccessfulRequests
	output.Today.FailedRequests = today.Aggregate.FailedRequests
	output.Today.AvgDurationMS = today.Aggregate.AvgDurationMS

	data, err := json.Marshal(output)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) dailyMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date := mux.Vars(r)["date"]
	if _, err := time.Parse(dateLayout, date); err != nil {
		sendJSONError(w, "invalid date", err.Error(), http.StatusBadRequest)
		return
	}

	day, err := server.usage.GetDaily(ctx, date)
	if err != nil {
		sendJSONError(w, "failed to load usage", err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(day)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) rangeMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	startT, startErr := time.Parse(dateLayout, start)
	endT, endErr := time.Parse(dateLayout, end)
	switch {
	case startErr != nil:
		sendJSONError(w, "invalid start date", start, http.StatusBadRequest)
		return
	case endErr != nil:
		sendJSONError(w, "invalid end date", end, http.StatusBadRequest)
		return
	case endT.Before(startT):
		sendJSONError(w, "end date before start date", "", http.StatusBadRequest)
		return
	}

	aggregate, err := server.usage.GetAggregated(ctx, start, end)
	if err != nil {
		sendJSONError(w, "failed to aggregate usage", err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(aggregate)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}

func (server *Server) accountErrorRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date := r.URL.Query().Get("date")
	if date == "" {
		date = server.nowFn().UTC().Format(dateLayout)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		sendJSONError(w, "invalid date", err.Error(), http.StatusBadRequest)
		return
	}

	rates, err := server.usage.AccountErrorRates(ctx, date)
	if err != nil {
		sendJSONError(w, "failed to compute error rates", err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(rates)
	if err != nil {
		sendJSONError(w, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, http.StatusOK, data)
}
