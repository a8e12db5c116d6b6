// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package admin implements the administrative HTTP API of the relay:
// the generation endpoint itself plus credential, project and usage
// management around it.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/zeebo/errs"
)

// Error is the default error class for the admin package.
var Error = errs.Class("admin")

// sendJSONError writes JSON error to response output stream.
func sendJSONError(w http.ResponseWriter, errMsg, detail string, statusCode int) {
	errStr := struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}{
		Error:  errMsg,
		Detail: detail,
	}
	body, err := json.Marshal(errStr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(w, statusCode, body)
}

// sendJSONData writes JSON data to response output stream.
func sendJSONData(w http.ResponseWriter, statusCode int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
