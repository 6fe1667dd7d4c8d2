// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package api is the HTTP gateway: WebSocket admission and upgrade,
// health, and metrics, routed with chi.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/middleware"
)

// APIResponse is the response wrapper for the gateway's plain HTTP
// endpoints. WebSocket traffic uses its own envelope once upgraded.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError carries a machine-readable code alongside the message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, response *APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	})
}
