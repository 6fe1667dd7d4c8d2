// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/huddleshare/huddle/internal/auth"
	"github.com/huddleshare/huddle/internal/config"
	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/metrics"
	"github.com/huddleshare/huddle/internal/realtime"
	"github.com/huddleshare/huddle/internal/roster"
)

// Handler serves the gateway endpoints. Admission runs before the
// WebSocket upgrade so rejections are plain HTTP status codes, not
// close frames.
type Handler struct {
	cfg         *config.Config
	tokens      *auth.JWTManager
	memberships roster.Memberships
	sessions    realtime.SessionConfig
}

// NewHandler wires the gateway. tokens may be nil when auth mode is
// "none" (development).
func NewHandler(cfg *config.Config, tokens *auth.JWTManager, memberships roster.Memberships, sessions realtime.SessionConfig) *Handler {
	return &Handler{
		cfg:         cfg,
		tokens:      tokens,
		memberships: memberships,
		sessions:    sessions,
	}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, &APIResponse{
		Success: true,
		Data: map[string]any{
			"status":      "ok",
			"connections": h.sessions.Registry.ConnectionCount(),
			"groups":      h.sessions.Registry.GroupCount(),
		},
	})
}

// GroupSocket admits a member into a group and upgrades the connection.
//
// The identity token comes from the `token` query parameter or an
// Authorization Bearer header. The check order is fixed: identity first
// (401), then membership (403), then upgrade. After a successful upgrade
// all failures are reported through the socket itself.
func (h *Handler) GroupSocket(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "groupID")
	if group == "" {
		respondError(w, r, http.StatusBadRequest, "INVALID_GROUP", "group id is required")
		return
	}

	member, nickname, err := h.identify(r)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("denied").Inc()
		logging.Warn().Err(err).Str("group", group).Msg("admission rejected: identity")
		respondError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token")
		return
	}

	ok, err := h.memberships.IsMember(r.Context(), group, member)
	if err != nil {
		logging.Error().Err(err).Str("group", group).Msg("membership lookup failed")
		respondError(w, r, http.StatusServiceUnavailable, "ROSTER_UNAVAILABLE", "membership lookup failed")
		return
	}
	if !ok {
		metrics.ConnectionsTotal.WithLabelValues("denied").Inc()
		logging.Warn().Str("group", group).Str("member", member).Msg("admission rejected: not a member")
		respondError(w, r, http.StatusForbidden, "FORBIDDEN", "not a member of this group")
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session := realtime.NewSession(h.sessions, group, member, nickname, conn)
	if err := session.Start(r.Context()); err != nil {
		logging.Warn().Err(err).Str("group", group).Str("member", member).Msg("session start failed")
	}
}

// identify resolves the caller's member id and optional nickname.
func (h *Handler) identify(r *http.Request) (member, nickname string, err error) {
	if h.cfg.Security.AuthMode == config.AuthModeNone {
		// Development mode: the caller asserts its own id.
		member = r.URL.Query().Get("member")
		if member == "" {
			return "", "", fmt.Errorf("member query parameter is required")
		}
		return member, r.URL.Query().Get("nickname"), nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		return "", "", fmt.Errorf("no token presented")
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.Nickname, nil
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin accepts requests without an Origin header (native and CLI
// clients never send one) and holds browser connections to the
// configured CORS origin list.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// sanitizeLogValue strips control characters so attacker-supplied header
// values cannot forge log lines.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
