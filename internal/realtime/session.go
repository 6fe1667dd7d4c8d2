// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/huddleshare/huddle/internal/fabric"
	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/metrics"
	"github.com/huddleshare/huddle/internal/models"
	"github.com/huddleshare/huddle/internal/store"
)

// Session states.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// teardownTimeout bounds the store calls made while closing a session,
// which no longer has a request context to inherit.
const teardownTimeout = 5 * time.Second

// SessionConfig carries the engine dependencies and tunables shared by all
// sessions on an instance.
type SessionConfig struct {
	Registry *Registry
	Store    store.Store
	Fabric   fabric.Fabric

	SendBuffer  int
	UpdateRate  float64
	UpdateBurst int
}

// Session orchestrates one admitted connection end to end: registration,
// snapshot priming, protocol dispatch, fan-out interplay, and teardown.
// The gateway performs identity and membership admission before a session
// is created.
type Session struct {
	cfg      SessionConfig
	group    string
	member   string
	nickname string
	client   *Client
	state    atomic.Int32
	log      zerolog.Logger
}

// NewSession builds a session for an admitted (group, member) connection.
func NewSession(cfg SessionConfig, group, member, nickname string, conn *websocket.Conn) *Session {
	s := &Session{
		cfg:      cfg,
		group:    group,
		member:   member,
		nickname: nickname,
		log: logging.With().
			Str("component", "session").
			Str("group", group).
			Str("member", member).
			Logger(),
	}
	s.client = newClient(s, conn, cfg.SendBuffer, rate.Limit(cfg.UpdateRate), cfg.UpdateBurst)
	return s
}

// Start moves the session from Connecting to Active: register in the
// connection registry, join the group's ephemeral membership set, prime
// the client with the current location snapshot, then start the pumps.
//
// A registry or store failure here closes the connection with a
// retryable close code; the client is expected to reconnect.
func (s *Session) Start(ctx context.Context) error {
	if err := s.cfg.Registry.Register(ctx, s.client); err != nil {
		s.refuse(websocket.CloseTryAgainLater, "instance at capacity")
		return err
	}

	if err := s.cfg.Store.Join(ctx, s.group, s.member); err != nil {
		s.cfg.Registry.Unregister(s.client)
		s.refuse(websocket.CloseTryAgainLater, "location store unavailable")
		return err
	}

	locations, err := s.cfg.Store.Locations(ctx, s.group)
	if err != nil {
		s.cfg.Registry.Unregister(s.client)
		s.refuse(websocket.CloseTryAgainLater, "location store unavailable")
		return err
	}

	s.state.Store(stateActive)
	// Queue the snapshot before the pumps start so it is the first frame
	// the client receives.
	s.client.enqueue(Message{Type: TypeLocations, Data: locations})
	s.client.start()
	s.log.Info().Msg("session active")
	return nil
}

// refuse closes a never-activated connection with a close frame.
func (s *Session) refuse(code int, reason string) {
	s.state.Store(stateClosed)
	deadline := time.Now().Add(writeWait)
	_ = s.client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.client.conn.Close()
}

// handleInbound dispatches one inbound frame. Called synchronously from
// the read pump, so inbound processing is strictly sequential per
// connection. A returned error is a hard protocol error and closes the
// connection; soft errors are answered with an error envelope and nil.
func (s *Session) handleInbound(data []byte) error {
	if s.state.Load() != stateActive {
		return ErrSessionClosed
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.InboundMessages.WithLabelValues("unknown", "error").Inc()
		return fmt.Errorf("%w: malformed message", ErrProtocol)
	}

	switch req.Action {
	case ActionGetLocations:
		return s.handleGetLocations()
	case ActionPing:
		metrics.InboundMessages.WithLabelValues(ActionPing, "ok").Inc()
		s.client.enqueue(Message{Type: TypePong})
		return nil
	case ActionUpdateLocation:
		return s.handleUpdateLocation(req.Data)
	default:
		metrics.InboundMessages.WithLabelValues("unknown", "error").Inc()
		return fmt.Errorf("%w: unknown action %q", ErrProtocol, req.Action)
	}
}

// handleGetLocations answers with the current snapshot. No side effect on
// shared state.
func (s *Session) handleGetLocations() error {
	locations, err := s.cfg.Store.Locations(context.Background(), s.group)
	if err != nil {
		metrics.InboundMessages.WithLabelValues(ActionGetLocations, "error").Inc()
		s.log.Error().Err(err).Msg("snapshot read failed")
		s.client.enqueue(errorMessage("location store unavailable, retry shortly"))
		return nil
	}
	metrics.InboundMessages.WithLabelValues(ActionGetLocations, "ok").Inc()
	s.client.enqueue(Message{Type: TypeLocations, Data: locations})
	return nil
}

// handleUpdateLocation validates the payload, writes it to the store, then
// publishes it to the fabric. The store write and the publish are two
// separate calls with no cross-operation transaction: a failure between
// them loses at most one position fix, which the next update supersedes.
func (s *Session) handleUpdateLocation(data []byte) error {
	if len(data) == 0 {
		metrics.InboundMessages.WithLabelValues(ActionUpdateLocation, "invalid").Inc()
		s.client.enqueue(errorMessage("missing data"))
		return nil
	}

	var req UpdateLocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.InboundMessages.WithLabelValues(ActionUpdateLocation, "invalid").Inc()
		s.client.enqueue(errorMessage("invalid data format"))
		return nil
	}
	if err := validateStruct(&req); err != nil {
		metrics.InboundMessages.WithLabelValues(ActionUpdateLocation, "invalid").Inc()
		s.client.enqueue(errorMessage("invalid location payload"))
		return nil
	}

	if req.Nickname == "" {
		req.Nickname = s.nickname
	}
	rec := req.Record(s.member)
	ctx := context.Background()

	if err := s.cfg.Store.UpdateLocation(ctx, s.group, rec); err != nil {
		metrics.InboundMessages.WithLabelValues(ActionUpdateLocation, "error").Inc()
		s.log.Error().Err(err).Msg("location write failed")
		// Degrade, stay open: the client keeps its connection and retries
		// on its own cadence.
		s.client.enqueue(errorMessage("location store unavailable, retry shortly"))
		return nil
	}

	event := &models.LocationEvent{GroupID: s.group, Record: rec}
	if err := s.cfg.Fabric.Publish(ctx, s.group, event); err != nil {
		// Best-effort stream: the write landed, the fan-out for this fix
		// is lost, the next update supersedes it within seconds.
		s.log.Warn().Err(err).Msg("fabric publish failed, update dropped")
	}

	metrics.InboundMessages.WithLabelValues(ActionUpdateLocation, "ok").Inc()
	return nil
}

// teardown runs the Closing transition exactly once: release the registry
// slot (cancelling the group's fabric subscription if this was the last
// local connection) and leave the ephemeral membership set. Safe to call
// from any path; every operation after it is a no-op.
func (s *Session) teardown() {
	if !s.state.CompareAndSwap(stateActive, stateClosing) {
		if !s.state.CompareAndSwap(stateConnecting, stateClosing) {
			return
		}
	}

	// A superseded connection must not Leave: the member is still present
	// through its replacement, whose Join already happened.
	if s.cfg.Registry.Unregister(s.client) {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := s.cfg.Store.Leave(ctx, s.group, s.member); err != nil && !errors.Is(err, store.ErrUnavailable) {
			s.log.Warn().Err(err).Msg("leave failed during teardown")
		}
	}

	s.state.Store(stateClosed)
	s.log.Info().Msg("session closed")
}

// Member returns the member id this session represents.
func (s *Session) Member() string { return s.member }

// Group returns the group id this session is attached to.
func (s *Session) Group() string { return s.group }
