// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/huddleshare/huddle/internal/auth"
	"github.com/huddleshare/huddle/internal/config"
	"github.com/huddleshare/huddle/internal/fabric"
	"github.com/huddleshare/huddle/internal/models"
	"github.com/huddleshare/huddle/internal/realtime"
	"github.com/huddleshare/huddle/internal/roster"
	"github.com/huddleshare/huddle/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestGateway(t *testing.T) (*httptest.Server, *auth.JWTManager) {
	t.Helper()

	cfg := &config.Config{
		Realtime: config.RealtimeConfig{
			TTL:            time.Minute,
			MaxConnections: 64,
			SendBuffer:     32,
			UpdateRate:     1000,
			UpdateBurst:    1000,
		},
		Security: config.SecurityConfig{
			AuthMode:        config.AuthModeJWT,
			JWTSecret:       testSecret,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   1000,
			RateLimitWindow: time.Minute,
		},
		Groups: map[string][]string{
			"trip": {"u1", "u2", "u3"},
		},
	}

	bus := fabric.NewChannelBus(fabric.BusConfig{TopicPrefix: "test.location"}, nil)
	t.Cleanup(func() { _ = bus.Close() })
	mem := store.NewMemory(cfg.Realtime.TTL)
	t.Cleanup(mem.Close)

	registry := realtime.NewRegistry(bus, cfg.Realtime.MaxConnections)
	sessions := realtime.SessionConfig{
		Registry:    registry,
		Store:       mem,
		Fabric:      bus,
		SendBuffer:  cfg.Realtime.SendBuffer,
		UpdateRate:  cfg.Realtime.UpdateRate,
		UpdateBurst: cfg.Realtime.UpdateBurst,
	}

	tokens, err := auth.NewJWTManager(cfg.Security.JWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewJWTManager failed: %v", err)
	}

	handler := NewHandler(cfg, tokens, roster.NewStatic(cfg.Groups), sessions)
	srv := httptest.NewServer(handler.NewRouter())
	t.Cleanup(srv.Close)
	return srv, tokens
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// envelope mirrors the outbound wire format for decoding in tests.
type envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

func dialMember(t *testing.T, srv *httptest.Server, tokens *auth.JWTManager, group, member string) *websocket.Conn {
	t.Helper()
	token, err := tokens.GenerateToken(member, "")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(srv, "/api/v1/groups/"+group+"/ws?token="+token), nil)
	if err != nil {
		t.Fatalf("dial as %s failed: %v", member, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q failed: %v", data, err)
	}
	return env
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAdmissionRequiresToken(t *testing.T) {
	srv, _ := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/api/v1/groups/trip/ws")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdmissionRejectsBadToken(t *testing.T) {
	srv, _ := newTestGateway(t)

	// Signed with a different secret.
	other, err := auth.NewJWTManager("ffffffffffffffffffffffffffffffff", time.Hour)
	if err != nil {
		t.Fatalf("NewJWTManager failed: %v", err)
	}
	token, err := other.GenerateToken("u1", "")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/groups/trip/ws?token=" + token)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdmissionRejectsNonMember(t *testing.T) {
	srv, tokens := newTestGateway(t)

	token, err := tokens.GenerateToken("stranger", "")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/groups/trip/ws?token=" + token)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdmissionAcceptsBearerHeader(t *testing.T) {
	srv, tokens := newTestGateway(t)

	token, err := tokens.GenerateToken("u1", "")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/groups/trip/ws"), header)
	if err != nil {
		t.Fatalf("dial with bearer header failed: %v", err)
	}
	defer conn.Close()

	env := readEnvelope(t, conn)
	if env.Type != "locations" {
		t.Errorf("first frame type = %q, want locations", env.Type)
	}
}

func TestGroupSharingEndToEnd(t *testing.T) {
	srv, tokens := newTestGateway(t)

	u1 := dialMember(t, srv, tokens, "trip", "u1")

	// u1's priming snapshot is empty.
	env := readEnvelope(t, u1)
	if env.Type != "locations" {
		t.Fatalf("u1 first frame = %q, want locations", env.Type)
	}
	var snapshot []models.LocationRecord
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot failed: %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("u1 snapshot = %+v, want empty", snapshot)
	}

	u2 := dialMember(t, srv, tokens, "trip", "u2")
	if env := readEnvelope(t, u2); env.Type != "locations" {
		t.Fatalf("u2 first frame = %q, want locations", env.Type)
	}

	// u2 shares a position; u1 sees it, u2 gets no echo.
	update := `{"action":"update_location","data":{"latitude":48.21,"longitude":16.37,"timestamp":1700000001}}`
	if err := u2.WriteMessage(websocket.TextMessage, []byte(update)); err != nil {
		t.Fatalf("u2 write failed: %v", err)
	}

	env = readEnvelope(t, u1)
	if env.Type != "location_update" {
		t.Fatalf("u1 got %q, want location_update", env.Type)
	}
	var rec models.LocationRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatalf("unmarshal record failed: %v", err)
	}
	if rec.MemberID != "u2" || rec.Latitude != 48.21 || rec.Timestamp != 1700000001 {
		t.Errorf("u1 got %+v, want u2's update", rec)
	}

	if err := u2.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	if _, data, err := u2.ReadMessage(); err == nil {
		t.Fatalf("u2 received an echo of its own update: %s", data)
	}

	// A late snapshot includes u2's position.
	if err := u1.WriteMessage(websocket.TextMessage, []byte(`{"action":"get_locations"}`)); err != nil {
		t.Fatalf("u1 write failed: %v", err)
	}
	env = readEnvelope(t, u1)
	if env.Type != "locations" {
		t.Fatalf("u1 got %q, want locations", env.Type)
	}
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].MemberID != "u2" {
		t.Errorf("snapshot = %+v, want u2's record only", snapshot)
	}

	// Ping round-trip.
	if err := u1.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)); err != nil {
		t.Fatalf("u1 write failed: %v", err)
	}
	if env := readEnvelope(t, u1); env.Type != "pong" {
		t.Errorf("u1 got %q, want pong", env.Type)
	}
}

func TestLeaveRemovesLocationFromSnapshots(t *testing.T) {
	srv, tokens := newTestGateway(t)

	u1 := dialMember(t, srv, tokens, "trip", "u1")
	readEnvelope(t, u1) // snapshot

	u2 := dialMember(t, srv, tokens, "trip", "u2")
	readEnvelope(t, u2) // snapshot

	update := `{"action":"update_location","data":{"latitude":1,"longitude":2,"timestamp":3}}`
	if err := u2.WriteMessage(websocket.TextMessage, []byte(update)); err != nil {
		t.Fatalf("u2 write failed: %v", err)
	}
	if env := readEnvelope(t, u1); env.Type != "location_update" {
		t.Fatalf("u1 got %q, want location_update", env.Type)
	}

	// u2 leaves; its record must disappear from subsequent snapshots.
	if err := u2.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("u2 close failed: %v", err)
	}
	_ = u2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := u1.WriteMessage(websocket.TextMessage, []byte(`{"action":"get_locations"}`)); err != nil {
			t.Fatalf("u1 write failed: %v", err)
		}
		env := readEnvelope(t, u1)
		if env.Type != "locations" {
			t.Fatalf("u1 got %q, want locations", env.Type)
		}
		var snapshot []models.LocationRecord
		if err := json.Unmarshal(env.Data, &snapshot); err != nil {
			t.Fatalf("unmarshal snapshot failed: %v", err)
		}
		if len(snapshot) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("u2's record still present after leave: %+v", snapshot)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSupersededConnectionIsClosed(t *testing.T) {
	srv, tokens := newTestGateway(t)

	old := dialMember(t, srv, tokens, "trip", "u1")
	readEnvelope(t, old) // snapshot

	replacement := dialMember(t, srv, tokens, "trip", "u1")
	if env := readEnvelope(t, replacement); env.Type != "locations" {
		t.Fatalf("replacement first frame = %q, want locations", env.Type)
	}

	// The old connection gets a final error envelope and then a close.
	if err := old.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	sawError := false
	for {
		_, data, err := old.ReadMessage()
		if err != nil {
			break
		}
		var env envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr == nil && env.Type == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("superseded connection closed without an error envelope")
	}

	// The replacement stays usable.
	if err := replacement.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)); err != nil {
		t.Fatalf("replacement write failed: %v", err)
	}
	if env := readEnvelope(t, replacement); env.Type != "pong" {
		t.Errorf("replacement got %q, want pong", env.Type)
	}
}
