// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package config loads and validates Huddle server configuration using
// Koanf v2 with layered sources: built-in defaults, an optional YAML
// config file, and environment variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// FabricDriver selects the broadcast fabric transport.
const (
	// FabricDriverNATS fans out over core NATS; required for multi-instance
	// deployments behind a load balancer.
	FabricDriverNATS = "nats"

	// FabricDriverChannel fans out in-process; only valid for a single
	// instance (development, tests).
	FabricDriverChannel = "channel"
)

// Auth modes accepted by Security.AuthMode.
const (
	AuthModeJWT  = "jwt"
	AuthModeNone = "none"
)

// Config is the root configuration for the Huddle server.
type Config struct {
	Server   ServerConfig        `koanf:"server"`
	Realtime RealtimeConfig      `koanf:"realtime"`
	NATS     NATSConfig          `koanf:"nats"`
	Fabric   FabricConfig        `koanf:"fabric"`
	Security SecurityConfig      `koanf:"security"`
	Groups   map[string][]string `koanf:"groups"` // static roster: group id -> member ids
	Logging  LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// ReadHeaderTimeout bounds the initial request read. Whole-request
	// read/write timeouts are deliberately absent: they would sever
	// long-lived WebSocket connections, which carry their own deadlines.
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// RealtimeConfig tunes the location broadcast engine.
type RealtimeConfig struct {
	// TTL is the expiry window for a group's ephemeral state (membership
	// set and location map). Refreshed on every update the group receives.
	TTL time.Duration `koanf:"ttl"`

	// MaxConnections caps live WebSocket connections per instance.
	MaxConnections int `koanf:"max_connections"`

	// SendBuffer is the per-connection outbound message buffer. A client
	// that falls this far behind is disconnected rather than blocking
	// fan-out to its group.
	SendBuffer int `koanf:"send_buffer"`

	// UpdateRate and UpdateBurst bound inbound messages per connection
	// (updates are expected every 2-3 seconds per client).
	UpdateRate  float64 `koanf:"update_rate"`
	UpdateBurst int     `koanf:"update_burst"`
}

// NATSConfig holds NATS connection and embedded-server settings.
// NATS backs both the broadcast fabric and the JetStream KV location store.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// Embedded starts an in-process NATS server (single-binary mode).
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`

	// KVBucket is the JetStream KV bucket holding per-group state.
	KVBucket string `koanf:"kv_bucket"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// FabricConfig selects and tunes the broadcast fabric.
type FabricConfig struct {
	Driver      string `koanf:"driver"`
	TopicPrefix string `koanf:"topic_prefix"`
}

// SecurityConfig holds admission settings.
type SecurityConfig struct {
	// AuthMode is "jwt" (default) or "none" (development only).
	AuthMode string `koanf:"auth_mode"`

	// JWTSecret signs/verifies identity tokens (HS256). Minimum 32 chars.
	JWTSecret string `koanf:"jwt_secret"`

	// CORSOrigins are allowed Origin values for browser WebSocket clients.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs/RateLimitWindow bound connection attempts per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8460,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Realtime: RealtimeConfig{
			TTL:            600 * time.Second,
			MaxConnections: 4096,
			SendBuffer:     256,
			UpdateRate:     2,
			UpdateBurst:    5,
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://127.0.0.1:4222",
			Embedded:      true,
			StoreDir:      "/data/nats/jetstream",
			KVBucket:      "huddle-groups",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Fabric: FabricConfig{
			Driver:      FabricDriverNATS,
			TopicPrefix: "huddle.location",
		},
		Security: SecurityConfig{
			AuthMode:        AuthModeJWT,
			JWTSecret:       "",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
		},
		Groups: map[string][]string{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for fatal misconfiguration.
// Called from Load; the server refuses to start on any error here.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Realtime.TTL <= 0 {
		return fmt.Errorf("realtime.ttl must be positive, got %s", c.Realtime.TTL)
	}
	if c.Realtime.MaxConnections < 1 {
		return fmt.Errorf("realtime.max_connections must be at least 1, got %d", c.Realtime.MaxConnections)
	}
	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be at least 1, got %d", c.Realtime.SendBuffer)
	}

	switch c.Fabric.Driver {
	case FabricDriverNATS, FabricDriverChannel:
	default:
		return fmt.Errorf("fabric.driver must be %q or %q, got %q",
			FabricDriverNATS, FabricDriverChannel, c.Fabric.Driver)
	}
	if c.Fabric.Driver == FabricDriverNATS && !c.NATS.Enabled {
		return fmt.Errorf("fabric.driver %q requires nats.enabled=true", FabricDriverNATS)
	}

	switch c.Security.AuthMode {
	case AuthModeJWT:
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 characters in jwt mode")
		}
	case AuthModeNone:
		// Development only; admission accepts the member id from the request.
	default:
		return fmt.Errorf("security.auth_mode must be %q or %q, got %q",
			AuthModeJWT, AuthModeNone, c.Security.AuthMode)
	}

	return nil
}
