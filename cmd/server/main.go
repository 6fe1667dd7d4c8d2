// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package main is the entry point for the Huddle server.
//
// Huddle is a real-time group location sharing engine. Members of a
// group connect over WebSocket, stream position updates, and see every
// other member's latest position with sub-second latency. Group state is
// ephemeral: it lives in a TTL store and evaporates when the group goes
// quiet.
//
// The server initializes components in the following order:
//
//  1. Configuration: koanf v2 layered defaults, YAML file, HUDDLE_* env
//  2. NATS: optional embedded server, client connection
//  3. Location store: JetStream KV (or in-memory for single instance)
//  4. Broadcast fabric: watermill over NATS (or in-process channels)
//  5. Gateway: chi router, JWT admission, WebSocket upgrade
//  6. Supervision: suture tree running the server until SIGINT/SIGTERM
//
// Single-binary mode needs no external services:
//
//	export HUDDLE_NATS_EMBEDDED=true
//	export HUDDLE_SECURITY_JWT_SECRET=<32+ chars>
//	./huddle
//
// Multi-instance deployments point every instance at the same external
// NATS cluster and share one KV bucket and fabric topic space.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/huddleshare/huddle/internal/api"
	"github.com/huddleshare/huddle/internal/auth"
	"github.com/huddleshare/huddle/internal/config"
	"github.com/huddleshare/huddle/internal/fabric"
	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/realtime"
	"github.com/huddleshare/huddle/internal/roster"
	"github.com/huddleshare/huddle/internal/store"
	"github.com/huddleshare/huddle/internal/supervisor"
	"github.com/huddleshare/huddle/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		embedded *embeddedServer
		nc       *nats.Conn
		natsURL  = cfg.NATS.URL
	)
	if cfg.NATS.Enabled {
		var err error
		if cfg.NATS.Embedded {
			embedded, err = newEmbeddedServer(cfg.NATS)
			if err != nil {
				return fmt.Errorf("start embedded nats: %w", err)
			}
			natsURL = embedded.clientURL
			nc, err = embedded.connect()
		} else {
			nc, err = nats.Connect(natsURL,
				nats.MaxReconnects(cfg.NATS.MaxReconnects),
				nats.ReconnectWait(cfg.NATS.ReconnectWait),
				nats.RetryOnFailedConnect(true),
			)
		}
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
		logging.Info().Str("url", natsURL).Bool("embedded", cfg.NATS.Embedded).Msg("nats connected")
	}

	st, err := buildStore(ctx, cfg, nc)
	if err != nil {
		return err
	}
	if mem, ok := st.(*store.Memory); ok {
		defer mem.Close()
	}

	fab, err := buildFabric(cfg, natsURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := fab.Close(); err != nil {
			logging.Warn().Err(err).Msg("fabric close failed")
		}
	}()

	registry := realtime.NewRegistry(fab, cfg.Realtime.MaxConnections)
	sessions := realtime.SessionConfig{
		Registry:    registry,
		Store:       st,
		Fabric:      fab,
		SendBuffer:  cfg.Realtime.SendBuffer,
		UpdateRate:  cfg.Realtime.UpdateRate,
		UpdateBurst: cfg.Realtime.UpdateBurst,
	}

	var tokens *auth.JWTManager
	if cfg.Security.AuthMode == config.AuthModeJWT {
		tokens, err = auth.NewJWTManager(cfg.Security.JWTSecret, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("init token manager: %w", err)
		}
	}

	handler := api.NewHandler(cfg, tokens, roster.NewStatic(cfg.Groups), sessions)

	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: handler.NewRouter(),
		// Read/write timeouts would kill long-lived WebSocket
		// connections; only the header read is bounded here. Idle and
		// per-message deadlines are enforced by the connection pumps.
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	tree := supervisor.NewTree(supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if embedded != nil {
		tree.AddMessagingService(services.NewNATSServerService(embedded, cfg.Server.ShutdownTimeout))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().
		Str("addr", server.Addr).
		Int("max_connections", cfg.Realtime.MaxConnections).
		Dur("ttl", cfg.Realtime.TTL).
		Msg("huddle server starting")

	err = <-tree.Root().ServeBackground(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("huddle server stopped")
	return nil
}

// buildStore selects the location store. NATS deployments share a
// JetStream KV bucket behind a circuit breaker; without NATS the state
// is instance-local and in memory.
func buildStore(ctx context.Context, cfg *config.Config, nc *nats.Conn) (store.Store, error) {
	if cfg.NATS.Enabled {
		kv, err := store.NewNATSKV(ctx, nc, jetstream.KeyValueConfig{
			Bucket: cfg.NATS.KVBucket,
			TTL:    cfg.Realtime.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init kv store: %w", err)
		}
		return store.WithBreaker(kv, "natskv"), nil
	}
	return store.NewMemory(cfg.Realtime.TTL), nil
}

// buildFabric selects the broadcast fabric per config. The channel
// driver only reaches connections on this instance.
func buildFabric(cfg *config.Config, natsURL string) (fabric.Fabric, error) {
	busCfg := fabric.BusConfig{
		TopicPrefix: cfg.Fabric.TopicPrefix,
		InstanceID:  uuid.NewString(),
	}
	logger := fabric.NewLogger()

	switch cfg.Fabric.Driver {
	case config.FabricDriverNATS:
		bus, err := fabric.NewNATSBus(fabric.NATSConfig{
			URL:              natsURL,
			MaxReconnects:    cfg.NATS.MaxReconnects,
			ReconnectWait:    cfg.NATS.ReconnectWait,
			SubscribersCount: 1,
		}, busCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init nats fabric: %w", err)
		}
		return bus, nil
	case config.FabricDriverChannel:
		return fabric.NewChannelBus(busCfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown fabric driver %q", cfg.Fabric.Driver)
	}
}
