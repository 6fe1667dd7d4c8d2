// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/huddleshare/huddle/internal/config"
)

// embeddedServer wraps an in-process NATS server for single-binary
// deployments. JetStream is enabled because the location store lives in
// a JetStream KV bucket.
type embeddedServer struct {
	server    *server.Server
	clientURL string
}

func newEmbeddedServer(cfg config.NATSConfig) (*embeddedServer, error) {
	opts := &server.Options{
		ServerName: "huddle",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		// The fabric's transport connects by URL, so the embedded server
		// must listen, but only on loopback.
		DontListen: false,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready within timeout")
	}

	return &embeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// connect returns a client connection over the in-process transport.
func (s *embeddedServer) connect() (*nats.Conn, error) {
	return nats.Connect(s.clientURL, nats.InProcessServer(s.server))
}

func (s *embeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *embeddedServer) IsRunning() bool {
	return s.server.Running()
}
