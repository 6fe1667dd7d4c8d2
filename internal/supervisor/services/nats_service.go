// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package services

import (
	"context"
	"fmt"
	"time"
)

// NATSRunner matches the embedded NATS server's lifecycle. The server is
// started before the tree comes up (the store and fabric need a live
// connection at construction time), so the service only monitors and
// shuts it down.
type NATSRunner interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// NATSServerService keeps the embedded NATS server under supervision.
type NATSServerService struct {
	runner          NATSRunner
	shutdownTimeout time.Duration
}

// NewNATSServerService wraps an already-started embedded server.
func NewNATSServerService(runner NATSRunner, shutdownTimeout time.Duration) *NATSServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &NATSServerService{runner: runner, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. An embedded server that stops running
// outside a shutdown is a failure; returning the error lets suture apply
// its backoff policy while the rest of the tree keeps serving.
func (s *NATSServerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.runner.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("nats server shutdown failed: %w", err)
			}
			return ctx.Err()

		case <-ticker.C:
			if !s.runner.IsRunning() {
				return fmt.Errorf("embedded nats server stopped unexpectedly")
			}
		}
	}
}

func (s *NATSServerService) String() string {
	return "nats-server"
}
