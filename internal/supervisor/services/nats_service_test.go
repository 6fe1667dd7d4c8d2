// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockRunner struct {
	running   atomic.Bool
	shutdowns atomic.Int32
}

func (m *mockRunner) Shutdown(context.Context) error {
	m.shutdowns.Add(1)
	m.running.Store(false)
	return nil
}

func (m *mockRunner) IsRunning() bool { return m.running.Load() }

func TestNATSServiceShutsDownOnCancel(t *testing.T) {
	runner := &mockRunner{}
	runner.running.Store(true)
	svc := NewNATSServerService(runner, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if got := runner.shutdowns.Load(); got != 1 {
		t.Errorf("shutdowns = %d, want 1", got)
	}
}
