// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/huddleshare/huddle/internal/models"
)

// flakyStore fails every call until healed.
type flakyStore struct {
	failing bool
	calls   int
}

var errBackend = errors.New("backend down")

func (f *flakyStore) call() error {
	f.calls++
	if f.failing {
		return errBackend
	}
	return nil
}

func (f *flakyStore) Join(context.Context, string, string) error  { return f.call() }
func (f *flakyStore) Leave(context.Context, string, string) error { return f.call() }
func (f *flakyStore) UpdateLocation(context.Context, string, models.LocationRecord) error {
	return f.call()
}
func (f *flakyStore) Locations(context.Context, string) ([]models.LocationRecord, error) {
	if err := f.call(); err != nil {
		return nil, err
	}
	return []models.LocationRecord{{MemberID: "alice"}}, nil
}
func (f *flakyStore) Members(context.Context, string) ([]string, error) {
	if err := f.call(); err != nil {
		return nil, err
	}
	return []string{"alice"}, nil
}

func TestBreakerPassesThroughWhenHealthy(t *testing.T) {
	inner := &flakyStore{}
	s := WithBreaker(inner, t.Name())
	ctx := context.Background()

	if err := s.Join(ctx, "trip", "alice"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	locs, err := s.Locations(ctx, "trip")
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	if len(locs) != 1 || locs[0].MemberID != "alice" {
		t.Errorf("Locations = %+v, want alice's record", locs)
	}
	members, err := s.Members(ctx, "trip")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 1 || members[0] != "alice" {
		t.Errorf("Members = %v, want [alice]", members)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyStore{failing: true}
	s := WithBreaker(inner, t.Name())
	ctx := context.Background()

	record := models.LocationRecord{MemberID: "alice", Timestamp: 1}

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		if err := s.UpdateLocation(ctx, "trip", record); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}
	callsWhenOpen := inner.calls

	// Open breaker fails fast without touching the backend.
	if err := s.UpdateLocation(ctx, "trip", record); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open breaker: err = %v, want ErrUnavailable", err)
	}
	if _, err := s.Locations(ctx, "trip"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open breaker: err = %v, want ErrUnavailable", err)
	}
	if inner.calls != callsWhenOpen {
		t.Errorf("open breaker still reached the backend: %d calls, want %d", inner.calls, callsWhenOpen)
	}
}

func TestBreakerInnerErrorsPassThroughBeforeTrip(t *testing.T) {
	inner := &flakyStore{failing: true}
	s := WithBreaker(inner, t.Name())

	// Below the trip threshold the caller sees the real error, not the
	// breaker's.
	err := s.Join(context.Background(), "trip", "alice")
	if !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("breaker mapped a pass-through error to ErrUnavailable")
	}
}
