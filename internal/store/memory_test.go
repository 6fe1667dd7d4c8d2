// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/huddleshare/huddle/internal/models"
)

func rec(member string, lat, lon float64, ts int64) models.LocationRecord {
	return models.LocationRecord{
		MemberID:  member,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: ts,
	}
}

func TestMemoryJoinAndMembers(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	for _, member := range []string{"carol", "alice", "bob", "alice"} {
		if err := m.Join(ctx, "trip", member); err != nil {
			t.Fatalf("Join(%q) failed: %v", member, err)
		}
	}

	members, err := m.Members(ctx, "trip")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(members) != len(want) {
		t.Fatalf("Members = %v, want %v", members, want)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Errorf("Members[%d] = %q, want %q", i, members[i], want[i])
		}
	}
}

func TestMemoryUpdateOverwritesUnconditionally(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	if err := m.UpdateLocation(ctx, "trip", rec("alice", 1, 1, 200)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}
	// An older timestamp still wins: last write, not freshest fix.
	if err := m.UpdateLocation(ctx, "trip", rec("alice", 2, 2, 100)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	locs, err := m.Locations(ctx, "trip")
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("got %d records, want 1", len(locs))
	}
	if locs[0].Timestamp != 100 || locs[0].Latitude != 2 {
		t.Errorf("got %+v, want the later write (ts=100, lat=2)", locs[0])
	}
}

func TestMemoryLocationsKeepFirstUpdateOrder(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	for i, member := range []string{"carol", "alice", "bob"} {
		if err := m.UpdateLocation(ctx, "trip", rec(member, float64(i), 0, int64(i))); err != nil {
			t.Fatalf("UpdateLocation failed: %v", err)
		}
	}
	// Re-updating an existing member must not move it to the back.
	if err := m.UpdateLocation(ctx, "trip", rec("carol", 9, 9, 9)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	locs, err := m.Locations(ctx, "trip")
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	want := []string{"carol", "alice", "bob"}
	if len(locs) != len(want) {
		t.Fatalf("got %d records, want %d", len(locs), len(want))
	}
	for i := range want {
		if locs[i].MemberID != want[i] {
			t.Errorf("Locations[%d].MemberID = %q, want %q", i, locs[i].MemberID, want[i])
		}
	}
	if locs[0].Latitude != 9 {
		t.Errorf("carol's record not overwritten in place: %+v", locs[0])
	}
}

func TestMemoryLeaveRemovesLocation(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	for _, member := range []string{"alice", "bob", "carol"} {
		if err := m.Join(ctx, "trip", member); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
		if err := m.UpdateLocation(ctx, "trip", rec(member, 0, 0, 1)); err != nil {
			t.Fatalf("UpdateLocation failed: %v", err)
		}
	}

	if err := m.Leave(ctx, "trip", "bob"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	locs, _ := m.Locations(ctx, "trip")
	for _, l := range locs {
		if l.MemberID == "bob" {
			t.Fatal("bob's location survived Leave")
		}
	}
	if len(locs) != 2 {
		t.Fatalf("got %d records, want 2", len(locs))
	}
	// Remaining order is preserved.
	if locs[0].MemberID != "alice" || locs[1].MemberID != "carol" {
		t.Errorf("order disturbed after Leave: %v, %v", locs[0].MemberID, locs[1].MemberID)
	}

	members, _ := m.Members(ctx, "trip")
	for _, member := range members {
		if member == "bob" {
			t.Fatal("bob still in membership set after Leave")
		}
	}
}

func TestMemoryLeaveUnknownGroupIsNoop(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()

	if err := m.Leave(context.Background(), "nowhere", "alice"); err != nil {
		t.Fatalf("Leave on unknown group: %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	if err := m.UpdateLocation(ctx, "trip", rec("alice", 1, 1, 1)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	locs, err := m.Locations(ctx, "trip")
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	if len(locs) != 0 {
		t.Fatalf("expired group returned %d records, want 0", len(locs))
	}
	members, err := m.Members(ctx, "trip")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expired group returned %d members, want 0", len(members))
	}
}

func TestMemoryUpdateRefreshesWholeGroup(t *testing.T) {
	m := NewMemory(100 * time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	if err := m.UpdateLocation(ctx, "trip", rec("alice", 1, 1, 1)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	// Keep the group alive through a different member's updates.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := m.UpdateLocation(ctx, "trip", rec("bob", 2, 2, int64(i))); err != nil {
			t.Fatalf("UpdateLocation failed: %v", err)
		}
	}

	locs, _ := m.Locations(ctx, "trip")
	if len(locs) != 2 {
		t.Fatalf("got %d records, want 2; alice's record should survive via bob's refreshes", len(locs))
	}
}

func TestMemoryConcurrentUpdates(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			member := fmt.Sprintf("member-%d", n%4)
			for j := 0; j < 50; j++ {
				_ = m.UpdateLocation(ctx, "trip", rec(member, float64(j), float64(j), int64(j)))
				_, _ = m.Locations(ctx, "trip")
			}
		}(i)
	}
	wg.Wait()

	locs, err := m.Locations(ctx, "trip")
	if err != nil {
		t.Fatalf("Locations failed: %v", err)
	}
	if len(locs) != 4 {
		t.Fatalf("got %d records, want 4 (one per member)", len(locs))
	}
	seen := make(map[string]bool)
	for _, l := range locs {
		if seen[l.MemberID] {
			t.Fatalf("duplicate record for %s", l.MemberID)
		}
		seen[l.MemberID] = true
	}
}

func TestMemoryGroupsAreIsolated(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	ctx := context.Background()

	if err := m.UpdateLocation(ctx, "hiking", rec("alice", 1, 1, 1)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}
	if err := m.UpdateLocation(ctx, "cycling", rec("bob", 2, 2, 2)); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	locs, _ := m.Locations(ctx, "hiking")
	if len(locs) != 1 || locs[0].MemberID != "alice" {
		t.Errorf("hiking snapshot leaked: %+v", locs)
	}
	locs, _ = m.Locations(ctx, "cycling")
	if len(locs) != 1 || locs[0].MemberID != "bob" {
		t.Errorf("cycling snapshot leaked: %+v", locs)
	}
}
