// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package roster

import (
	"context"
	"testing"
)

func TestStaticIsMember(t *testing.T) {
	r := NewStatic(map[string][]string{
		"trip":   {"alice", "bob"},
		"abseil": {"carol"},
	})
	ctx := context.Background()

	tests := []struct {
		group, member string
		want          bool
	}{
		{"trip", "alice", true},
		{"trip", "bob", true},
		{"trip", "carol", false},
		{"abseil", "carol", true},
		{"abseil", "alice", false},
		{"ghost", "alice", false},
	}
	for _, tt := range tests {
		got, err := r.IsMember(ctx, tt.group, tt.member)
		if err != nil {
			t.Fatalf("IsMember(%q, %q) failed: %v", tt.group, tt.member, err)
		}
		if got != tt.want {
			t.Errorf("IsMember(%q, %q) = %v, want %v", tt.group, tt.member, got, tt.want)
		}
	}
}

func TestStaticMembersSorted(t *testing.T) {
	r := NewStatic(map[string][]string{
		"trip": {"carol", "alice", "bob"},
	})

	members, err := r.Members(context.Background(), "trip")
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

func TestStaticUnknownGroup(t *testing.T) {
	r := NewStatic(nil)

	members, err := r.Members(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("Members = %v, want empty", members)
	}
}
