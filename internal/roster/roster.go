// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package roster answers the admission question: is this member allowed
// into this group. The roster is configuration-backed and read-only at
// runtime; ephemeral presence (who is connected right now) lives in the
// location store, not here.
package roster

import (
	"context"
	"sort"
)

// Memberships resolves group membership for admission checks.
type Memberships interface {
	// IsMember reports whether member belongs to group. Unknown groups
	// are simply non-memberships, not errors.
	IsMember(ctx context.Context, group, member string) (bool, error)

	// Members returns the configured member ids of a group, sorted.
	// Unknown groups return an empty slice.
	Members(ctx context.Context, group string) ([]string, error)
}

// Static is a Memberships backed by an in-memory map loaded from
// configuration at startup.
type Static struct {
	groups map[string]map[string]struct{}
}

// NewStatic builds a Static roster from a group -> member list map.
func NewStatic(groups map[string][]string) *Static {
	s := &Static{groups: make(map[string]map[string]struct{}, len(groups))}
	for group, members := range groups {
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		s.groups[group] = set
	}
	return s
}

func (s *Static) IsMember(_ context.Context, group, member string) (bool, error) {
	set, ok := s.groups[group]
	if !ok {
		return false, nil
	}
	_, ok = set[member]
	return ok, nil
}

func (s *Static) Members(_ context.Context, group string) ([]string, error) {
	set, ok := s.groups[group]
	if !ok {
		return []string{}, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}
