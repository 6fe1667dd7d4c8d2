// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huddleshare/huddle/internal/models"
)

// groupState holds one group's ephemeral state. The location list keeps
// first-update order so snapshot responses are deterministic.
type groupState struct {
	members   map[string]struct{}
	locations map[string]int // member id -> index into order
	order     []models.LocationRecord
	expiresAt time.Time
}

// Memory is an in-memory Store. It is instance-local, so it only satisfies
// the cross-instance contract when a single server instance runs (the
// fabric "channel" driver); its main use is tests and development.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	groups map[string]*groupState
	stop   chan struct{}
	once   sync.Once
}

// NewMemory creates an in-memory store whose groups expire ttl after the
// last update. A background janitor sweeps expired groups; reads also
// check expiry so correctness never depends on the sweep.
func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		ttl:    ttl,
		groups: make(map[string]*groupState),
		stop:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Close stops the janitor goroutine.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

// Join implements Store.
func (m *Memory) Join(_ context.Context, group, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.liveGroup(group)
	g.members[member] = struct{}{}
	g.expiresAt = time.Now().Add(m.ttl)
	return nil
}

// Leave implements Store. Removing the last member does not delete the
// group eagerly; the TTL reclaims it.
func (m *Memory) Leave(_ context.Context, group, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[group]
	if !ok || m.expired(g) {
		return nil
	}
	delete(g.members, member)
	if idx, ok := g.locations[member]; ok {
		delete(g.locations, member)
		g.order = append(g.order[:idx], g.order[idx+1:]...)
		for i := idx; i < len(g.order); i++ {
			g.locations[g.order[i].MemberID] = i
		}
	}
	return nil
}

// UpdateLocation implements Store. The write is unconditional: a record
// with an older timestamp still replaces a newer one if it arrives later.
func (m *Memory) UpdateLocation(_ context.Context, group string, rec models.LocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.liveGroup(group)
	if idx, ok := g.locations[rec.MemberID]; ok {
		g.order[idx] = rec
	} else {
		g.locations[rec.MemberID] = len(g.order)
		g.order = append(g.order, rec)
	}
	g.expiresAt = time.Now().Add(m.ttl)
	return nil
}

// Locations implements Store.
func (m *Memory) Locations(_ context.Context, group string) ([]models.LocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[group]
	if !ok || m.expired(g) {
		return []models.LocationRecord{}, nil
	}
	out := make([]models.LocationRecord, len(g.order))
	copy(out, g.order)
	return out, nil
}

// Members implements Store.
func (m *Memory) Members(_ context.Context, group string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[group]
	if !ok || m.expired(g) {
		return []string{}, nil
	}
	out := make([]string, 0, len(g.members))
	for member := range g.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// liveGroup returns the group's state, recreating it if absent or expired.
// Callers must hold m.mu.
func (m *Memory) liveGroup(group string) *groupState {
	g, ok := m.groups[group]
	if !ok || m.expired(g) {
		g = &groupState{
			members:   make(map[string]struct{}),
			locations: make(map[string]int),
		}
		m.groups[group] = g
	}
	return g
}

func (m *Memory) expired(g *groupState) bool {
	return time.Now().After(g.expiresAt)
}

// janitor periodically deletes expired groups to bound memory.
func (m *Memory) janitor() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			for id, g := range m.groups {
				if m.expired(g) {
					delete(m.groups, id)
				}
			}
			m.mu.Unlock()
		}
	}
}
