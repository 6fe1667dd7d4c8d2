// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/huddleshare/huddle/internal/fabric"
	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/metrics"
	"github.com/huddleshare/huddle/internal/models"
)

// groupEntry tracks one group's local connections and its single fabric
// subscription. The subscription exists exactly while at least one local
// connection is registered for the group.
type groupEntry struct {
	clients map[string]*Client // member id -> connection
	sub     *fabric.Subscription
}

// Registry is the per-instance map from group to live connections. It owns
// the group fabric subscriptions and fans every fabric delivery out to the
// group's local connections, excluding the originator.
type Registry struct {
	fab            fabric.Fabric
	maxConnections int

	mu     sync.Mutex
	groups map[string]*groupEntry
	conns  int
}

// NewRegistry creates an empty registry enforcing the per-instance
// connection cap.
func NewRegistry(fab fabric.Fabric, maxConnections int) *Registry {
	return &Registry{
		fab:            fab,
		maxConnections: maxConnections,
		groups:         make(map[string]*groupEntry),
	}
}

// Register adds the connection under its group, creating the group's
// fabric subscription on first local connection. A second connection for
// the same (group, member) supersedes the old one: the prior connection is
// told why and closed.
func (r *Registry) Register(ctx context.Context, client *Client) error {
	r.mu.Lock()

	if r.conns >= r.maxConnections {
		r.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues("instance_full").Inc()
		return ErrInstanceFull
	}

	g, ok := r.groups[client.group]
	if !ok {
		// Subscription lifetime is managed by Unregister, not by the
		// registering connection's context.
		sub, err := r.fab.Subscribe(context.WithoutCancel(ctx), client.group)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		g = &groupEntry{clients: make(map[string]*Client), sub: sub}
		r.groups[client.group] = g
		go r.fanout(client.group, sub)
	}

	superseded := g.clients[client.member]
	g.clients[client.member] = client
	r.conns++
	total := r.conns
	r.mu.Unlock()

	if superseded != nil {
		superseded.stop("superseded by a newer connection")
		metrics.ConnectionsTotal.WithLabelValues("superseded").Inc()
	}

	metrics.ActiveConnections.Set(float64(total))
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	logging.Info().
		Str("group", client.group).
		Str("member", client.member).
		Int("total_connections", total).
		Msg("connection registered")
	return nil
}

// Unregister removes the connection and reports whether it was still the
// member's current one. When the last local connection for the group
// leaves, the group's fabric subscription is cancelled so an unwatched
// group costs nothing. Idempotent; a superseded connection unregistering
// does not disturb its replacement and gets false back, which tells its
// session to leave the shared store alone.
func (r *Registry) Unregister(client *Client) bool {
	r.mu.Lock()

	g, ok := r.groups[client.group]
	if !ok || g.clients[client.member] != client {
		r.mu.Unlock()
		return false
	}
	delete(g.clients, client.member)
	r.conns--
	total := r.conns

	var sub *fabric.Subscription
	if len(g.clients) == 0 {
		sub = g.sub
		delete(r.groups, client.group)
	}
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}

	metrics.ActiveConnections.Set(float64(total))
	logging.Info().
		Str("group", client.group).
		Str("member", client.member).
		Int("total_connections", total).
		Bool("subscription_closed", sub != nil).
		Msg("connection unregistered")
	return true
}

// fanout pumps one group's fabric subscription into BroadcastLocal until
// the subscription closes.
func (r *Registry) fanout(group string, sub *fabric.Subscription) {
	for event := range sub.Events() {
		r.BroadcastLocal(group, event, r.clientFor(group, event.Record.MemberID))
	}
}

// clientFor returns the member's local connection in the group, if any.
func (r *Registry) clientFor(group, member string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[group]; ok {
		return g.clients[member]
	}
	return nil
}

// BroadcastLocal delivers the event to every locally registered connection
// for the group except exclude (normally the originator, so a sender never
// echoes its own update back to itself). Delivery per connection is
// independent: a full send buffer drops that client without blocking the
// rest.
func (r *Registry) BroadcastLocal(group string, event *models.LocationEvent, exclude *Client) {
	r.mu.Lock()
	g, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return
	}
	clients := make([]*Client, 0, len(g.clients))
	for _, client := range g.clients {
		clients = append(clients, client)
	}
	r.mu.Unlock()

	// Deterministic delivery order for reproducible tests.
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	msg := Message{Type: TypeLocationUpdate, Data: event.Record}
	for _, client := range clients {
		if client == exclude {
			continue
		}
		if client.enqueue(msg) {
			metrics.BroadcastsDelivered.Inc()
			continue
		}
		metrics.BroadcastsDropped.Inc()
		logging.Warn().
			Str("group", group).
			Str("member", client.member).
			Msg("send buffer full, disconnecting slow client")
		client.stop("send buffer overflow")
	}
}

// ConnectionCount returns the number of live connections on this instance.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns
}

// GroupCount returns the number of groups with local subscriptions.
func (r *Registry) GroupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
