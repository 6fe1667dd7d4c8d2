// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package store implements the ephemeral per-group location state shared
// by all server instances.
//
// Each group owns a membership set and a map from member id to last-known
// location. Both carry a single TTL that is refreshed whenever the group
// receives any update; untouched groups are reclaimed without explicit
// cleanup. Stale reads after expiry mean "member has no known location",
// never an error.
//
// Two implementations are provided: Memory (instance-local, for tests and
// single-instance deployments) and NATSKV (JetStream KV bucket with TTL,
// shared across instances). Production callers wrap either with
// WithBreaker so infrastructure failures surface as ErrUnavailable
// instead of hammering a dead backend.
package store

import (
	"context"
	"errors"

	"github.com/huddleshare/huddle/internal/models"
)

// ErrUnavailable reports that the backing store cannot be reached or is
// refusing work. Sessions receiving it must not fail silently: they reply
// with a retryable error envelope or close with a retryable code.
var ErrUnavailable = errors.New("location store unavailable")

// Store is the ephemeral location state contract. Every mutation is
// individually atomic: no partial record is ever visible to a concurrent
// reader. There is no cross-operation transaction.
type Store interface {
	// Join adds member to the group's membership set and resets the
	// group's TTL. Idempotent.
	Join(ctx context.Context, group, member string) error

	// Leave removes the member from the membership set and deletes the
	// member's location record in the same atomic step. It does not
	// refresh the group's TTL.
	Leave(ctx context.Context, group, member string) error

	// UpdateLocation overwrites the member's location record
	// unconditionally (last write wins, regardless of timestamps) and
	// resets the group's TTL.
	UpdateLocation(ctx context.Context, group string, rec models.LocationRecord) error

	// Locations returns all non-expired records for the group in first
	// update order. An expired or unknown group yields an empty slice.
	Locations(ctx context.Context, group string) ([]models.LocationRecord, error)

	// Members returns the group's current membership set, sorted.
	Members(ctx context.Context, group string) ([]string, error)
}
