// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package store

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/metrics"
	"github.com/huddleshare/huddle/internal/models"
)

// BreakerStore decorates a Store with a circuit breaker and operation
// metrics. When the backing store fails repeatedly the breaker opens and
// calls fail fast with ErrUnavailable instead of stacking up timeouts
// against a dead backend.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

// WithBreaker wraps inner with a named circuit breaker. The breaker trips
// after five consecutive failures and probes again after ten seconds.
func WithBreaker(inner Store, name string) *BreakerStore {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("component", "store").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	}
	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

// execute runs op through the breaker and records operation metrics.
func (s *BreakerStore) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	result, err := s.cb.Execute(fn)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StoreOpDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return result, err
}

// Join implements Store.
func (s *BreakerStore) Join(ctx context.Context, group, member string) error {
	_, err := s.execute("join", func() (any, error) {
		return nil, s.inner.Join(ctx, group, member)
	})
	return err
}

// Leave implements Store.
func (s *BreakerStore) Leave(ctx context.Context, group, member string) error {
	_, err := s.execute("leave", func() (any, error) {
		return nil, s.inner.Leave(ctx, group, member)
	})
	return err
}

// UpdateLocation implements Store.
func (s *BreakerStore) UpdateLocation(ctx context.Context, group string, rec models.LocationRecord) error {
	_, err := s.execute("update_location", func() (any, error) {
		return nil, s.inner.UpdateLocation(ctx, group, rec)
	})
	return err
}

// Locations implements Store.
func (s *BreakerStore) Locations(ctx context.Context, group string) ([]models.LocationRecord, error) {
	result, err := s.execute("locations", func() (any, error) {
		return s.inner.Locations(ctx, group)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.LocationRecord), nil
}

// Members implements Store.
func (s *BreakerStore) Members(ctx context.Context, group string) ([]string, error) {
	result, err := s.execute("members", func() (any, error) {
		return s.inner.Members(ctx, group)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}
