// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package metrics provides Prometheus instrumentation for the location
// broadcast engine: connection lifecycle, protocol traffic, fan-out
// delivery, and store/fabric backend health.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_active_connections",
			Help: "Current number of live WebSocket connections on this instance",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_connections_total",
			Help: "Total connection attempts by outcome",
		},
		[]string{"outcome"}, // "accepted", "denied", "superseded", "instance_full"
	)

	// Protocol traffic

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_inbound_messages_total",
			Help: "Inbound protocol messages by action and result",
		},
		[]string{"action", "result"}, // result: "ok", "invalid", "error"
	)

	// Fan-out delivery

	BroadcastsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_broadcasts_delivered_total",
			Help: "Location events delivered to local connections",
		},
	)

	BroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_broadcasts_dropped_total",
			Help: "Location events dropped because a client's send buffer was full",
		},
	)

	FabricSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_fabric_subscriptions",
			Help: "Current number of group fabric subscriptions on this instance",
		},
	)

	// Backend health

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_store_op_duration_seconds",
			Help:    "Duration of ephemeral store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	FabricPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "huddle_fabric_publish_duration_seconds",
			Help:    "Duration of fabric publish calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP surface

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_http_requests_total",
			Help: "HTTP requests by method, path pattern, and status code",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_http_request_duration_seconds",
			Help:    "HTTP request duration by method and path pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
