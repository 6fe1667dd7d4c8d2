// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package realtime

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/huddleshare/huddle/internal/models"
)

// Inbound actions.
const (
	ActionGetLocations   = "get_locations"
	ActionPing           = "ping"
	ActionUpdateLocation = "update_location"
)

// Outbound message types.
const (
	TypeLocations      = "locations"
	TypePong           = "pong"
	TypeLocationUpdate = "location_update"
	TypeError          = "error"
)

// Request is the inbound protocol envelope.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Message is the outbound protocol envelope.
type Message struct {
	Type   string `json:"type"`
	Data   any    `json:"data,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// UpdateLocationRequest is the payload of an update_location action.
// Coordinate fields are pointers so that a missing field is distinguishable
// from a legitimate zero (the equator and the prime meridian are real
// places).
type UpdateLocationRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Timestamp *int64   `json:"timestamp" validate:"required"`
	Nickname  string   `json:"nickname,omitempty" validate:"omitempty,max=60"`
}

// Record converts a validated request into a location record for member.
func (r *UpdateLocationRequest) Record(member string) models.LocationRecord {
	return models.LocationRecord{
		MemberID:  member,
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Timestamp: *r.Timestamp,
		Nickname:  r.Nickname,
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validateStruct validates a protocol payload. The validator instance is a
// singleton: it caches struct metadata and is safe for concurrent use.
func validateStruct(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate.Struct(v)
}

// errorMessage builds an error envelope.
func errorMessage(detail string) Message {
	return Message{Type: TypeError, Detail: detail}
}
