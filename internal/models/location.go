// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package models holds the wire-level data types shared between the
// ephemeral store, the broadcast fabric, and the realtime protocol.
package models

import "github.com/goccy/go-json"

// LocationRecord is one member's last known position within a group.
// At most one record exists per (group, member); a newer update for the
// same member overwrites the previous record unconditionally. The
// timestamp is client-supplied unix seconds and is carried as-is: the
// last write to arrive wins even if its timestamp is older.
type LocationRecord struct {
	MemberID  string  `json:"member_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
	Nickname  string  `json:"nickname,omitempty"`
}

// LocationEvent is the broadcast fabric envelope: a location record tagged
// with its originating group so every instance can route it to the right
// local connections.
type LocationEvent struct {
	GroupID string         `json:"group_id"`
	Record  LocationRecord `json:"record"`
}

// Marshal encodes the event for fabric transport.
func (e *LocationEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalLocationEvent decodes a fabric payload.
func UnmarshalLocationEvent(data []byte) (*LocationEvent, error) {
	var e LocationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
