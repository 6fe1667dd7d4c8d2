// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package realtime implements the live connection engine: the per-instance
// connection registry, the WebSocket client pumps, and the group session
// handler that ties one connection to the ephemeral store and the
// broadcast fabric.
//
// One session owns one connection for its whole lifetime. The read pump
// processes inbound protocol messages strictly sequentially; fabric
// deliveries and protocol replies are multiplexed onto the connection
// through the client's buffered send channel, whose write pump is the
// socket's only writer. A slow client is disconnected rather than allowed
// to block fan-out to the rest of its group.
package realtime
