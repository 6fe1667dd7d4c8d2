// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package fabric

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewChannelBus builds a Bus over Watermill's in-process GoChannel
// transport. Fan-out stays within one process, so this driver is only
// correct for a single server instance; it exists for development and for
// tests that exercise the full publish/subscribe path without a broker.
func NewChannelBus(bus BusConfig, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = NewLogger()
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logger)
	return NewBus(pubsub, pubsub, bus)
}
