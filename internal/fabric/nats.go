// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package fabric

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the NATS-backed fabric.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration

	// SubscribersCount is the number of concurrent transport readers per
	// subscription. One is enough for a per-group position feed.
	SubscribersCount int
}

// NewNATSBus builds a Bus over core NATS publish/subscribe.
//
// JetStream is deliberately disabled: the fabric contract is best-effort
// fan-out with no delivery acknowledgement and no retry, and persisting a
// live position feed would only add latency. No queue group is configured
// either, since every instance's subscription must receive every message.
func NewNATSBus(cfg NATSConfig, bus BusConfig, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = NewLogger()
	}
	if cfg.SubscribersCount <= 0 {
		cfg.SubscribersCount = 1
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("fabric NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("fabric NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create fabric publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		SubscribersCount: cfg.SubscribersCount,
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create fabric subscriber: %w", err)
	}

	return NewBus(pub, sub, bus), nil
}
