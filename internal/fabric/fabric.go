// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

// Package fabric is the cross-instance broadcast layer: a publish/subscribe
// channel per group that carries location events from the instance that
// received them to every instance with a listener for that group.
//
// Delivery is fire-and-forget over core NATS (no acknowledgement, retry,
// or backpressure): the stream is a live position feed where the next
// update supersedes a lost one within seconds. A Watermill GoChannel
// transport stands in for NATS in tests and single-instance deployments.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/huddleshare/huddle/internal/logging"
	"github.com/huddleshare/huddle/internal/metrics"
	"github.com/huddleshare/huddle/internal/models"
)

// ErrUnavailable reports that the fabric transport cannot accept a publish.
var ErrUnavailable = errors.New("broadcast fabric unavailable")

// ErrClosed is returned by operations on a closed Bus.
var ErrClosed = errors.New("broadcast fabric closed")

// Fabric is the broadcast contract consumed by the connection registry.
type Fabric interface {
	// Publish delivers the event to every current subscriber of the
	// group, on this instance and every other. Fire-and-forget.
	Publish(ctx context.Context, group string, event *models.LocationEvent) error

	// Subscribe registers interest in a group's channel. One subscription
	// per (instance, group) is sufficient; the registry fans it out to
	// local connections. The subscription delivers until Close is called.
	Subscribe(ctx context.Context, group string) (*Subscription, error)

	// Close releases the underlying transport.
	Close() error
}

// Subscription is a live group channel. Events() never closes on its own;
// callers must Close() on session teardown or the subscription leaks.
type Subscription struct {
	events chan *models.LocationEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Events returns the stream of location events for the subscribed group.
// The channel closes after Close (or the subscribe context ends).
func (s *Subscription) Events() <-chan *models.LocationEvent {
	return s.events
}

// Close cancels the subscription. Idempotent.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// BusConfig holds Bus settings.
type BusConfig struct {
	// TopicPrefix namespaces group topics, e.g. "huddle.location".
	TopicPrefix string

	// InstanceID tags published events with their originating instance
	// for log correlation. Origin filtering happens per connection in the
	// registry, not per instance.
	InstanceID string
}

// Bus implements Fabric over any Watermill publisher/subscriber pair.
type Bus struct {
	publisher   message.Publisher
	subscriber  message.Subscriber
	topicPrefix string
	instanceID  string

	mu     sync.Mutex
	closed bool
}

// NewBus wraps a Watermill transport as a Fabric.
func NewBus(pub message.Publisher, sub message.Subscriber, cfg BusConfig) *Bus {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "huddle.location"
	}
	return &Bus{
		publisher:   pub,
		subscriber:  sub,
		topicPrefix: prefix,
		instanceID:  cfg.InstanceID,
	}
}

// topic maps a group id to its fabric topic.
func (b *Bus) topic(group string) string {
	return b.topicPrefix + "." + group
}

// Publish implements Fabric.
func (b *Bus) Publish(_ context.Context, group string, event *models.LocationEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal location event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("origin", b.instanceID)

	start := time.Now()
	err = b.publisher.Publish(b.topic(group), msg)
	metrics.FabricPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe implements Fabric.
func (b *Bus) Subscribe(ctx context.Context, group string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.subscriber.Subscribe(subCtx, b.topic(group))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub := &Subscription{
		events: make(chan *models.LocationEvent),
		cancel: cancel,
	}
	go b.pump(subCtx, group, messages, sub.events)

	metrics.FabricSubscriptions.Inc()
	return sub, nil
}

// pump decodes transport messages into location events until the
// subscription context ends. Messages are always acked: a payload this
// layer cannot decode would never become decodable on redelivery.
func (b *Bus) pump(ctx context.Context, group string, in <-chan *message.Message, out chan<- *models.LocationEvent) {
	defer func() {
		close(out)
		metrics.FabricSubscriptions.Dec()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			event, err := models.UnmarshalLocationEvent(msg.Payload)
			msg.Ack()
			if err != nil {
				logging.Warn().
					Err(err).
					Str("component", "fabric").
					Str("group", group).
					Msg("dropping undecodable fabric message")
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close implements Fabric. Subscriptions end as their transport channels
// close; in-flight publishes may be lost, which the contract permits.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	// Publisher and subscriber may share one transport (GoChannel); avoid
	// a double close in that case.
	if any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	return errors.Join(errs...)
}
