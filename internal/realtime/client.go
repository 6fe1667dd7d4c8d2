// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/huddleshare/huddle/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // location frames are tiny
)

// clientIDCounter generates unique, monotonically increasing client IDs
// so fan-out iterates connections in a deterministic order.
var clientIDCounter atomic.Uint64

// Client is the middleman between one WebSocket connection and its
// session. The write pump is the only goroutine writing to the socket;
// everything outbound goes through the buffered send channel.
type Client struct {
	id      uint64
	group   string
	member  string
	conn    *websocket.Conn
	session *Session
	send    chan Message
	limiter *rate.Limiter

	done chan struct{}
	once sync.Once
}

// newClient wires a connection to its session. sendBuffer bounds how far a
// slow reader may fall behind before being disconnected; limit/burst bound
// inbound message rate (position updates arrive every 2-3 seconds).
func newClient(session *Session, conn *websocket.Conn, sendBuffer int, limit rate.Limit, burst int) *Client {
	return &Client{
		id:      clientIDCounter.Add(1),
		group:   session.group,
		member:  session.member,
		conn:    conn,
		session: session,
		send:    make(chan Message, sendBuffer),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
	}
}

// ID returns the client's unique identifier for deterministic ordering.
func (c *Client) ID() uint64 {
	return c.id
}

// enqueue offers a message to the send channel without blocking.
// Returns false when the buffer is full or the client is stopping.
func (c *Client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// stop tears the connection down. detail, if non-empty, is offered to the
// client as a final error envelope (best effort; the write pump may
// already be gone). Idempotent.
func (c *Client) stop(detail string) {
	c.once.Do(func() {
		if detail != "" {
			select {
			case c.send <- errorMessage(detail):
			default:
			}
		}
		close(c.done)
	})
}

// start begins the read and write pumps.
func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// readPump reads inbound frames and hands them to the session strictly in
// order: one message is fully applied (store write plus fabric publish)
// before the next is read. Exits on client disconnect, read error, or a
// hard protocol error.
func (c *Client) readPump() {
	defer func() {
		c.session.teardown()
		c.stop("")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).
					Str("group", c.group).
					Str("member", c.member).
					Msg("unexpected websocket close")
			}
			return
		}

		if !c.limiter.Allow() {
			c.enqueue(errorMessage("rate limit exceeded, message dropped"))
			continue
		}

		if err := c.session.handleInbound(data); err != nil {
			// Hard protocol error: report and close.
			c.enqueue(errorMessage(err.Error()))
			return
		}
	}
}

// writePump is the socket's single writer: it drains the send channel and
// keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}

		case <-c.done:
			// Drain anything enqueued before the stop, then say goodbye.
			for {
				select {
				case msg := <-c.send:
					if err := c.writeMessage(msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage serializes and writes one outbound envelope.
func (c *Client) writeMessage(msg Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set write deadline")
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal outbound message")
		return nil // skip the message, keep the connection
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}
