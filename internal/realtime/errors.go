// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package realtime

import "errors"

// ErrInstanceFull reports that this instance's connection cap is reached.
var ErrInstanceFull = errors.New("instance connection limit reached")

// ErrProtocol reports an unparseable frame or unknown action. Hard error:
// the connection closes.
var ErrProtocol = errors.New("protocol error")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")
