/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling implements the room-scoped signaling channel used to
// negotiate peer-to-peer calls. It is a thin wrapper over a persistent
// websocket connection: clients join rooms, exchange typed signal messages
// (offer/answer/candidate/hangup) and may ask how many participants a room
// currently has.
//
// Delivery is best-effort by design. The channel performs no retries; a lost
// message surfaces as the absence of an expected inbound event and is handled
// by session-level timeouts, not here.
package signaling

import (
	"github.com/pion/webrtc/v4"
)

// MessageType identifies the type of a signal message.
type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeHangup    MessageType = "hangup"
)

// Message is a signal payload exchanged through a room.
type Message struct {
	Type      MessageType                `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	FromName  string                     `json:"fromName,omitempty"`
	FromID    string                     `json:"fromId,omitempty"`
}

// Envelope is the wire frame carrying room membership operations and signal
// messages. Count and ID are only used by room-count request/reply frames.
type Envelope struct {
	Event string   `json:"event"`
	Room  string   `json:"room,omitempty"`
	Data  *Message `json:"data,omitempty"`
	ID    string   `json:"id,omitempty"`
	Count int      `json:"count,omitempty"`
}

// Wire event names. They mirror the relay's room operations.
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventSignal    = "signal"
	EventRoomCount = "room-count"
)

// Handler receives inbound signal messages for a joined room.
type Handler func(room string, msg *Message)
