/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/openphonic/callkit/signaling"
)

// ---- Session State & Event Enums ----

// Status is the call session state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusCalling Status = "calling"
	StatusRinging Status = "ringing"
	StatusInCall  Status = "in-call"
	StatusEnded   Status = "ended"
	StatusError   Status = "error"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether the status allows starting a new call.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusEnded || s == StatusError
}

// Route identifies how a call is carried.
type Route string

const (
	RouteNone Route = ""
	RouteP2P  Route = "p2p"
	RouteSIP  Route = "sip"
)

func (r Route) String() string { return string(r) }

// Event keys emitted by the session.
const (
	EventStatusChange = "status_change" // Status
	EventIncoming     = "incoming"      // IncomingInfo
	EventRemoteTrack  = "remote_track"  // *webrtc.TrackRemote
	EventMuteChange   = "mute_change"   // bool
	EventError        = "error"         // error
)

// IncomingInfo describes an inbound call offer.
type IncomingInfo struct {
	FromName string `json:"fromName"`
	FromID   string `json:"fromId"`
	Room     string `json:"room"`
}

// ---- Collaborator Interfaces ----

// SignalChannel is the room signaling transport the session negotiates
// peer-to-peer calls over.
type SignalChannel interface {
	Join(room string) error
	Leave(room string) error
	Send(room string, msg *signaling.Message) error
	RoomCount(room string) (int, error)
	OnMessage(signaling.Handler)
}

// SIPCallbacks receive the lifecycle of one SIP call attempt.
type SIPCallbacks struct {
	OnProgress func(code int, reason string)
	OnAccepted func()
	OnEnded    func(cause string)
	OnFailed   func(err error)
}

// AudioSink consumes call audio as 16-bit little-endian mono PCM at 8 kHz,
// delivered in 20 ms frames.
type AudioSink interface {
	WritePCM(samples []byte) error
}

// SIPCall is an in-flight SIP call. Audio flows as raw PCM: WritePCM feeds
// the uplink, SetAudioSink attaches the downlink consumer.
type SIPCall interface {
	Hangup()
	SendDigit(digit rune) error
	WritePCM(samples []byte) error
	SetAudioSink(sink AudioSink)
}

// SIPDialer places calls through the external SIP registrar. A nil dialer or
// an unregistered one disables the SIP route.
type SIPDialer interface {
	Registered() bool
	Dial(ctx context.Context, dest string, cb SIPCallbacks) (SIPCall, error)
}

// Capture is a live microphone capture. Close is idempotent.
type Capture interface {
	Track() webrtc.TrackLocal
	DeviceID() string
	Close() error
}

// DeviceManager acquires and releases microphone captures. Acquire leaves
// any previous capture open so a hot swap can replace the track on the live
// sender before the old capture is closed.
type DeviceManager interface {
	Acquire(deviceID string) (Capture, error)
	Release()
}

// ---- Event Emitter ----

// EventHandler is a callback function for session events.
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system.
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type.
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type.
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers.
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
