/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the call session state machine. One Session
// coordinates two call routes behind a single lifecycle: peer-to-peer audio
// negotiated over a room signaling channel, and PSTN/extension calls through
// a SIP user agent. States move idle -> calling -> in-call -> ended for
// outbound calls and idle -> ringing -> in-call/ended for inbound ones;
// error is reachable from any non-terminal state.
package calling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/openphonic/callkit/signaling"
	"github.com/openphonic/callkit/sipua"
)

// Config holds the session identity, routing rules and tunables.
type Config struct {
	// UserID and DisplayName identify this endpoint in outbound offers.
	UserID      string
	DisplayName string

	// DefaultCountryCode and SIPPrefix drive dial-string normalization on
	// the SIP route.
	DefaultCountryCode string
	SIPPrefix          string

	// ICE configuration for the P2P route.
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string

	// RingTimeout bounds outbound ringback and inbound ringing. Expiry is a
	// normal terminal transition, not an error.
	RingTimeout time.Duration

	// NotifyPeerOnClose controls whether Close sends a hangup signal for an
	// active P2P call.
	NotifyPeerOnClose bool

	// ToneSink plays the synthesized ring tone; nil disables audio but the
	// ringer still tracks its running state.
	ToneSink ToneSink

	// CallAudioSink receives decoded remote audio on the SIP route. nil
	// discards remote SIP audio. The uplink is fed through WriteAudio.
	CallAudioSink AudioSink

	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:       30 * time.Second,
		NotifyPeerOnClose: true,
		Logger:            zerolog.Nop(),
	}
}

// Session is the call state machine. All public methods are safe for
// concurrent use; inbound signaling and user actions serialize on one mutex.
type Session struct {
	*EventEmitter

	cfg     *Config
	log     zerolog.Logger
	channel SignalChannel
	sip     SIPDialer
	devices DeviceManager
	ringer  *Ringer

	mu           sync.Mutex
	status       Status
	route        Route
	room         string
	peerName     string
	peerID       string
	pendingOffer *webrtc.SessionDescription
	peer         *PeerLink
	capture      Capture
	sender       *webrtc.RTPSender
	sipCall      SIPCall
	muted        bool
	connectedAt  time.Time
	timerGen     int
	lastError    error
}

// NewSession wires a session to its collaborators. The SIP dialer may be nil
// when no SIP profile is provisioned; every destination then takes the P2P
// route.
func NewSession(cfg *Config, channel SignalChannel, sip SIPDialer, devices DeviceManager) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	s := &Session{
		EventEmitter: NewEventEmitter(),
		cfg:          cfg,
		log:          cfg.Logger,
		channel:      channel,
		sip:          sip,
		devices:      devices,
		ringer:       NewRinger(cfg.ToneSink, cfg.Logger),
		status:       StatusIdle,
	}
	channel.OnMessage(s.handleSignal)
	return s
}

// Listen joins a signaling room so inbound offers for it reach this session.
func (s *Session) Listen(room string) error {
	if err := s.channel.Join(room); err != nil {
		return fmt.Errorf("join room %q: %w", room, err)
	}
	return nil
}

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Route returns the route of the current or last call.
func (s *Session) Route() Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// LastError returns the error that moved the session to the error state.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Peer returns the display name and ID of the remote party.
func (s *Session) Peer() (name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerName, s.peerID
}

// PeerState returns the peer connection and ICE state strings for
// diagnostics.
func (s *Session) PeerState() (connection, ice string) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return "none", "none"
	}
	return peer.State()
}

// Elapsed returns the in-call duration, zero before connection.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusInCall || s.connectedAt.IsZero() {
		return 0
	}
	return time.Since(s.connectedAt)
}

// ElapsedString formats the in-call duration as mm:ss.
func (s *Session) ElapsedString() string {
	d := s.Elapsed()
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// Dial starts an outbound call. The SIP route is chosen when the destination
// looks like an external number and a registered SIP dialer is available;
// everything else is a P2P room call where dest names the signaling room.
func (s *Session) Dial(ctx context.Context, dest string) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return fmt.Errorf("calling: empty destination")
	}

	s.mu.Lock()
	if !s.status.Terminal() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.resetLocked()

	if sipua.IsExternalNumber(dest) && s.sip != nil && s.sip.Registered() {
		return s.dialSIPLocked(ctx, dest)
	}
	return s.dialP2PLocked(dest)
}

// dialSIPLocked runs the SIP leg of Dial. Called with s.mu held; releases it.
func (s *Session) dialSIPLocked(ctx context.Context, dest string) error {
	normalized := sipua.Normalize(dest, s.cfg.DefaultCountryCode, s.cfg.SIPPrefix)
	s.route = RouteSIP
	s.status = StatusCalling
	gen := s.bumpTimerLocked()
	s.mu.Unlock()

	s.log.Info().Str("dest", normalized).Msg("dialing via SIP")
	s.Emit(EventStatusChange, StatusCalling)
	s.ringer.Start()
	s.armRingTimer(gen)

	call, err := s.sip.Dial(ctx, normalized, SIPCallbacks{
		OnProgress: func(code int, reason string) {
			s.log.Debug().Int("code", code).Str("reason", reason).Msg("SIP progress")
		},
		OnAccepted: func() { s.establish() },
		OnEnded:    func(cause string) { s.endCall(cause, false) },
		OnFailed:   func(err error) { s.failCall(err) },
	})
	if err != nil {
		s.failCall(err)
		return err
	}

	if s.cfg.CallAudioSink != nil {
		call.SetAudioSink(s.cfg.CallAudioSink)
	}

	s.mu.Lock()
	s.sipCall = call
	ended := s.status.Terminal()
	s.mu.Unlock()
	if ended {
		// A callback already finished the call while Dial was in flight.
		call.Hangup()
	}
	return nil
}

// dialP2PLocked runs the P2P leg of Dial. Called with s.mu held; releases it.
// The session claims the calling state before the lock drops so no concurrent
// Dial or inbound offer can slip in during device and peer setup.
func (s *Session) dialP2PLocked(room string) error {
	s.route = RouteP2P
	s.room = room
	s.status = StatusCalling
	s.mu.Unlock()

	s.Emit(EventStatusChange, StatusCalling)

	// Media first: an unusable microphone aborts before any signaling.
	capture, err := s.devices.Acquire("")
	if err != nil {
		mediaErr := &MediaError{Err: err}
		s.failCall(mediaErr)
		return mediaErr
	}

	if err := s.channel.Join(room); err != nil {
		_ = capture.Close()
		s.devices.Release()
		s.failCall(fmt.Errorf("join room %q: %w", room, err))
		return err
	}

	// Occupancy below two means the callee is absent; that is a warning,
	// not a failure, since they may join afterward.
	if count, _ := s.channel.RoomCount(room); count < 2 {
		s.log.Warn().Str("room", room).Int("count", count).
			Msg("callee not yet in room, proceeding")
	}

	peer := s.newPeerLink()
	peer.EnableOffers()
	sender, err := peer.AddTrack(capture.Track())
	if err != nil {
		_ = capture.Close()
		s.devices.Release()
		peer.Teardown()
		s.failCall(err)
		return err
	}

	s.mu.Lock()
	if s.status != StatusCalling || s.route != RouteP2P {
		// A hangup or failure won the race during setup.
		s.mu.Unlock()
		peer.Teardown()
		_ = capture.Close()
		s.devices.Release()
		return nil
	}
	s.capture = capture
	s.peer = peer
	s.sender = sender
	gen := s.bumpTimerLocked()
	s.mu.Unlock()

	s.log.Info().Str("room", room).Msg("dialing via room")
	s.ringer.Start()
	s.armRingTimer(gen)
	return nil
}

func (s *Session) newPeerLink() *PeerLink {
	return NewPeerLink(PeerConfig{
		ICEServers: BuildICEServers(s.cfg.STUNURLs, s.cfg.TURNURLs, s.cfg.TURNUsername, s.cfg.TURNCredential),
		OnCandidate: func(c *webrtc.ICECandidateInit) {
			s.mu.Lock()
			room := s.room
			active := s.route == RouteP2P && !s.status.Terminal()
			s.mu.Unlock()
			if !active {
				return
			}
			msg := &signaling.Message{Type: signaling.TypeCandidate, Candidate: c}
			if err := s.channel.Send(room, msg); err != nil {
				s.log.Debug().Err(err).Msg("candidate send failed")
			}
		},
		OnOffer: func(offer *webrtc.SessionDescription) {
			s.mu.Lock()
			room := s.room
			active := s.route == RouteP2P &&
				(s.status == StatusCalling || s.status == StatusInCall)
			s.mu.Unlock()
			if !active {
				return
			}
			msg := &signaling.Message{
				Type:     signaling.TypeOffer,
				SDP:      offer,
				FromName: s.cfg.DisplayName,
				FromID:   s.cfg.UserID,
			}
			if err := s.channel.Send(room, msg); err != nil {
				s.log.Warn().Err(err).Msg("offer send failed, waiting for timeout")
			}
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			s.Emit(EventRemoteTrack, track)
		},
		OnClosed: func(state webrtc.PeerConnectionState) {
			s.log.Info().Str("state", state.String()).Msg("peer connection lost")
			s.endCall("connection "+state.String(), false)
		},
		Logger: s.log,
	})
}

// handleSignal dispatches inbound room messages.
func (s *Session) handleSignal(room string, msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		s.handleOffer(room, msg)
	case signaling.TypeAnswer:
		s.handleAnswer(msg)
	case signaling.TypeCandidate:
		s.handleCandidate(msg)
	case signaling.TypeHangup:
		s.endCall("remote hangup", false)
	}
}

func (s *Session) handleOffer(room string, msg *signaling.Message) {
	if msg.SDP == nil {
		return
	}
	s.mu.Lock()
	if !s.status.Terminal() {
		s.mu.Unlock()
		s.log.Info().Str("room", room).Msg("offer ignored, session busy")
		return
	}
	s.resetLocked()
	s.route = RouteP2P
	s.room = room
	s.peerName = msg.FromName
	s.peerID = msg.FromID
	s.pendingOffer = msg.SDP
	s.status = StatusRinging
	gen := s.bumpTimerLocked()
	s.mu.Unlock()

	s.log.Info().Str("room", room).Str("from", msg.FromName).Msg("incoming call")
	s.Emit(EventIncoming, IncomingInfo{FromName: msg.FromName, FromID: msg.FromID, Room: room})
	s.Emit(EventStatusChange, StatusRinging)
	s.ringer.Start()
	s.armRingTimer(gen)
}

func (s *Session) handleAnswer(msg *signaling.Message) {
	if msg.SDP == nil {
		return
	}
	s.mu.Lock()
	peer := s.peer
	expecting := s.status == StatusCalling && s.route == RouteP2P && peer != nil
	s.mu.Unlock()
	if !expecting {
		s.log.Debug().Msg("answer ignored, no outbound P2P offer pending")
		return
	}
	if err := peer.HandleAnswer(msg.SDP); err != nil {
		s.failCall(err)
		return
	}
	s.establish()
}

func (s *Session) handleCandidate(msg *signaling.Message) {
	if msg.Candidate == nil {
		return
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		// Candidate raced ahead of the offer/answer; drop it.
		return
	}
	if err := peer.AddCandidate(msg.Candidate); err != nil {
		s.log.Debug().Err(err).Msg("candidate rejected")
	}
}

// Accept answers an inbound ringing call. The session stays in the ringing
// state while the device and peer are set up, so a remote hangup or a second
// Accept racing the setup is detected before any resource is committed.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.status != StatusRinging || s.pendingOffer == nil {
		s.mu.Unlock()
		return ErrNoCall
	}
	offer := s.pendingOffer
	s.pendingOffer = nil
	room := s.room
	s.bumpTimerLocked()
	s.mu.Unlock()

	s.ringer.Stop()

	capture, err := s.devices.Acquire("")
	if err != nil {
		mediaErr := &MediaError{Err: err}
		s.failCall(mediaErr)
		return mediaErr
	}

	peer := s.newPeerLink()
	sender, err := peer.AddTrack(capture.Track())
	if err != nil {
		_ = capture.Close()
		s.devices.Release()
		peer.Teardown()
		s.failCall(err)
		return err
	}

	answer, err := peer.HandleOffer(offer)
	if err != nil {
		_ = capture.Close()
		s.devices.Release()
		peer.Teardown()
		s.failCall(err)
		return err
	}

	s.mu.Lock()
	if s.status != StatusRinging {
		// The caller hung up or gave up during setup; nothing was committed,
		// so the fresh peer connection is ours to tear down.
		s.mu.Unlock()
		peer.Teardown()
		_ = capture.Close()
		s.devices.Release()
		return ErrNoCall
	}
	s.capture = capture
	s.peer = peer
	s.sender = sender
	s.mu.Unlock()

	if err := s.channel.Send(room, &signaling.Message{Type: signaling.TypeAnswer, SDP: answer}); err != nil {
		s.log.Warn().Err(err).Msg("answer send failed")
	}

	s.establish()
	peer.EnableOffers()
	return nil
}

// Decline rejects an inbound ringing call and returns the session to idle.
// Declining twice, or after the caller gave up, is a no-op.
func (s *Session) Decline() {
	s.mu.Lock()
	if s.status != StatusRinging {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.finishCall("declined", true, StatusIdle)
}

// Hangup ends the current call and notifies the far end.
func (s *Session) Hangup() {
	s.endCall("local hangup", true)
}

// establish moves the session to in-call: ringer and ring timer stop, the
// call timer starts.
func (s *Session) establish() {
	s.mu.Lock()
	if s.status != StatusCalling && s.status != StatusRinging {
		s.mu.Unlock()
		return
	}
	s.status = StatusInCall
	s.connectedAt = time.Now()
	s.bumpTimerLocked()
	s.mu.Unlock()

	s.ringer.Stop()
	s.log.Info().Msg("call established")
	s.Emit(EventStatusChange, StatusInCall)
}

// ToggleMute flips the microphone mute and returns the new state. Mute
// detaches the track from the audio sender; unmute restores it.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	if s.status != StatusInCall && s.status != StatusCalling {
		s.mu.Unlock()
		return false, ErrNoCall
	}
	s.muted = !s.muted
	muted := s.muted
	sender := s.sender
	capture := s.capture
	s.mu.Unlock()

	if sender != nil {
		var err error
		if muted {
			err = sender.ReplaceTrack(nil)
		} else if capture != nil {
			err = sender.ReplaceTrack(capture.Track())
		}
		if err != nil {
			return muted, fmt.Errorf("replace track: %w", err)
		}
	}

	s.Emit(EventMuteChange, muted)
	return muted, nil
}

// SwitchMicrophone hot-swaps the capture device without interrupting the
// call. The new device is acquired and replaced on the live sender first;
// only then is the old capture closed, so the sender never holds a dead
// track and a failed swap keeps the old microphone active.
func (s *Session) SwitchMicrophone(deviceID string) error {
	s.mu.Lock()
	sender := s.sender
	muted := s.muted
	s.mu.Unlock()

	capture, err := s.devices.Acquire(deviceID)
	if err != nil {
		return &MediaError{Err: err}
	}

	if sender != nil && !muted {
		if err := sender.ReplaceTrack(capture.Track()); err != nil {
			_ = capture.Close()
			return fmt.Errorf("replace track: %w", err)
		}
	}

	s.mu.Lock()
	old := s.capture
	s.capture = capture
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.log.Info().Str("device", deviceID).Msg("microphone switched")
	return nil
}

// WriteAudio feeds microphone PCM to the SIP media leg. Frames written while
// muted are dropped silently; without an active SIP call the write fails.
func (s *Session) WriteAudio(samples []byte) error {
	s.mu.Lock()
	call := s.sipCall
	ok := s.route == RouteSIP && (s.status == StatusInCall || s.status == StatusCalling)
	muted := s.muted
	s.mu.Unlock()
	if !ok || call == nil {
		return ErrNoCall
	}
	if muted {
		return nil
	}
	return call.WritePCM(samples)
}

// SendDigit forwards a DTMF digit on the SIP route during an active call.
func (s *Session) SendDigit(digit rune) error {
	s.mu.Lock()
	call := s.sipCall
	ok := s.route == RouteSIP && (s.status == StatusInCall || s.status == StatusCalling)
	s.mu.Unlock()
	if !ok || call == nil {
		return ErrNoCall
	}
	return call.SendDigit(digit)
}

// Close tears the session down. Whether the far end gets a hangup signal for
// an active P2P call follows NotifyPeerOnClose. Idempotent and safe with no
// call active.
func (s *Session) Close() {
	s.endCall("closed", s.cfg.NotifyPeerOnClose)
}

// armRingTimer schedules the ring/ringback expiry for the given timer
// generation. A fire from a stale generation is a no-op.
func (s *Session) armRingTimer(gen int) {
	time.AfterFunc(s.cfg.RingTimeout, func() {
		s.mu.Lock()
		stale := gen != s.timerGen
		status := s.status
		s.mu.Unlock()
		if stale {
			return
		}
		switch status {
		case StatusCalling:
			s.log.Info().Msg("no answer, ending call")
			s.endCall("no answer", true)
		case StatusRinging:
			s.log.Info().Msg("unanswered, auto-declining")
			s.finishCall("unanswered", true, StatusIdle)
		}
	})
}

// bumpTimerLocked invalidates any armed ring timer and returns the new
// generation. Caller holds s.mu.
func (s *Session) bumpTimerLocked() int {
	s.timerGen++
	return s.timerGen
}

// resetLocked clears per-call state for a fresh call. Caller holds s.mu.
func (s *Session) resetLocked() {
	s.route = RouteNone
	s.room = ""
	s.peerName = ""
	s.peerID = ""
	s.pendingOffer = nil
	s.muted = false
	s.connectedAt = time.Time{}
	s.lastError = nil
}

// endCall is the single teardown path into the ended state. notifyPeer
// controls the outbound hangup; teardown triggered by a remote hangup never
// re-emits one.
func (s *Session) endCall(cause string, notifyPeer bool) {
	s.finishCall(cause, notifyPeer, StatusEnded)
}

// finishCall tears the call down into the given terminal state. A declined
// or unanswered ring returns to idle; everything else ends as ended.
func (s *Session) finishCall(cause string, notifyPeer bool, final Status) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	route := s.route
	room := s.room
	peer := s.peer
	capture := s.capture
	sipCall := s.sipCall
	s.peer = nil
	s.sender = nil
	s.capture = nil
	s.sipCall = nil
	s.pendingOffer = nil
	s.status = final
	s.bumpTimerLocked()
	s.mu.Unlock()

	s.ringer.Stop()

	if sipCall != nil {
		sipCall.Hangup()
	}
	if notifyPeer && route == RouteP2P && room != "" {
		if err := s.channel.Send(room, &signaling.Message{Type: signaling.TypeHangup}); err != nil {
			s.log.Debug().Err(err).Msg("hangup send failed")
		}
	}
	if peer != nil {
		peer.Teardown()
	}
	if capture != nil {
		_ = capture.Close()
	}
	s.devices.Release()
	if route == RouteP2P && room != "" {
		if err := s.channel.Leave(room); err != nil {
			s.log.Debug().Err(err).Msg("room leave failed")
		}
	}

	s.log.Info().Str("cause", cause).Msg("call ended")
	s.Emit(EventStatusChange, final)
}

// failCall tears the call down into the error state. Error is only reachable
// from a non-terminal state; a failure racing a finished teardown is a no-op.
func (s *Session) failCall(err error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	route := s.route
	room := s.room
	peer := s.peer
	capture := s.capture
	sipCall := s.sipCall
	s.peer = nil
	s.sender = nil
	s.capture = nil
	s.sipCall = nil
	s.pendingOffer = nil
	s.status = StatusError
	s.lastError = err
	s.bumpTimerLocked()
	s.mu.Unlock()

	s.ringer.Stop()

	if sipCall != nil {
		sipCall.Hangup()
	}
	if peer != nil {
		peer.Teardown()
	}
	if capture != nil {
		_ = capture.Close()
	}
	s.devices.Release()
	if route == RouteP2P && room != "" {
		_ = s.channel.Leave(room)
	}

	s.log.Error().Err(err).Msg("call failed")
	s.Emit(EventError, err)
	s.Emit(EventStatusChange, StatusError)
}
