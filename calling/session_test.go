/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/openphonic/callkit/signaling"
)

// ---- Fakes ----

type fakeChannel struct {
	mu      sync.Mutex
	joined  map[string]bool
	sent    []sentMessage
	handler signaling.Handler
	count   int
	joinErr error
}

type sentMessage struct {
	room string
	msg  *signaling.Message
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{joined: make(map[string]bool)}
}

func (f *fakeChannel) Join(room string) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.mu.Lock()
	f.joined[room] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Leave(room string) error {
	f.mu.Lock()
	delete(f.joined, room)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(room string, msg *signaling.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{room: room, msg: msg})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) RoomCount(string) (int, error) {
	return f.count, nil
}

func (f *fakeChannel) OnMessage(h signaling.Handler) {
	f.handler = h
}

func (f *fakeChannel) deliver(room string, msg *signaling.Message) {
	f.handler(room, msg)
}

func (f *fakeChannel) isJoined(room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[room]
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) sentOfType(t signaling.MessageType) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, s := range f.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type fakeCapture struct {
	track webrtc.TrackLocal
	id    string

	mu     sync.Mutex
	closed bool
}

func (f *fakeCapture) Track() webrtc.TrackLocal { return f.track }
func (f *fakeCapture) DeviceID() string         { return f.id }

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDevices struct {
	mu         sync.Mutex
	acquireErr error
	acquired   []string
	captures   []*fakeCapture
	released   int
}

func (f *fakeDevices) Acquire(deviceID string) (Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired = append(f.acquired, deviceID)
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		fmt.Sprintf("audio-%d", len(f.acquired)), "callkit-test",
	)
	if err != nil {
		return nil, err
	}
	capture := &fakeCapture{track: track, id: deviceID}
	f.captures = append(f.captures, capture)
	return capture, nil
}

func (f *fakeDevices) Release() {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

// gatedDevices parks Acquire until the test releases it, exposing the setup
// window between a call action and its resource commit.
type gatedDevices struct {
	inner   fakeDevices
	entered chan struct{}
	proceed chan struct{}
}

func newGatedDevices() *gatedDevices {
	return &gatedDevices{
		entered: make(chan struct{}, 1),
		proceed: make(chan struct{}),
	}
}

func (g *gatedDevices) Acquire(deviceID string) (Capture, error) {
	g.entered <- struct{}{}
	<-g.proceed
	return g.inner.Acquire(deviceID)
}

func (g *gatedDevices) Release() { g.inner.Release() }

type fakeSIPCall struct {
	mu      sync.Mutex
	hangups int
	digits  []rune
	sink    AudioSink
	frames  [][]byte
}

func (f *fakeSIPCall) Hangup() {
	f.mu.Lock()
	f.hangups++
	f.mu.Unlock()
}

func (f *fakeSIPCall) SendDigit(d rune) error {
	f.mu.Lock()
	f.digits = append(f.digits, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeSIPCall) WritePCM(samples []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, samples)
	f.mu.Unlock()
	return nil
}

func (f *fakeSIPCall) SetAudioSink(sink AudioSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeSIPCall) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeSIP struct {
	registered bool
	dialed     []string
	cb         SIPCallbacks
	call       *fakeSIPCall
	dialErr    error
}

func (f *fakeSIP) Registered() bool { return f.registered }

func (f *fakeSIP) Dial(_ context.Context, dest string, cb SIPCallbacks) (SIPCall, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.dialed = append(f.dialed, dest)
	f.cb = cb
	f.call = &fakeSIPCall{}
	return f.call, nil
}

type pcmRecorder struct {
	mu     sync.Mutex
	frames int
}

func (r *pcmRecorder) WritePCM([]byte) error {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
	return nil
}

// ---- Helpers ----

type sessionFixture struct {
	session *Session
	channel *fakeChannel
	devices *fakeDevices
	sip     *fakeSIP
}

func newFixture(t *testing.T, mutate func(*Config)) *sessionFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UserID = "u-1"
	cfg.DisplayName = "Alice"
	cfg.DefaultCountryCode = "55"
	cfg.Logger = zerolog.Nop()
	if mutate != nil {
		mutate(cfg)
	}
	channel := newFakeChannel()
	devices := &fakeDevices{}
	sip := &fakeSIP{registered: true}
	session := NewSession(cfg, channel, sip, devices)
	t.Cleanup(session.Close)
	return &sessionFixture{session: session, channel: channel, devices: devices, sip: sip}
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want %q", s.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitSent polls until the channel has carried want messages of the given
// type; offers arrive asynchronously through the negotiation-needed handler.
func waitSent(t *testing.T, ch *fakeChannel, typ signaling.MessageType, want int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := ch.sentOfType(typ)
		if len(msgs) >= want {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d %q messages, want %d", len(msgs), typ, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dummyOffer() *signaling.Message {
	return &signaling.Message{
		Type:     signaling.TypeOffer,
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		FromName: "Bob",
		FromID:   "u-2",
	}
}

// realOffer builds an inbound offer message from a real caller-side peer
// connection so Accept can apply it.
func realOffer(t *testing.T) *signaling.Message {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("caller peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "caller",
	)
	if err != nil {
		t.Fatalf("caller track: %v", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		t.Fatalf("caller AddTrack: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("caller CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("caller SetLocalDescription: %v", err)
	}
	return &signaling.Message{
		Type:     signaling.TypeOffer,
		SDP:      &offer,
		FromName: "Bob",
		FromID:   "u-2",
	}
}

// answerFor builds a real answer to the session's outbound offer using a
// second peer connection.
func answerFor(t *testing.T, offer *webrtc.SessionDescription) *webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("answering peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	if err := pc.SetRemoteDescription(*offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	return &answer
}

// ---- Tests ----

func TestDialValidation(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), ""); err == nil {
		t.Error("Dial with empty destination should fail")
	}

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if err := f.session.Dial(context.Background(), "room2"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Dial() error = %v, want ErrBusy", err)
	}
}

func TestDialP2PSendsOfferWithIdentity(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if f.session.Status() != StatusCalling {
		t.Errorf("status = %q, want calling", f.session.Status())
	}
	if f.session.Route() != RouteP2P {
		t.Errorf("route = %q, want p2p", f.session.Route())
	}
	if !f.channel.isJoined("room1") {
		t.Error("session did not join the room")
	}

	offers := waitSent(t, f.channel, signaling.TypeOffer, 1)
	offer := offers[0]
	if offer.room != "room1" {
		t.Errorf("offer room = %q, want room1", offer.room)
	}
	if offer.msg.FromName != "Alice" || offer.msg.FromID != "u-1" {
		t.Errorf("offer identity = %q/%q, want Alice/u-1", offer.msg.FromName, offer.msg.FromID)
	}
	if offer.msg.SDP == nil {
		t.Error("offer carries no SDP")
	}
	if !f.session.ringer.Running() {
		t.Error("ringback tone not running while calling")
	}
}

func TestAnswerEstablishesCall(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	offer := waitSent(t, f.channel, signaling.TypeOffer, 1)[0].msg.SDP

	f.channel.deliver("room1", &signaling.Message{
		Type: signaling.TypeAnswer,
		SDP:  answerFor(t, offer),
	})

	waitStatus(t, f.session, StatusInCall)
	if f.session.ringer.Running() {
		t.Error("ringback still running after establish")
	}
}

func TestAcceptEstablishesCall(t *testing.T) {
	f := newFixture(t, nil)

	f.channel.deliver("room1", realOffer(t))
	if f.session.Status() != StatusRinging {
		t.Fatalf("status = %q, want ringing", f.session.Status())
	}
	if !f.session.ringer.Running() {
		t.Error("ring tone not running while ringing")
	}

	if err := f.session.Accept(); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if got := f.session.Status(); got != StatusInCall {
		t.Errorf("status = %q, want in-call", got)
	}
	if f.session.ringer.Running() {
		t.Error("ring tone still running after accept")
	}

	answers := f.channel.sentOfType(signaling.TypeAnswer)
	if len(answers) != 1 || answers[0].msg.SDP == nil {
		t.Fatalf("sent %d answers, want 1 with SDP", len(answers))
	}
	if answers[0].room != "room1" {
		t.Errorf("answer room = %q, want room1", answers[0].room)
	}
	if got := f.session.ElapsedString(); !strings.HasPrefix(got, "00:0") {
		t.Errorf("elapsed = %q, want a counter starting at zero", got)
	}
}

func TestAcceptTwiceFails(t *testing.T) {
	f := newFixture(t, nil)

	f.channel.deliver("room1", realOffer(t))
	if err := f.session.Accept(); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if err := f.session.Accept(); !errors.Is(err, ErrNoCall) {
		t.Errorf("second Accept() error = %v, want ErrNoCall", err)
	}
}

func TestOfferDuringDialSetupIsIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserID = "u-1"
	cfg.DisplayName = "Alice"
	cfg.Logger = zerolog.Nop()
	channel := newFakeChannel()
	devices := newGatedDevices()
	session := NewSession(cfg, channel, &fakeSIP{}, devices)
	t.Cleanup(session.Close)

	errCh := make(chan error, 1)
	go func() { errCh <- session.Dial(context.Background(), "room1") }()
	<-devices.entered

	// An inbound offer while Dial is still acquiring the microphone must not
	// take over the session.
	channel.deliver("room2", dummyOffer())
	if got := session.Status(); got != StatusCalling {
		t.Errorf("status during dial setup = %q, want calling", got)
	}
	if name, _ := session.Peer(); name != "" {
		t.Errorf("peer = %q, inbound offer adopted mid-dial", name)
	}

	close(devices.proceed)
	if err := <-errCh; err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if got := session.Status(); got != StatusCalling {
		t.Errorf("status after dial = %q, want calling", got)
	}
	session.mu.Lock()
	pending := session.pendingOffer != nil
	session.mu.Unlock()
	if pending {
		t.Error("ignored offer left a pending offer behind")
	}
}

func TestRemoteHangupDuringAcceptSetup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserID = "u-1"
	cfg.DisplayName = "Alice"
	cfg.Logger = zerolog.Nop()
	channel := newFakeChannel()
	devices := newGatedDevices()
	session := NewSession(cfg, channel, &fakeSIP{}, devices)
	t.Cleanup(session.Close)

	channel.deliver("room1", realOffer(t))
	if got := session.Status(); got != StatusRinging {
		t.Fatalf("status = %q, want ringing", got)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Accept() }()
	<-devices.entered

	// The caller gives up while Accept is still acquiring the microphone.
	channel.deliver("room1", &signaling.Message{Type: signaling.TypeHangup})
	waitStatus(t, session, StatusEnded)

	close(devices.proceed)
	if err := <-errCh; !errors.Is(err, ErrNoCall) {
		t.Fatalf("Accept() error = %v, want ErrNoCall", err)
	}
	session.mu.Lock()
	leaked := session.peer != nil
	session.mu.Unlock()
	if leaked {
		t.Error("peer connection committed after the call already ended")
	}
	if got := session.Status(); got != StatusEnded {
		t.Errorf("status = %q, want ended", got)
	}
}

func TestStaleRingbackTimerIsNoOp(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.RingTimeout = 200 * time.Millisecond })

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	offer := waitSent(t, f.channel, signaling.TypeOffer, 1)[0].msg.SDP
	f.channel.deliver("room1", &signaling.Message{
		Type: signaling.TypeAnswer,
		SDP:  answerFor(t, offer),
	})
	waitStatus(t, f.session, StatusInCall)

	// Let the original ring timer fire; the call must survive it.
	time.Sleep(300 * time.Millisecond)
	if got := f.session.Status(); got != StatusInCall {
		t.Errorf("status after stale timer = %q, want in-call", got)
	}
}

func TestRingbackTimeoutEndsCall(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.RingTimeout = 60 * time.Millisecond })

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	waitStatus(t, f.session, StatusEnded)

	if hangups := f.channel.sentOfType(signaling.TypeHangup); len(hangups) != 1 {
		t.Errorf("sent %d hangups, want exactly 1", len(hangups))
	}
	if f.session.ringer.Running() {
		t.Error("ringback still running after timeout")
	}
}

func TestInboundOfferRingsAndAutoDeclines(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.RingTimeout = 60 * time.Millisecond })

	var incoming []IncomingInfo
	var mu sync.Mutex
	f.session.On(EventIncoming, func(data interface{}) {
		mu.Lock()
		incoming = append(incoming, data.(IncomingInfo))
		mu.Unlock()
	})

	f.channel.deliver("room1", dummyOffer())
	if f.session.Status() != StatusRinging {
		t.Fatalf("status = %q, want ringing", f.session.Status())
	}
	mu.Lock()
	if len(incoming) != 1 || incoming[0].FromName != "Bob" || incoming[0].FromID != "u-2" {
		t.Errorf("incoming = %+v, want one event from Bob/u-2", incoming)
	}
	mu.Unlock()
	if !f.session.ringer.Running() {
		t.Error("ring tone not running while ringing")
	}

	waitStatus(t, f.session, StatusIdle)
	if hangups := f.channel.sentOfType(signaling.TypeHangup); len(hangups) != 1 {
		t.Errorf("sent %d hangups after auto-decline, want 1", len(hangups))
	}
}

func TestDeclineReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)

	f.channel.deliver("room1", dummyOffer())
	f.session.Decline()
	if got := f.session.Status(); got != StatusIdle {
		t.Fatalf("status after decline = %q, want idle", got)
	}
	f.session.Decline()
	f.session.Decline()

	if hangups := f.channel.sentOfType(signaling.TypeHangup); len(hangups) != 1 {
		t.Errorf("sent %d hangups, want exactly 1", len(hangups))
	}
}

func TestOfferWhileBusyIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	f.channel.deliver("room2", dummyOffer())

	if got := f.session.Status(); got != StatusCalling {
		t.Errorf("status = %q, want calling (second offer ignored)", got)
	}
	name, _ := f.session.Peer()
	if name == "Bob" {
		t.Error("busy session adopted the second offer's peer")
	}
}

func TestRemoteHangupDoesNotReemit(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	f.channel.deliver("room1", &signaling.Message{Type: signaling.TypeHangup})
	waitStatus(t, f.session, StatusEnded)

	if hangups := f.channel.sentOfType(signaling.TypeHangup); len(hangups) != 0 {
		t.Errorf("session echoed %d hangups back, want 0", len(hangups))
	}
}

func TestMediaFailureAbortsBeforeSignaling(t *testing.T) {
	f := newFixture(t, nil)
	f.devices.acquireErr = errors.New("permission denied")

	err := f.session.Dial(context.Background(), "room1")
	var mediaErr *MediaError
	if !errors.As(err, &mediaErr) {
		t.Fatalf("Dial() error = %v, want MediaError", err)
	}
	waitStatus(t, f.session, StatusError)

	if got := f.channel.sentCount(); got != 0 {
		t.Errorf("%d signaling messages sent despite media failure", got)
	}
	if f.channel.isJoined("room1") {
		t.Error("room joined despite media failure")
	}
}

func TestSIPRouteSelectionAndNormalization(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "+5511999998888"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if f.session.Route() != RouteSIP {
		t.Fatalf("route = %q, want sip", f.session.Route())
	}
	if len(f.sip.dialed) != 1 || f.sip.dialed[0] != "11999998888" {
		t.Errorf("dialed = %v, want [11999998888]", f.sip.dialed)
	}

	f.sip.cb.OnAccepted()
	waitStatus(t, f.session, StatusInCall)

	f.sip.cb.OnEnded("remote hangup")
	waitStatus(t, f.session, StatusEnded)
}

func TestSIPFailureMovesToError(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "+5511999998888"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	f.sip.cb.OnFailed(errors.New("486 Busy Here"))
	waitStatus(t, f.session, StatusError)
	if f.session.LastError() == nil {
		t.Error("LastError() is nil after SIP failure")
	}
}

func TestUnregisteredSIPFallsBackToP2P(t *testing.T) {
	f := newFixture(t, nil)
	f.sip.registered = false

	if err := f.session.Dial(context.Background(), "+5511999998888"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if f.session.Route() != RouteP2P {
		t.Errorf("route = %q, want p2p when SIP is unregistered", f.session.Route())
	}
	if len(f.sip.dialed) != 0 {
		t.Errorf("SIP dialer used while unregistered: %v", f.sip.dialed)
	}
}

func TestSIPAudioBridging(t *testing.T) {
	speaker := &pcmRecorder{}
	f := newFixture(t, func(cfg *Config) { cfg.CallAudioSink = speaker })

	frame := make([]byte, 320)
	if err := f.session.WriteAudio(frame); !errors.Is(err, ErrNoCall) {
		t.Errorf("WriteAudio() idle error = %v, want ErrNoCall", err)
	}

	if err := f.session.Dial(context.Background(), "+5511999998888"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	f.sip.cb.OnAccepted()
	waitStatus(t, f.session, StatusInCall)

	// Downlink: the configured speaker sink is attached to the SIP leg.
	f.sip.call.mu.Lock()
	sink := f.sip.call.sink
	f.sip.call.mu.Unlock()
	if sink != AudioSink(speaker) {
		t.Fatal("call audio sink not attached to the SIP leg")
	}

	// Uplink: WriteAudio reaches the leg, mute gates it.
	if err := f.session.WriteAudio(frame); err != nil {
		t.Fatalf("WriteAudio() error: %v", err)
	}
	if got := f.sip.call.frameCount(); got != 1 {
		t.Errorf("leg received %d frames, want 1", got)
	}
	if _, err := f.session.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute() error: %v", err)
	}
	if err := f.session.WriteAudio(frame); err != nil {
		t.Fatalf("WriteAudio() while muted error: %v", err)
	}
	if got := f.sip.call.frameCount(); got != 1 {
		t.Errorf("muted frame reached the leg, count = %d", got)
	}

	f.session.Hangup()
	if err := f.session.WriteAudio(frame); !errors.Is(err, ErrNoCall) {
		t.Errorf("WriteAudio() after hangup error = %v, want ErrNoCall", err)
	}
}

func TestSendDigit(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.SendDigit('5'); !errors.Is(err, ErrNoCall) {
		t.Errorf("SendDigit() idle error = %v, want ErrNoCall", err)
	}

	if err := f.session.Dial(context.Background(), "+5511999998888"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	f.sip.cb.OnAccepted()
	waitStatus(t, f.session, StatusInCall)

	if err := f.session.SendDigit('5'); err != nil {
		t.Fatalf("SendDigit() error: %v", err)
	}
	if len(f.sip.call.digits) != 1 || f.sip.call.digits[0] != '5' {
		t.Errorf("digits = %v, want ['5']", f.sip.call.digits)
	}
}

func TestToggleMute(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.session.ToggleMute(); !errors.Is(err, ErrNoCall) {
		t.Errorf("ToggleMute() idle error = %v, want ErrNoCall", err)
	}

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	muted, err := f.session.ToggleMute()
	if err != nil {
		t.Fatalf("ToggleMute() error: %v", err)
	}
	if !muted || !f.session.Muted() {
		t.Error("first toggle should mute")
	}
	muted, err = f.session.ToggleMute()
	if err != nil {
		t.Fatalf("ToggleMute() error: %v", err)
	}
	if muted || f.session.Muted() {
		t.Error("second toggle should unmute")
	}
}

func TestSwitchMicrophoneKeepsCall(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.session.Dial(context.Background(), "room1"); err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if err := f.session.SwitchMicrophone("mic-2"); err != nil {
		t.Fatalf("SwitchMicrophone() error: %v", err)
	}
	if got := f.session.Status(); got != StatusCalling {
		t.Errorf("status after switch = %q, want calling", got)
	}

	f.devices.mu.Lock()
	acquired := append([]string(nil), f.devices.acquired...)
	captures := append([]*fakeCapture(nil), f.devices.captures...)
	f.devices.mu.Unlock()
	if len(acquired) != 2 || acquired[1] != "mic-2" {
		t.Fatalf("acquired = %v, want default then mic-2", acquired)
	}
	// The old capture is closed only after the swap; the new one stays live.
	if !captures[0].isClosed() {
		t.Error("old capture still open after switch")
	}
	if captures[1].isClosed() {
		t.Error("new capture closed by the switch")
	}
}

func TestCloseNotifyPeerConfig(t *testing.T) {
	t.Run("notifies by default", func(t *testing.T) {
		f := newFixture(t, nil)
		if err := f.session.Dial(context.Background(), "room1"); err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		f.session.Close()
		if hangups := f.channel.sentOfType(signaling.TypeHangup); len(hangups) != 1 {
			t.Errorf("sent %d hangups on close, want 1", len(hangups))
		}
	})

	t.Run("silent when disabled", func(t *testing.T) {
		f := newFixture(t, func(cfg *Config) { cfg.NotifyPeerOnClose = false })
		if err := f.session.Dial(context.Background(), "room1"); err != nil {
			t.Fatalf("Dial() error: %v", err)
		}
		f.session.Close()
		if hangups := f.channel.sentOfType(signaling.TypeHangup); len(hangups) != 0 {
			t.Errorf("sent %d hangups on close, want 0", len(hangups))
		}
	})

	t.Run("idempotent with no call", func(t *testing.T) {
		f := newFixture(t, nil)
		f.session.Close()
		f.session.Close()
	})
}

func TestElapsedString(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.session.ElapsedString(); got != "00:00" {
		t.Errorf("ElapsedString() idle = %q, want 00:00", got)
	}
}
