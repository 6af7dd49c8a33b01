/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// defaultSTUNServers are used when no STUN/TURN configuration is given.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// BuildICEServers assembles the ICE server list from STUN and TURN URL
// lists. TURN credentials apply to every TURN entry.
func BuildICEServers(stunURLs, turnURLs []string, turnUsername, turnCredential string) []webrtc.ICEServer {
	if len(stunURLs) == 0 {
		stunURLs = defaultSTUNServers
	}
	servers := []webrtc.ICEServer{{URLs: stunURLs}}
	if len(turnURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers
}

// PeerConfig wires the PeerLink callbacks.
type PeerConfig struct {
	ICEServers []webrtc.ICEServer
	// OnCandidate receives local ICE candidates for the signaling channel.
	OnCandidate func(*webrtc.ICECandidateInit)
	// OnOffer receives offers produced by the negotiation-needed handler,
	// ready to send through the signaling channel.
	OnOffer func(*webrtc.SessionDescription)
	// OnTrack receives the remote audio track.
	OnTrack func(*webrtc.TrackRemote)
	// OnClosed fires when the connection reaches disconnected, failed or
	// closed state.
	OnClosed func(state webrtc.PeerConnectionState)
	Logger   zerolog.Logger
}

// PeerLink owns the lazily created peer connection for the P2P route. The
// connection is built on first Ensure and destroyed on Teardown; offer
// creation is single-flight so overlapping negotiation triggers collapse
// into one offer.
type PeerLink struct {
	cfg PeerConfig
	log zerolog.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	makingOffer bool
	offering    bool
}

// NewPeerLink creates an empty link. No connection exists until Ensure.
func NewPeerLink(cfg PeerConfig) *PeerLink {
	return &PeerLink{cfg: cfg, log: cfg.Logger}
}

// Ensure returns the live peer connection, creating it on first use.
func (p *PeerLink) Ensure() (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureLocked()
}

func (p *PeerLink) ensureLocked() (*webrtc.PeerConnection, error) {
	if p.pc != nil {
		return p.pc, nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, &NegotiationError{Op: "codec setup", Err: err}
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, &NegotiationError{Op: "interceptor setup", Err: err}
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, &NegotiationError{Op: "create peer connection", Err: err}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.cfg.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		p.cfg.OnCandidate(&init)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug().Str("kind", track.Kind().String()).Msg("remote track")
		if p.cfg.OnTrack != nil {
			p.cfg.OnTrack(track)
		}
	})
	pc.OnNegotiationNeeded(func() {
		p.mu.Lock()
		offering := p.offering
		p.mu.Unlock()
		if !offering {
			// The answering side must not produce offers while it is still
			// applying the remote one.
			return
		}
		offer, err := p.CreateOffer()
		if err != nil {
			p.log.Warn().Err(err).Msg("negotiation offer failed")
			return
		}
		if offer != nil && p.cfg.OnOffer != nil {
			p.cfg.OnOffer(offer)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if p.cfg.OnClosed != nil {
				p.cfg.OnClosed(state)
			}
		}
	})

	p.pc = pc
	return pc, nil
}

// EnableOffers lets the negotiation-needed handler produce offers. The
// offering side enables this before adding tracks; the answering side only
// after the initial offer/answer exchange settled.
func (p *PeerLink) EnableOffers() {
	p.mu.Lock()
	p.offering = true
	p.mu.Unlock()
}

// AddTrack attaches a local track, creating the connection if needed.
func (p *PeerLink) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, err := p.ensureLocked()
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, &NegotiationError{Op: "add track", Err: err}
	}
	return sender, nil
}

// CreateOffer produces and applies a local offer. While an offer is already
// in flight, CreateOffer returns (nil, nil) and the caller sends nothing.
func (p *PeerLink) CreateOffer() (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.makingOffer {
		p.mu.Unlock()
		return nil, nil
	}
	p.makingOffer = true
	pc, err := p.ensureLocked()
	p.mu.Unlock()
	if err != nil {
		p.clearOfferFlag()
		return nil, err
	}

	defer p.clearOfferFlag()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, &NegotiationError{Op: "create offer", Err: err}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, &NegotiationError{Op: "set local offer", Err: err}
	}
	return &offer, nil
}

func (p *PeerLink) clearOfferFlag() {
	p.mu.Lock()
	p.makingOffer = false
	p.mu.Unlock()
}

// HandleOffer applies a remote offer and returns the local answer.
func (p *PeerLink) HandleOffer(offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := p.Ensure()
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(*offer); err != nil {
		return nil, &NegotiationError{Op: "set remote offer", Err: err}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, &NegotiationError{Op: "create answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, &NegotiationError{Op: "set local answer", Err: err}
	}
	return &answer, nil
}

// HandleAnswer applies the remote answer to our outstanding offer.
func (p *PeerLink) HandleAnswer(answer *webrtc.SessionDescription) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return &NegotiationError{Op: "set remote answer", Err: fmt.Errorf("no peer connection")}
	}
	if err := pc.SetRemoteDescription(*answer); err != nil {
		return &NegotiationError{Op: "set remote answer", Err: err}
	}
	return nil
}

// AddCandidate feeds a remote ICE candidate to the live connection.
// Candidates arriving without a connection are dropped.
func (p *PeerLink) AddCandidate(candidate *webrtc.ICECandidateInit) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	if err := pc.AddICECandidate(*candidate); err != nil {
		return &NegotiationError{Op: "add candidate", Err: err}
	}
	return nil
}

// Live reports whether a peer connection currently exists.
func (p *PeerLink) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc != nil
}

// State returns the connection and ICE state strings, or "none"/"none" when
// no connection exists.
func (p *PeerLink) State() (connection, ice string) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return "none", "none"
	}
	return pc.ConnectionState().String(), pc.ICEConnectionState().String()
}

// Teardown removes all senders and closes the connection. Idempotent.
func (p *PeerLink) Teardown() {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.makingOffer = false
	p.offering = false
	p.mu.Unlock()
	if pc == nil {
		return
	}
	for _, sender := range pc.GetSenders() {
		_ = pc.RemoveTrack(sender)
	}
	if err := pc.Close(); err != nil {
		p.log.Debug().Err(err).Msg("peer connection close")
	}
}
