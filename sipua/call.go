/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipua

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Callbacks receive the lifecycle of one outbound call attempt. OnProgress
// fires for provisional responses, OnAccepted once on answer. Exactly one of
// OnEnded or OnFailed fires per attempt, never both, never twice.
type Callbacks struct {
	OnProgress func(code int, reason string)
	OnAccepted func()
	OnEnded    func(cause string)
	OnFailed   func(err error)
}

// Call is one outbound SIP dialog and its RTP media leg.
type Call struct {
	ua  *UA
	log zerolog.Logger
	cb  Callbacks

	id       string // Call-ID
	dest     string
	localTag string
	leg      *rtpLeg

	mu       sync.Mutex
	answered bool
	invite   *sip.Request
	inviteOK *sip.Response

	cancelInvite context.CancelFunc
	terminal     sync.Once
	done         chan struct{}
}

// Call places an outbound call. dest must already be in dialable form (see
// Normalize). The returned Call is live immediately; progress and outcome
// arrive through the callbacks. Cancelling ctx before answer cancels the
// INVITE.
func (u *UA) Call(ctx context.Context, dest string, cb Callbacks) (*Call, error) {
	if !u.Registered() {
		return nil, ErrNotRegistered
	}

	leg, err := newRTPLeg(u.log)
	if err != nil {
		return nil, err
	}

	inviteCtx, cancel := context.WithCancel(ctx)
	c := &Call{
		ua:           u,
		log:          u.log.With().Str("dest", dest).Logger(),
		cb:           cb,
		id:           uuid.New().String(),
		dest:         dest,
		localTag:     newTag(),
		leg:          leg,
		cancelInvite: cancel,
		done:         make(chan struct{}),
	}
	u.addCall(c)

	go c.run(inviteCtx)
	return c, nil
}

// ID returns the SIP Call-ID.
func (c *Call) ID() string { return c.id }

// Answered reports whether the call has been accepted by the far end.
func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// SetAudioSink installs the receiver for decoded inbound audio.
func (c *Call) SetAudioSink(sink PCMSink) { c.leg.SetSink(sink) }

// WritePCM sends one 20 ms frame of 16-bit LE PCM to the far end.
func (c *Call) WritePCM(samples []byte) error { return c.leg.WritePCM(samples) }

// SendDigit transmits a DTMF digit on the media leg.
func (c *Call) SendDigit(digit rune) error { return c.leg.sendDigit(digit) }

// run drives the INVITE transaction to a terminal state.
func (c *Call) run(ctx context.Context) {
	offer, err := buildOffer(c.ua.localIP(), c.leg.LocalPort())
	if err != nil {
		c.fail(fmt.Errorf("build offer: %w", err))
		return
	}

	var authorization string
	for attempt := 0; ; attempt++ {
		if attempt >= 3 {
			c.fail(fmt.Errorf("INVITE auth retries exhausted"))
			return
		}

		invite := c.buildInvite(offer)
		if authorization != "" {
			invite.AppendHeader(sip.NewHeader("Authorization", authorization))
		}

		resp, err := c.executeInvite(ctx, invite)
		if err != nil {
			c.fail(err)
			return
		}
		if resp == nil {
			// Terminal state already reached (cancelled or hung up).
			return
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.accepted(invite, resp)
			return
		case resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired:
			authorization, err = c.ua.answerChallenge(invite, resp)
			if err != nil {
				c.fail(err)
				return
			}
			// New attempt with fresh branch and credentials.
		default:
			c.fail(&Failure{Code: int(resp.StatusCode), Reason: resp.Reason})
			return
		}
	}
}

func (c *Call) buildInvite(offer []byte) *sip.Request {
	target := sip.Uri{
		Scheme: "sip",
		User:   c.dest,
		Host:   c.ua.registrarHost,
		Port:   c.ua.registrarPort,
	}
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: c.ua.cfg.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: c.ua.cfg.Username, Host: c.ua.cfg.Domain},
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.id)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contact := sip.Uri{
		Scheme: "sip",
		User:   c.ua.cfg.Username,
		Host:   c.ua.localIP(),
		Port:   listenPort(c.ua.cfg.ListenAddr),
	}
	invite.AppendHeader(&sip.ContactHeader{Address: contact})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)

	return invite
}

// executeInvite sends one INVITE and waits for its final response. A nil
// response with nil error means the attempt ended through cancellation.
func (c *Call) executeInvite(ctx context.Context, invite *sip.Request) (*sip.Response, error) {
	tx, err := c.ua.client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("send INVITE: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("INVITE transaction ended without response")
			}
			code := int(resp.StatusCode)
			switch {
			case code == 100:
				// Trying.
			case code < 200:
				c.log.Debug().Int("status", code).Str("reason", resp.Reason).Msg("call progress")
				if c.cb.OnProgress != nil {
					c.cb.OnProgress(code, resp.Reason)
				}
			default:
				return resp, nil
			}
		case <-ctx.Done():
			c.sendCancel(invite)
			c.end("cancelled")
			return nil, nil
		case <-tx.Done():
			return nil, fmt.Errorf("INVITE transaction terminated")
		}
	}
}

func (c *Call) accepted(invite *sip.Request, resp *sip.Response) {
	c.mu.Lock()
	c.invite = invite
	c.inviteOK = resp
	c.answered = true
	c.mu.Unlock()

	if err := c.sendAck(invite, resp); err != nil {
		c.log.Warn().Err(err).Msg("ACK failed")
	}

	if body := resp.Body(); len(body) > 0 {
		addr, port, err := parseAnswer(body)
		if err != nil {
			c.log.Warn().Err(err).Msg("SDP answer unusable, no media will flow")
		} else if err := c.leg.SetRemote(addr, port); err != nil {
			c.log.Warn().Err(err).Msg("remote media endpoint unusable")
		}
	}

	c.log.Info().Msg("call accepted")
	if c.cb.OnAccepted != nil {
		c.cb.OnAccepted()
	}
}

// sendAck acknowledges a 2xx. The Request-URI comes from the Contact header
// of the response.
func (c *Call) sendAck(invite *sip.Request, resp *sip.Response) error {
	target := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		target = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, target)

	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetDestination(requestDestination(target, resp))
	if err := c.ua.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("write ACK: %w", err)
	}
	return nil
}

func (c *Call) sendCancel(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := c.ua.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		c.log.Debug().Err(err).Msg("CANCEL failed")
		return
	}
	defer tx.Terminate()
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
}

func (c *Call) sendBye(invite *sip.Request, resp *sip.Response) {
	target := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		target = contact.Address
	}
	bye := sip.NewRequest(sip.BYE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, bye)
	sip.CopyHeaders("Call-ID", invite, bye)
	if to := resp.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}
	bye.SetDestination(requestDestination(target, resp))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := c.ua.client.TransactionRequest(ctx, bye)
	if err != nil {
		c.log.Debug().Err(err).Msg("BYE failed")
		return
	}
	defer tx.Terminate()
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
}

// Hangup ends the call from our side: CANCEL while still ringing, BYE once
// answered. Safe to call at any time, including after the call ended.
func (c *Call) Hangup() {
	c.mu.Lock()
	answered := c.answered
	invite, inviteOK := c.invite, c.inviteOK
	c.mu.Unlock()

	if !answered {
		c.cancelInvite()
		return
	}
	c.terminal.Do(func() {
		c.sendBye(invite, inviteOK)
		c.cleanup()
		c.log.Info().Msg("call ended locally")
		if c.cb.OnEnded != nil {
			c.cb.OnEnded("local hangup")
		}
	})
}

// remoteEnded handles a BYE from the far end.
func (c *Call) remoteEnded(cause string) {
	c.terminal.Do(func() {
		c.cleanup()
		c.log.Info().Str("cause", cause).Msg("call ended remotely")
		if c.cb.OnEnded != nil {
			c.cb.OnEnded(cause)
		}
	})
}

func (c *Call) end(cause string) {
	c.terminal.Do(func() {
		c.cleanup()
		c.log.Info().Str("cause", cause).Msg("call ended")
		if c.cb.OnEnded != nil {
			c.cb.OnEnded(cause)
		}
	})
}

func (c *Call) fail(err error) {
	c.terminal.Do(func() {
		c.cleanup()
		c.log.Warn().Err(err).Msg("call failed")
		if c.cb.OnFailed != nil {
			c.cb.OnFailed(err)
		}
	})
}

func (c *Call) cleanup() {
	c.cancelInvite()
	_ = c.leg.Close()
	c.ua.removeCall(c.id)
	close(c.done)
}

// requestDestination derives the transport destination for in-dialog
// requests from the remote target URI, falling back to the response source.
func requestDestination(target sip.Uri, resp *sip.Response) string {
	port := target.Port
	if port == 0 {
		port = 5060
	}
	dest := target.Host + ":" + strconv.Itoa(port)
	if src := resp.Source(); src != "" {
		dest = src
	}
	return dest
}
