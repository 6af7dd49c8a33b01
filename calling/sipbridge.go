/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"

	"github.com/openphonic/callkit/sipua"
)

// sipBridge adapts the sipua user agent to the SIPDialer interface.
type sipBridge struct {
	ua *sipua.UA
}

// NewSIPDialer exposes a sipua.UA as a session SIP dialer.
func NewSIPDialer(ua *sipua.UA) SIPDialer {
	return &sipBridge{ua: ua}
}

func (b *sipBridge) Registered() bool {
	return b.ua.Registered()
}

func (b *sipBridge) Dial(ctx context.Context, dest string, cb SIPCallbacks) (SIPCall, error) {
	call, err := b.ua.Call(ctx, dest, sipua.Callbacks{
		OnProgress: cb.OnProgress,
		OnAccepted: cb.OnAccepted,
		OnEnded:    cb.OnEnded,
		OnFailed:   cb.OnFailed,
	})
	if err != nil {
		return nil, err
	}
	return &sipCallBridge{call: call}, nil
}

// sipCallBridge adapts one sipua call to the SIPCall interface.
type sipCallBridge struct {
	call *sipua.Call
}

func (b *sipCallBridge) Hangup()                  { b.call.Hangup() }
func (b *sipCallBridge) SendDigit(d rune) error   { return b.call.SendDigit(d) }
func (b *sipCallBridge) WritePCM(s []byte) error  { return b.call.WritePCM(s) }
func (b *sipCallBridge) SetAudioSink(s AudioSink) { b.call.SetAudioSink(s) }
