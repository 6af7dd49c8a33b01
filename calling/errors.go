/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when an operation requires an idle session but a call
// is already in progress.
var ErrBusy = errors.New("calling: a call is already in progress")

// ErrNoCall is returned by operations that need an active or ringing call
// when the session is idle.
var ErrNoCall = errors.New("calling: no call in progress")

// MediaError wraps a local media acquisition failure. The session enters the
// error state; signaling and peer resources are still cleaned up.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("calling: media acquisition failed: %v", e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// NegotiationError wraps an SDP offer/answer or ICE failure on the peer
// connection.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("calling: negotiation %s failed: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
