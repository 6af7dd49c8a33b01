/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipua

import (
	"errors"
	"fmt"
)

// ErrNoSignalingURL is returned by New when the registrar address is missing
// from the configuration.
var ErrNoSignalingURL = errors.New("sipua: no SIP signaling URL configured")

// ErrNotRegistered is returned by Call when the user agent has not completed
// registration.
var ErrNotRegistered = errors.New("sipua: user agent is not registered")

// Failure is a terminal SIP-level call failure carrying the status line of
// the final response.
type Failure struct {
	Code   int
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("sipua: call failed: %d %s", f.Code, f.Reason)
}
