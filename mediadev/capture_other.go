/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

//go:build !linux || !cgo

package mediadev

import (
	"errors"

	"github.com/pion/mediadevices"
)

// ErrNoCaptureSupport is returned on platforms without a compiled-in
// microphone driver. Calls proceed receive-only.
var ErrNoCaptureSupport = errors.New("mediadev: microphone capture not supported on this platform")

func acquireTrack(string) (mediadevices.Track, error) {
	return nil, ErrNoCaptureSupport
}
