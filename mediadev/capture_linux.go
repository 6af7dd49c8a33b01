/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

//go:build linux && cgo

package mediadev

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
)

// acquireTrack opens a microphone via pion/mediadevices (malgo on Linux)
// encoded as Opus for the peer connection.
func acquireTrack(deviceID string) (mediadevices.Track, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.StringExact(deviceID)
			}
		},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track in captured stream")
	}
	track, ok := tracks[0].(mediadevices.Track)
	if !ok {
		return nil, fmt.Errorf("unexpected track type %T", tracks[0])
	}
	return track, nil
}
