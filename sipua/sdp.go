/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipua

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Payload types for the audio leg. PCMU is the only voice codec offered;
// telephone-event carries RFC 4733 DTMF.
const (
	payloadTypePCMU uint8 = 0
	payloadTypeDTMF uint8 = 101

	audioSampleRate  = 8000
	frameDuration    = 20 * time.Millisecond
	samplesPerFrame  = 160 // 20 ms at 8 kHz
	bytesPerFrame    = 160 // G.711 is one byte per sample
	rtpClockPerFrame = 160
)

// buildOffer creates a minimal sendrecv PCMU audio offer for the local RTP
// endpoint.
func buildOffer(localAddr string, localPort int) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callkit",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "callkit audio",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: localPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "101"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP offer: %w", err)
	}
	return body, nil
}

// parseAnswer extracts the remote RTP endpoint from an SDP answer. The
// connection line on the audio media section wins over the session-level one.
func parseAnswer(body []byte) (addr string, port int, err error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, fmt.Errorf("parse SDP answer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", 0, fmt.Errorf("no media section in SDP answer")
	}

	var media *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			media = m
			break
		}
	}
	if media == nil {
		return "", 0, fmt.Errorf("no audio section in SDP answer")
	}

	port = media.MediaName.Port.Value
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if addr == "" || port == 0 {
		return "", 0, fmt.Errorf("incomplete remote endpoint in SDP answer")
	}
	return addr, port, nil
}
