/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipua

import (
	"encoding/binary"
	"fmt"
	"time"
)

// dtmfEvent is an RFC 4733 telephone-event payload. The wire format is four
// bytes: event code, E bit + volume, 16-bit duration in timestamp units.
type dtmfEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

const (
	dtmfVolume        uint8  = 10   // -10 dBm0
	dtmfDuration      uint16 = 1600 // 200 ms at 8 kHz
	dtmfStepSamples   uint16 = 160  // 20 ms at 8 kHz
	dtmfStepInterval         = 20 * time.Millisecond
	dtmfEndRedundancy        = 3
)

func (e dtmfEvent) encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// digitToEvent maps a DTMF character to its RFC 4733 event code.
func digitToEvent(digit rune) (uint8, bool) {
	switch {
	case digit >= '0' && digit <= '9':
		return uint8(digit - '0'), true
	case digit == '*':
		return 10, true
	case digit == '#':
		return 11, true
	case digit >= 'A' && digit <= 'D':
		return uint8(digit-'A') + 12, true
	case digit >= 'a' && digit <= 'd':
		return uint8(digit-'a') + 12, true
	}
	return 0, false
}

// sendDigit transmits one DTMF digit as a telephone-event burst: periodic
// packets with growing duration, then three redundant end-of-event packets.
func (l *rtpLeg) sendDigit(digit rune) error {
	event, ok := digitToEvent(digit)
	if !ok {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}

	for elapsed := dtmfStepSamples; elapsed < dtmfDuration; elapsed += dtmfStepSamples {
		evt := dtmfEvent{Event: event, Volume: dtmfVolume, Duration: elapsed}
		if err := l.writeEvent(evt.encode(), elapsed == dtmfStepSamples); err != nil {
			return fmt.Errorf("send DTMF packet: %w", err)
		}
		time.Sleep(dtmfStepInterval)
	}

	end := dtmfEvent{Event: event, EndOfEvent: true, Volume: dtmfVolume, Duration: dtmfDuration}
	for i := 0; i < dtmfEndRedundancy; i++ {
		if err := l.writeEvent(end.encode(), false); err != nil {
			return fmt.Errorf("send DTMF end packet: %w", err)
		}
	}
	return nil
}
