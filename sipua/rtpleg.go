/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipua

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/zaf/g711"
)

// PCMSink receives decoded 16-bit little-endian PCM frames from the remote
// party, 8 kHz mono.
type PCMSink interface {
	WritePCM(samples []byte) error
}

// rtpLeg is the media half of a SIP call: a UDP socket carrying G.711 µ-law
// both ways. Outbound audio is paced on the codec clock; inbound packets are
// decoded and handed to the sink.
type rtpLeg struct {
	conn *net.UDPConn
	log  zerolog.Logger

	ssrc      uint32
	seq       uint16
	timestamp uint32

	mu     sync.Mutex
	remote *net.UDPAddr
	sink   PCMSink
	closed bool

	ticker *time.Ticker
	done   chan struct{}
}

// newRTPLeg binds a UDP socket on an ephemeral port. The remote endpoint is
// set later, once the SDP answer arrives.
func newRTPLeg(log zerolog.Logger) (*rtpLeg, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("bind RTP socket: %w", err)
	}
	l := &rtpLeg{
		conn:      conn,
		log:       log,
		ssrc:      randUint32(),
		seq:       uint16(randUint32()),
		timestamp: randUint32(),
		ticker:    time.NewTicker(frameDuration),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// LocalPort returns the bound RTP port for the SDP offer.
func (l *rtpLeg) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote points the leg at the far-end RTP endpoint from the SDP answer.
func (l *rtpLeg) SetRemote(addr string, port int) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("resolve RTP remote %q: %w", addr, err)
		}
		ip = ips[0]
	}
	l.mu.Lock()
	l.remote = &net.UDPAddr{IP: ip, Port: port}
	l.mu.Unlock()
	return nil
}

// SetSink installs the receiver for decoded inbound audio.
func (l *rtpLeg) SetSink(sink PCMSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// WritePCM encodes one frame of 16-bit LE PCM to µ-law and sends it, paced
// on the 20 ms codec clock. Frames are dropped silently until the remote
// endpoint is known.
func (l *rtpLeg) WritePCM(samples []byte) error {
	l.mu.Lock()
	remote := l.remote
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	if remote == nil {
		return nil
	}

	<-l.ticker.C
	return l.writePayload(g711.EncodeUlaw(samples), payloadTypePCMU, false, rtpClockPerFrame)
}

// writeEvent sends one RFC 4733 telephone-event packet. The timestamp is not
// advanced; DTMF events share the timestamp of their onset.
func (l *rtpLeg) writeEvent(payload []byte, marker bool) error {
	return l.writePayload(payload, payloadTypeDTMF, marker, 0)
}

func (l *rtpLeg) writePayload(payload []byte, pt uint8, marker bool, clockAdvance uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	if l.remote == nil {
		return nil
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: l.seq,
			Timestamp:      l.timestamp,
			SSRC:           l.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal RTP packet: %w", err)
	}
	if _, err := l.conn.WriteToUDP(data, l.remote); err != nil {
		return fmt.Errorf("write RTP packet: %w", err)
	}
	l.seq++
	l.timestamp += clockAdvance
	return nil
}

func (l *rtpLeg) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Debug().Err(err).Msg("RTP read loop ended")
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType != payloadTypePCMU {
			continue
		}

		l.mu.Lock()
		sink := l.sink
		l.mu.Unlock()
		if sink != nil {
			_ = sink.WritePCM(g711.DecodeUlaw(pkt.Payload))
		}
	}
}

// Close stops the pacing clock and releases the socket. Idempotent.
func (l *rtpLeg) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.ticker.Stop()
	close(l.done)
	return l.conn.Close()
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
