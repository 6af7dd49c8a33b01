/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ToneSink plays synthesized 16-bit LE PCM, 8 kHz mono, delivered in 20 ms
// frames.
type ToneSink interface {
	WritePCM(samples []byte) error
}

// Ring tone shape: repeating 800 Hz bursts, roughly 250 ms of tone every
// 900 ms.
const (
	toneFrequency  = 800.0
	toneBurst      = 240 * time.Millisecond // multiple of the frame size
	toneInterval   = 900 * time.Millisecond
	toneFrame      = 20 * time.Millisecond
	toneSampleRate = 8000
	toneAmplitude  = 0.3
)

// Ringer produces the synthesized ring/ringback tone as a cancellable
// periodic task. Start and Stop are idempotent; Stop tears the generator
// down completely so a stopped ringer holds no resources.
type Ringer struct {
	sink ToneSink
	log  zerolog.Logger

	mu     sync.Mutex
	cancel chan struct{}
}

// NewRinger creates a ringer feeding the given sink. A nil sink is allowed;
// the ringer then only tracks its running state.
func NewRinger(sink ToneSink, log zerolog.Logger) *Ringer {
	return &Ringer{sink: sink, log: log}
}

// Start begins the tone loop. Calling Start on a running ringer is a no-op.
func (r *Ringer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.cancel = make(chan struct{})
	go r.run(r.cancel)
}

// Stop cancels the tone loop. Safe to call repeatedly and while stopped.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	close(r.cancel)
	r.cancel = nil
}

// Running reports whether the tone loop is active.
func (r *Ringer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Ringer) run(cancel chan struct{}) {
	ticker := time.NewTicker(toneInterval)
	defer ticker.Stop()

	// First burst plays immediately, then one per interval.
	if !r.burst(cancel) {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !r.burst(cancel) {
				return
			}
		case <-cancel:
			return
		}
	}
}

// burst plays one tone burst frame by frame. Returns false when cancelled.
func (r *Ringer) burst(cancel chan struct{}) bool {
	frames := int(toneBurst / toneFrame)
	samplesPerFrame := toneSampleRate * int(toneFrame) / int(time.Second)

	phase := 0
	frameTicker := time.NewTicker(toneFrame)
	defer frameTicker.Stop()

	for i := 0; i < frames; i++ {
		frame := make([]byte, samplesPerFrame*2)
		for s := 0; s < samplesPerFrame; s++ {
			v := toneAmplitude * math.Sin(2*math.Pi*toneFrequency*float64(phase)/toneSampleRate)
			binary.LittleEndian.PutUint16(frame[s*2:], uint16(int16(v*math.MaxInt16)))
			phase++
		}
		if r.sink != nil {
			if err := r.sink.WritePCM(frame); err != nil {
				r.log.Debug().Err(err).Msg("ring tone sink rejected frame")
				return false
			}
		}
		select {
		case <-frameTicker.C:
		case <-cancel:
			return false
		}
	}
	return true
}
