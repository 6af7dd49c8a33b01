/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package mediadev manages local audio capture devices. Microphones are
// enumerated and captured through pion/mediadevices; real capture needs the
// platform drivers and is only compiled in on Linux. Other platforms can
// still enumerate (empty) device lists and run receive-only calls.
package mediadev

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Device describes one capture device. Label may be empty on platforms that
// do not expose friendly names; callers should fall back to the ID.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DisplayName returns the label, or a generic name built from the ID when
// the driver reports none.
func (d Device) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	id := d.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("Microphone (%s)", id)
}

// Manager tracks the active microphone capture. Only one capture is live at
// a time; acquiring a new device releases the previous one.
type Manager struct {
	log zerolog.Logger

	mu      sync.Mutex
	capture *Capture
}

// NewManager creates a device manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// ListMicrophones enumerates audio input devices. The list is empty when no
// driver is compiled in or no hardware is present; that is not an error.
func (m *Manager) ListMicrophones() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.AudioInput {
			continue
		}
		out = append(out, Device{ID: d.DeviceID, Label: d.Label})
	}
	return out
}

// Acquire opens a microphone capture. An empty deviceID selects the default
// device. A previous capture stays open: during a hot swap the caller first
// replaces the track on its live sender and then closes the old capture, so
// the sender never holds a closed track and a failed acquire keeps the old
// microphone working.
func (m *Manager) Acquire(deviceID string) (*Capture, error) {
	track, err := acquireTrack(deviceID)
	if err != nil {
		return nil, fmt.Errorf("acquire microphone: %w", err)
	}
	capture := &Capture{deviceID: deviceID, track: track}
	m.mu.Lock()
	m.capture = capture
	m.mu.Unlock()
	m.log.Debug().Str("device", deviceID).Msg("microphone acquired")
	return capture, nil
}

// Release stops the current capture, if any.
func (m *Manager) Release() {
	m.mu.Lock()
	capture := m.capture
	m.capture = nil
	m.mu.Unlock()
	if capture != nil {
		_ = capture.Close()
		m.log.Debug().Msg("microphone released")
	}
}

// Capture is one live microphone track.
type Capture struct {
	deviceID string
	track    mediadevices.Track

	mu     sync.Mutex
	closed bool
}

// DeviceID returns the device the capture was opened with; empty means the
// platform default.
func (c *Capture) DeviceID() string { return c.deviceID }

// Track exposes the capture as a local webrtc track for the peer connection.
func (c *Capture) Track() webrtc.TrackLocal { return c.track }

// Close stops the capture. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.track.Close()
}
