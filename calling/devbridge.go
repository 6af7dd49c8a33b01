/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"github.com/openphonic/callkit/mediadev"
)

// devBridge adapts the mediadev manager to the DeviceManager interface.
type devBridge struct {
	m *mediadev.Manager
}

// NewDeviceManager exposes a mediadev.Manager as a session device manager.
func NewDeviceManager(m *mediadev.Manager) DeviceManager {
	return &devBridge{m: m}
}

func (b *devBridge) Acquire(deviceID string) (Capture, error) {
	capture, err := b.m.Acquire(deviceID)
	if err != nil {
		return nil, err
	}
	return capture, nil
}

func (b *devBridge) Release() {
	b.m.Release()
}
