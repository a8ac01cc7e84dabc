// Copyright 2025 The Paravisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devices is the emulated-MMIO backend interface.
//
// The dispatcher resolves a device id to a backend and forwards
// bounds-checked register accesses. Real virtio back-ends plug in behind
// Device; this package carries only the registry and a scratch device used
// by the harness.
package devices

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownDevice indicates an unregistered device id.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrBadOffset indicates an access outside the device's register
	// window.
	ErrBadOffset = errors.New("offset outside device range")

	// ErrNotReady indicates the device cannot service requests yet.
	ErrNotReady = errors.New("device not ready")

	// ErrUnsupported indicates an access the device does not implement.
	ErrUnsupported = errors.New("unsupported device operation")
)

// Device is one emulated MMIO device. Offsets are bounds-checked by the
// implementation against its own window; Size reports that window so
// callers can pre-check.
type Device interface {
	// Size returns the length in bytes of the register window.
	Size() uint64

	// MMIORead reads size bytes at off. Size is 1, 2, 4 or 8.
	MMIORead(off uint64, size uint8) (uint64, error)

	// MMIOWrite writes size bytes at off.
	MMIOWrite(off uint64, size uint8, val uint64) error
}

// Registry maps device ids to backends. Registration happens at monitor
// setup; lookups are concurrent thereafter.
type Registry struct {
	mu      sync.RWMutex
	devices map[uint32]Device
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[uint32]Device)}
}

// Register installs dev under id. Re-registering an id is a setup bug and
// panics.
func (r *Registry) Register(id uint32, dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		panic(fmt.Sprintf("device id %d registered twice", id))
	}
	r.devices[id] = dev
}

// Lookup resolves id.
func (r *Registry) Lookup(id uint32) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, ErrUnknownDevice)
	}
	return dev, nil
}

// checkAccess validates an access against a window. Shared by device
// implementations.
func checkAccess(window uint64, off uint64, size uint8) error {
	if off >= window || window-off < uint64(size) {
		return fmt.Errorf("%w: offset %#x size %d window %#x", ErrBadOffset, off, size, window)
	}
	return nil
}
