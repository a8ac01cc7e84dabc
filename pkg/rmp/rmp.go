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

// Package rmp adapts the hardware page-validation primitives.
//
// The primitives change a single frame's hardware-visible classification:
// validate/invalidate toggle the validated bit (pvalidate-style) and
// reclassify flips a frame between shared and private ownership
// (rmpadjust-style). Each call either leaves the hardware metadata
// consistent with success or fails with no partial effect. The adapter never
// retries; retry policy belongs to the caller.
package rmp

import (
	"errors"

	"paravisor.dev/paravisor/pkg/frame"
)

// Ownership is the hardware classification of a frame.
type Ownership uint8

const (
	// Shared frames are host-visible and unencrypted.
	Shared Ownership = iota

	// Private frames are encrypted and inaccessible to the host.
	Private
)

// String implements fmt.Stringer.String.
func (o Ownership) String() string {
	switch o {
	case Shared:
		return "shared"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyInTargetState indicates an idempotent no-op: the frame's
	// hardware metadata already matches the requested state. Callers
	// normally absorb this.
	ErrAlreadyInTargetState = errors.New("frame already in target state")

	// ErrHardwareRejected indicates the platform refused the operation.
	// This generally means an invariant was violated upstream and callers
	// must treat it as fatal for the affected core.
	ErrHardwareRejected = errors.New("hardware rejected page operation")

	// ErrOutOfRange indicates a frame outside the VM's assigned range.
	ErrOutOfRange = errors.New("frame out of range")
)

// Backend performs the hardware page-state primitives for single frames.
//
// Implementations must be safe for concurrent use; calls for distinct frames
// may proceed in parallel.
type Backend interface {
	// Validate sets the validated bit for f under its current ownership.
	Validate(f frame.Frame) error

	// Invalidate clears the validated bit for f.
	Invalidate(f frame.Frame) error

	// Reclassify changes f's ownership. The frame must not be validated;
	// reclassifying a validated frame is rejected by hardware.
	Reclassify(f frame.Frame, target Ownership) error
}
