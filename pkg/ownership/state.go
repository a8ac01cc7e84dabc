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

// Package ownership is the single source of truth for page-frame state.
//
// The Table records, per frame, whether the frame is shared or private and
// whether hardware has validated that classification. Nothing else in the
// monitor may reclassify a frame: all changes flow through the Machine,
// which sequences the hardware primitives against the table so that the
// table never claims more than the hardware has certified.
package ownership

import (
	"errors"

	"paravisor.dev/paravisor/pkg/rmp"
)

// State is a frame's position in the validation lifecycle.
type State uint8

const (
	// Unassigned frames are tracked but not yet given to any owner.
	Unassigned State = iota

	// SharedUnvalidated frames are host-visible, not certified.
	SharedUnvalidated

	// SharedValidated frames are host-visible and certified.
	SharedValidated

	// PrivateUnvalidated frames are encrypted, not certified.
	PrivateUnvalidated

	// PrivateValidated frames are encrypted and certified. Only these may
	// be mapped as usable private memory.
	PrivateValidated

	numStates
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case SharedUnvalidated:
		return "shared-unvalidated"
	case SharedValidated:
		return "shared-validated"
	case PrivateUnvalidated:
		return "private-unvalidated"
	case PrivateValidated:
		return "private-validated"
	default:
		return "invalid"
	}
}

// Validated returns true for the two certified states.
func (s State) Validated() bool {
	return s == SharedValidated || s == PrivateValidated
}

// Ownership returns the hardware classification for s. Unassigned frames
// report shared, matching the platform's reset classification.
func (s State) Ownership() rmp.Ownership {
	if s == PrivateUnvalidated || s == PrivateValidated {
		return rmp.Private
	}
	return rmp.Shared
}

// legalTransition returns true if from->to is an edge of the lifecycle
// graph. Conversions cross between the shared and private chains only
// through the unvalidated states; nothing returns to Unassigned.
func legalTransition(from, to State) bool {
	switch from {
	case Unassigned:
		return to == SharedUnvalidated || to == PrivateUnvalidated
	case SharedUnvalidated:
		return to == SharedValidated || to == PrivateUnvalidated
	case SharedValidated:
		return to == SharedUnvalidated || to == PrivateUnvalidated
	case PrivateUnvalidated:
		return to == PrivateValidated || to == SharedUnvalidated
	case PrivateValidated:
		return to == PrivateUnvalidated || to == SharedUnvalidated
	default:
		return false
	}
}

// requiresExclusivity returns true if from->to may only run with a zero
// reference count. Crossing the shared/private boundary always does;
// validated-state toggles do not.
func requiresExclusivity(from, to State) bool {
	return from.Ownership() != to.Ownership()
}

var (
	// ErrStateMismatch indicates the frame was not in the expected state.
	// This is the sole guard against double validation and lost updates;
	// callers surface it to the guest for retry.
	ErrStateMismatch = errors.New("frame state mismatch")

	// ErrInUse indicates the frame has outstanding references or a
	// transition already pending.
	ErrInUse = errors.New("frame in use")

	// ErrIllegalTransition indicates a request for an edge that is not in
	// the lifecycle graph. Only a monitor bug reaches this.
	ErrIllegalTransition = errors.New("illegal frame state transition")

	// ErrOutOfRange aliases the adapter's sentinel so a single errors.Is
	// check covers both layers.
	ErrOutOfRange = rmp.ErrOutOfRange
)
