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

package rmp

import (
	"sync/atomic"

	"paravisor.dev/paravisor/pkg/frame"
)

// Shadow entry bits. The entry is CAS'd as a unit so that concurrent calls
// for the same frame serialize on the hardware metadata, matching the
// one-frame-at-a-time semantics of the real instructions.
const (
	shadowPrivate   uint32 = 1 << 0
	shadowValidated uint32 = 1 << 1
)

// Shadow is a software Backend that models the platform's reverse-map
// metadata for a span of frames. It enforces the same ordering rules as the
// hardware: a validated frame cannot be reclassified, and repeating an
// operation that is already in effect reports ErrAlreadyInTargetState.
type Shadow struct {
	span    frame.Range
	entries []atomic.Uint32

	// failNext, when nonzero, forces the next mutating calls to fail with
	// ErrHardwareRejected. Test hook; decremented atomically.
	failNext atomic.Int64
}

// NewShadow returns a Shadow covering span. All frames start shared and
// unvalidated.
func NewShadow(span frame.Range) *Shadow {
	return &Shadow{
		span:    span,
		entries: make([]atomic.Uint32, span.Count),
	}
}

// FailNext arranges for the next n mutating calls to fail with
// ErrHardwareRejected. Used by tests to exercise fatal paths.
func (s *Shadow) FailNext(n int64) {
	s.failNext.Store(n)
}

func (s *Shadow) entry(f frame.Frame) (*atomic.Uint32, error) {
	if !s.span.Contains(f) {
		return nil, ErrOutOfRange
	}
	return &s.entries[f-s.span.Start], nil
}

func (s *Shadow) injectFault() bool {
	for {
		n := s.failNext.Load()
		if n <= 0 {
			return false
		}
		if s.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Validate implements Backend.Validate.
func (s *Shadow) Validate(f frame.Frame) error {
	e, err := s.entry(f)
	if err != nil {
		return err
	}
	if s.injectFault() {
		return ErrHardwareRejected
	}
	for {
		old := e.Load()
		if old&shadowValidated != 0 {
			return ErrAlreadyInTargetState
		}
		if e.CompareAndSwap(old, old|shadowValidated) {
			return nil
		}
	}
}

// Invalidate implements Backend.Invalidate.
func (s *Shadow) Invalidate(f frame.Frame) error {
	e, err := s.entry(f)
	if err != nil {
		return err
	}
	if s.injectFault() {
		return ErrHardwareRejected
	}
	for {
		old := e.Load()
		if old&shadowValidated == 0 {
			return ErrAlreadyInTargetState
		}
		if e.CompareAndSwap(old, old&^shadowValidated) {
			return nil
		}
	}
}

// Reclassify implements Backend.Reclassify.
func (s *Shadow) Reclassify(f frame.Frame, target Ownership) error {
	e, err := s.entry(f)
	if err != nil {
		return err
	}
	if s.injectFault() {
		return ErrHardwareRejected
	}
	for {
		old := e.Load()
		if old&shadowValidated != 0 {
			// Reclassifying a validated frame would let its contents
			// cross the shared/private boundary unnoticed.
			return ErrHardwareRejected
		}
		want := old &^ shadowPrivate
		if target == Private {
			want = old | shadowPrivate
		}
		if want == old {
			return ErrAlreadyInTargetState
		}
		if e.CompareAndSwap(old, want) {
			return nil
		}
	}
}

// Classification returns the current shadow state for f. For debug and test
// inspection only.
func (s *Shadow) Classification(f frame.Frame) (Ownership, bool, error) {
	e, err := s.entry(f)
	if err != nil {
		return Shared, false, err
	}
	v := e.Load()
	owner := Shared
	if v&shadowPrivate != 0 {
		owner = Private
	}
	return owner, v&shadowValidated != 0, nil
}
