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

package ownership

import (
	"fmt"
	"sync/atomic"

	"paravisor.dev/paravisor/pkg/bootinfo"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/rmp"
)

// Frame record word layout. The word is CAS'd as a unit, so state, pending
// marker and pending owner always change together. The reference count lives
// in a separate atomic; transitions that require exclusivity may only be
// attempted while the pending bit is held, which blocks new references.
const (
	wordStateMask uint64 = 0x7
	wordPresent   uint64 = 1 << 3
	wordPending   uint64 = 1 << 4
	wordVMPLShift        = 8
	wordVMPLMask  uint64 = 0xff << wordVMPLShift
	wordCoreShift        = 16
	wordCoreMask  uint64 = 0xffff << wordCoreShift
)

func wordState(w uint64) State  { return State(w & wordStateMask) }
func wordCore(w uint64) uint16  { return uint16((w & wordCoreMask) >> wordCoreShift) }
func wordVMPL(w uint64) uint8   { return uint8((w & wordVMPLMask) >> wordVMPLShift) }
func withState(w uint64, s State) uint64 {
	return (w &^ wordStateMask) | uint64(s)
}

type record struct {
	word atomic.Uint64
	refs atomic.Int32
}

// FrameInfo is a point-in-time view of one frame record.
type FrameInfo struct {
	Frame       frame.Frame
	State       State
	VMPL        uint8
	Refs        int32
	Pending     bool
	PendingCore uint16
}

// Table is the page ownership table. It is shared across all cores; every
// mutation is a per-frame atomic operation, so unrelated frames never
// contend and lookups proceed concurrently with mutations.
type Table struct {
	span    frame.Range
	records []record
}

// New builds a Table from the boot-time memory map. Frames inside the map
// start in the state the map declares; frames inside the span but covered by
// no region are absent and report ErrOutOfRange.
func New(mm bootinfo.MemoryMap) (*Table, error) {
	if err := mm.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory map: %w", err)
	}
	span := mm.Span()
	t := &Table{
		span:    span,
		records: make([]record, span.Count),
	}
	for _, region := range mm {
		st := regionState(region)
		for f := region.Range.Start; f < region.Range.End(); f++ {
			w := wordPresent | uint64(st) | uint64(region.VMPL)<<wordVMPLShift
			t.records[f-span.Start].word.Store(w)
		}
	}
	return t, nil
}

func regionState(r bootinfo.Region) State {
	switch {
	case r.Owner == rmp.Private && r.Validated:
		return PrivateValidated
	case r.Owner == rmp.Private:
		return PrivateUnvalidated
	case r.Validated:
		return SharedValidated
	default:
		return SharedUnvalidated
	}
}

// Span returns the frame range the table covers.
func (t *Table) Span() frame.Range {
	return t.span
}

func (t *Table) record(f frame.Frame) (*record, error) {
	if !t.span.Contains(f) {
		return nil, ErrOutOfRange
	}
	r := &t.records[f-t.span.Start]
	if r.word.Load()&wordPresent == 0 {
		return nil, ErrOutOfRange
	}
	return r, nil
}

// Lookup returns the current record for f.
func (t *Table) Lookup(f frame.Frame) (FrameInfo, error) {
	r, err := t.record(f)
	if err != nil {
		return FrameInfo{}, err
	}
	w := r.word.Load()
	return FrameInfo{
		Frame:       f,
		State:       wordState(w),
		VMPL:        wordVMPL(w),
		Refs:        r.refs.Load(),
		Pending:     w&wordPending != 0,
		PendingCore: wordCore(w),
	}, nil
}

// TryTransition moves f from exactly `from` to `to` with a single
// compare-and-swap on the state word. It fails with ErrStateMismatch if the
// frame is not currently in `from`, and with ErrInUse if the transition
// requires exclusivity while references are outstanding.
func (t *Table) TryTransition(f frame.Frame, from, to State) error {
	if !legalTransition(from, to) {
		return fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, from, to)
	}
	r, err := t.record(f)
	if err != nil {
		return err
	}
	for {
		w := r.word.Load()
		if wordState(w) != from {
			return ErrStateMismatch
		}
		if requiresExclusivity(from, to) && r.refs.Load() != 0 {
			return ErrInUse
		}
		if r.word.CompareAndSwap(w, withState(w, to)) {
			return nil
		}
	}
}

// AcquireRef takes a reference on f. It fails with ErrInUse while a
// transition is pending: the pending marker is the frame's exclusivity lock,
// and admitting new references under it would let the reference-count check
// in TryTransition race with conversions.
func (t *Table) AcquireRef(f frame.Frame) error {
	r, err := t.record(f)
	if err != nil {
		return err
	}
	for {
		w := r.word.Load()
		if w&wordPending != 0 {
			return ErrInUse
		}
		// Publish the reference, then re-check: a conversion that took
		// the pending bit between our check and the increment will have
		// observed either refs>0 (and failed) or our re-check path
		// (and we back out).
		r.refs.Add(1)
		if r.word.Load()&wordPending == 0 {
			return nil
		}
		r.refs.Add(-1)
	}
}

// ReleaseRef drops a reference on f. Releasing below zero is a monitor bug
// and panics.
func (t *Table) ReleaseRef(f frame.Frame) {
	r, err := t.record(f)
	if err != nil {
		panic(fmt.Sprintf("ReleaseRef(%#x): %v", uint64(f), err))
	}
	if n := r.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("ReleaseRef(%#x): reference count underflow", uint64(f)))
	}
}

// beginExclusive takes the pending marker for f on behalf of core. It fails
// with ErrInUse if references are outstanding or another transition is
// already pending.
func (t *Table) beginExclusive(f frame.Frame, core uint16) error {
	r, err := t.record(f)
	if err != nil {
		return err
	}
	for {
		w := r.word.Load()
		if w&wordPending != 0 {
			return ErrInUse
		}
		if r.refs.Load() != 0 {
			return ErrInUse
		}
		nw := w | wordPending | uint64(core)<<wordCoreShift
		if r.word.CompareAndSwap(w, nw) {
			// AcquireRef backs out any increment racing with this
			// CAS, so holding pending implies refs stays 0.
			return nil
		}
	}
}

// endExclusive drops the pending marker if core still holds it. A marker
// already cleared by AbandonCore is not an error.
func (t *Table) endExclusive(f frame.Frame, core uint16) {
	r, err := t.record(f)
	if err != nil {
		return
	}
	for {
		w := r.word.Load()
		if w&wordPending == 0 || wordCore(w) != core {
			return
		}
		if r.word.CompareAndSwap(w, w&^(wordPending|wordCoreMask)) {
			return
		}
	}
}

// AbandonCore clears every pending marker held by core. The monitor calls
// this when a core halts fatally mid-conversion; the affected frames remain
// in their well-defined unvalidated intermediate states, and re-attempting
// the same conversion is the recovery path.
func (t *Table) AbandonCore(core uint16) int {
	abandoned := 0
	for i := range t.records {
		r := &t.records[i]
		for {
			w := r.word.Load()
			if w&wordPending == 0 || wordCore(w) != core {
				break
			}
			if r.word.CompareAndSwap(w, w&^(wordPending|wordCoreMask)) {
				abandoned++
				break
			}
		}
	}
	return abandoned
}

// Snapshot returns the records for every present frame in r. Read-only; the
// debug stub uses this.
func (t *Table) Snapshot(r frame.Range) []FrameInfo {
	var out []FrameInfo
	for f := r.Start; f < r.End(); f++ {
		info, err := t.Lookup(f)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Counts returns the number of present frames in each state. Read-only.
func (t *Table) Counts() map[State]uint64 {
	counts := make(map[State]uint64)
	for i := range t.records {
		w := t.records[i].word.Load()
		if w&wordPresent == 0 {
			continue
		}
		counts[wordState(w)]++
	}
	return counts
}
