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

// Package bootinfo carries the boot-stage handoff into the monitor.
//
// The boot loader builds the initial address space and enumerates cores; the
// monitor never discovers memory topology itself. A Handoff is that
// contract: a sorted, non-overlapping memory map with each region's initial
// classification, plus the active core count.
package bootinfo

import (
	"fmt"
	"sort"

	"github.com/google/btree"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/rmp"
)

// Region is a run of frames sharing an initial classification.
type Region struct {
	// Range is the frames covered.
	Range frame.Range

	// Owner is the initial hardware ownership.
	Owner rmp.Ownership

	// Validated is the initial validation status. Only meaningful for
	// regions the boot stage already accepted (its own image, the initial
	// page tables); everything else starts unvalidated.
	Validated bool

	// VMPL is the privilege level that owns the region.
	VMPL uint8
}

// MemoryMap is the set of frame regions assigned to the VM.
type MemoryMap []Region

// Validate checks that the map is non-empty, each region is non-empty, and
// no two regions overlap.
func (mm MemoryMap) Validate() error {
	if len(mm) == 0 {
		return fmt.Errorf("memory map is empty")
	}
	tree := btree.NewG(8, func(a, b frame.Range) bool { return a.Start < b.Start })
	for _, r := range mm {
		if r.Range.IsEmpty() {
			return fmt.Errorf("region %v is empty", r.Range)
		}
		conflict := frame.Range{}
		tree.DescendLessOrEqual(r.Range, func(o frame.Range) bool {
			if o.Overlaps(r.Range) {
				conflict = o
			}
			return false
		})
		tree.AscendGreaterOrEqual(r.Range, func(o frame.Range) bool {
			if o.Overlaps(r.Range) {
				conflict = o
			}
			return false
		})
		if !conflict.IsEmpty() {
			return fmt.Errorf("region %v overlaps region %v", r.Range, conflict)
		}
		tree.ReplaceOrInsert(r.Range)
	}
	return nil
}

// Span returns the smallest range covering every region.
func (mm MemoryMap) Span() frame.Range {
	var span frame.Range
	for _, r := range mm {
		span = span.Span(r.Range)
	}
	return span
}

// Sorted returns a copy of the map ordered by start frame.
func (mm MemoryMap) Sorted() MemoryMap {
	out := make(MemoryMap, len(mm))
	copy(out, mm)
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

// Handoff is what the boot stage passes to the monitor.
type Handoff struct {
	Memory   MemoryMap
	NumCores int
}

// Validate checks the handoff for internal consistency.
func (h *Handoff) Validate() error {
	if h.NumCores < 1 {
		return fmt.Errorf("invalid core count %d", h.NumCores)
	}
	return h.Memory.Validate()
}
