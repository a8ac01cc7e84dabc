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

// Package frame defines page-frame numbers and ranges.
//
// Everything in the monitor that refers to guest physical memory does so in
// units of frames. This package is a dependency-free leaf so that it can be
// imported from anywhere without cycles.
package frame

import (
	"fmt"
)

const (
	// PageShift is log2 of the frame size.
	PageShift = 12

	// PageSize is the size of a frame in bytes (4KiB).
	PageSize = 1 << PageShift
)

// Frame is a guest physical page-frame number.
type Frame uint64

// Address returns the base guest physical address of the frame.
func (f Frame) Address() uint64 {
	return uint64(f) << PageShift
}

// FromAddress converts a page-aligned guest physical address to a Frame.
func FromAddress(addr uint64) (Frame, error) {
	if addr&(PageSize-1) != 0 {
		return 0, fmt.Errorf("address %#x is not page-aligned", addr)
	}
	return Frame(addr >> PageShift), nil
}

// Range is a contiguous run of frames, [Start, Start+Count).
type Range struct {
	Start Frame
	Count uint64
}

// End returns the first frame past the range.
func (r Range) End() Frame {
	return r.Start + Frame(r.Count)
}

// Contains returns true if f lies within the range.
func (r Range) Contains(f Frame) bool {
	return f >= r.Start && f < r.End()
}

// Overlaps returns true if the two ranges share any frame.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// IsEmpty returns true if the range covers no frames.
func (r Range) IsEmpty() bool {
	return r.Count == 0
}

// Span returns the smallest range covering both r and o.
func (r Range) Span(o Range) Range {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	start := r.Start
	if o.Start < start {
		start = o.Start
	}
	end := r.End()
	if o.End() > end {
		end = o.End()
	}
	return Range{Start: start, Count: uint64(end - start)}
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End()))
}
