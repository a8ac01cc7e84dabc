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

package frame

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromAddress(t *testing.T) {
	f, err := FromAddress(0x100000)
	if err != nil {
		t.Fatalf("FromAddress(0x100000) failed: %v", err)
	}
	if want := Frame(0x100); f != want {
		t.Errorf("FromAddress(0x100000) = %#x, want %#x", f, want)
	}
	if got := f.Address(); got != 0x100000 {
		t.Errorf("Address() = %#x, want %#x", got, 0x100000)
	}
	if _, err := FromAddress(0x100001); err == nil {
		t.Errorf("FromAddress(0x100001) succeeded, want alignment error")
	}
}

func TestRangeOverlaps(t *testing.T) {
	tests := []struct {
		a, b Range
		want bool
	}{
		{Range{0, 10}, Range{10, 10}, false},
		{Range{0, 10}, Range{9, 1}, true},
		{Range{5, 5}, Range{0, 6}, true},
		{Range{0, 0}, Range{0, 10}, false},
	}
	for _, test := range tests {
		if got := test.a.Overlaps(test.b); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", test.a, test.b, got, test.want)
		}
		if got := test.b.Overlaps(test.a); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %v, want %v", test.b, test.a, got, test.want)
		}
	}
}

func TestRangeSpan(t *testing.T) {
	got := Range{0x100, 0x10}.Span(Range{0x200, 0x20})
	want := Range{Start: 0x100, Count: 0x120}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Span mismatch (-want +got):\n%s", diff)
	}
	if got := (Range{}).Span(want); got != want {
		t.Errorf("empty.Span(%v) = %v, want %v", want, got, want)
	}
}
