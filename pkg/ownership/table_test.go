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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"paravisor.dev/paravisor/pkg/bootinfo"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/rmp"
)

func testMap() bootinfo.MemoryMap {
	return bootinfo.MemoryMap{
		{Range: frame.Range{Start: 0x100, Count: 0x100}, Owner: rmp.Shared},
		{Range: frame.Range{Start: 0x300, Count: 0x100}, Owner: rmp.Private, Validated: true},
	}
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := New(testMap())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return table
}

func TestTableInitialStates(t *testing.T) {
	table := newTestTable(t)

	info, err := table.Lookup(0x100)
	if err != nil {
		t.Fatalf("Lookup(0x100) failed: %v", err)
	}
	if info.State != SharedUnvalidated {
		t.Errorf("frame 0x100 state = %v, want shared-unvalidated", info.State)
	}

	info, err = table.Lookup(0x3ff)
	if err != nil {
		t.Fatalf("Lookup(0x3ff) failed: %v", err)
	}
	if info.State != PrivateValidated {
		t.Errorf("frame 0x3ff state = %v, want private-validated", info.State)
	}

	// The gap between regions is within the span but absent.
	if _, err := table.Lookup(0x280); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Lookup(0x280) = %v, want ErrOutOfRange", err)
	}
	if _, err := table.Lookup(0x500); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Lookup(0x500) = %v, want ErrOutOfRange", err)
	}
}

func TestTryTransitionGuard(t *testing.T) {
	table := newTestTable(t)
	f := frame.Frame(0x110)

	if err := table.TryTransition(f, SharedUnvalidated, SharedValidated); err != nil {
		t.Fatalf("TryTransition to shared-validated failed: %v", err)
	}
	// Same edge again: the from-state no longer holds.
	if err := table.TryTransition(f, SharedUnvalidated, SharedValidated); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("repeated transition = %v, want ErrStateMismatch", err)
	}
	// An edge that is not in the lifecycle graph.
	if err := table.TryTransition(f, SharedValidated, PrivateValidated); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("shared-validated -> private-validated = %v, want ErrIllegalTransition", err)
	}
}

func TestTryTransitionInUse(t *testing.T) {
	table := newTestTable(t)
	f := frame.Frame(0x120)

	if err := table.AcquireRef(f); err != nil {
		t.Fatalf("AcquireRef failed: %v", err)
	}
	// Ownership-crossing transitions require exclusivity.
	if err := table.TryTransition(f, SharedUnvalidated, PrivateUnvalidated); !errors.Is(err, ErrInUse) {
		t.Errorf("crossing transition with refs=1 = %v, want ErrInUse", err)
	}
	// Validated-state toggles do not.
	if err := table.TryTransition(f, SharedUnvalidated, SharedValidated); err != nil {
		t.Errorf("validated toggle with refs=1 failed: %v", err)
	}
	table.ReleaseRef(f)
	if err := table.TryTransition(f, SharedValidated, PrivateUnvalidated); err != nil {
		t.Errorf("crossing transition with refs=0 failed: %v", err)
	}
}

func TestReleaseRefUnderflowPanics(t *testing.T) {
	table := newTestTable(t)
	defer func() {
		if recover() == nil {
			t.Errorf("ReleaseRef underflow did not panic")
		}
	}()
	table.ReleaseRef(0x100)
}

func TestAcquireRefBlockedByPending(t *testing.T) {
	table := newTestTable(t)
	f := frame.Frame(0x130)

	if err := table.beginExclusive(f, 3); err != nil {
		t.Fatalf("beginExclusive failed: %v", err)
	}
	if err := table.AcquireRef(f); !errors.Is(err, ErrInUse) {
		t.Errorf("AcquireRef under pending = %v, want ErrInUse", err)
	}
	table.endExclusive(f, 3)
	if err := table.AcquireRef(f); err != nil {
		t.Errorf("AcquireRef after endExclusive failed: %v", err)
	}
	if err := table.beginExclusive(f, 3); !errors.Is(err, ErrInUse) {
		t.Errorf("beginExclusive with refs=1 = %v, want ErrInUse", err)
	}
}

func TestAbandonCore(t *testing.T) {
	table := newTestTable(t)

	if err := table.beginExclusive(0x140, 2); err != nil {
		t.Fatalf("beginExclusive failed: %v", err)
	}
	if err := table.beginExclusive(0x141, 2); err != nil {
		t.Fatalf("beginExclusive failed: %v", err)
	}
	if err := table.beginExclusive(0x142, 5); err != nil {
		t.Fatalf("beginExclusive failed: %v", err)
	}
	if got := table.AbandonCore(2); got != 2 {
		t.Errorf("AbandonCore(2) = %d, want 2", got)
	}
	info, _ := table.Lookup(0x140)
	if info.Pending {
		t.Errorf("frame 0x140 still pending after abandon")
	}
	info, _ = table.Lookup(0x142)
	if !info.Pending || info.PendingCore != 5 {
		t.Errorf("frame 0x142 pending marker disturbed: %+v", info)
	}
}

// TestConcurrentTransitionSingleWinner races many goroutines over the same
// legal edge and asserts exactly one wins per edge while the rest observe
// the state-mismatch guard, with no lost update.
func TestConcurrentTransitionSingleWinner(t *testing.T) {
	table := newTestTable(t)
	f := frame.Frame(0x150)

	const workers = 32
	var wins, mismatches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := table.TryTransition(f, SharedUnvalidated, SharedValidated); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrStateMismatch):
				mismatches.Add(1)
			default:
				t.Errorf("unexpected transition error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
	if mismatches.Load() != workers-1 {
		t.Errorf("mismatches = %d, want %d", mismatches.Load(), workers-1)
	}
	info, err := table.Lookup(f)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.State != SharedValidated {
		t.Errorf("final state = %v, want shared-validated", info.State)
	}
}

// TestStateSpaceConfinement hammers one frame with every operation and
// checks that every observed state is one of the five defined values.
func TestStateSpaceConfinement(t *testing.T) {
	table := newTestTable(t)
	backend := rmp.NewShadow(table.Span())
	m := NewMachine(table, backend, nil)
	f := frame.Frame(0x160)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			info, err := table.Lookup(f)
			if err != nil {
				t.Errorf("Lookup failed: %v", err)
				return
			}
			if info.State >= numStates {
				t.Errorf("observed undefined state %d", info.State)
				return
			}
		}
	}()
	for i := 0; i < 100; i++ {
		m.Convert(f, rmp.Private, 0)
		m.InvalidateFrame(f)
		m.ValidateFrame(f)
		m.Convert(f, rmp.Shared, 0)
	}
	close(stop)
	wg.Wait()
}
