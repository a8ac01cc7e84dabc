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
	"fmt"

	"github.com/sirupsen/logrus"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/rmp"
)

// Machine drives frame state transitions against the hardware primitives.
// It is the only component that calls the rmp.Backend, and it orders every
// step so the table never claims a stronger state than the hardware holds:
// validation raises hardware first and the table second; invalidation lowers
// the table first and the hardware second.
type Machine struct {
	table   *Table
	backend rmp.Backend
	log     *logrus.Entry
}

// NewMachine returns a Machine over table and backend.
func NewMachine(table *Table, backend rmp.Backend, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{table: table, backend: backend, log: log}
}

// Table returns the table the machine mutates.
func (m *Machine) Table() *Table {
	return m.table
}

// absorb discards the idempotent-success signal from the adapter.
func absorb(err error) error {
	if errors.Is(err, rmp.ErrAlreadyInTargetState) {
		return nil
	}
	return err
}

// conversionStates resolves the target chain for a conversion.
func conversionStates(target rmp.Ownership) (uv, v State) {
	if target == rmp.Private {
		return PrivateUnvalidated, PrivateValidated
	}
	return SharedUnvalidated, SharedValidated
}

// Convert moves f to the validated state of the target ownership:
// exclusivity, hardware invalidate of the old classification, table step to
// the unvalidated target, hardware reclassify and validate, table step to
// the validated target. A failure partway leaves the frame in the
// unvalidated target state; re-running the same conversion resumes from
// there, while any different transition is refused by the state guard.
func (m *Machine) Convert(f frame.Frame, target rmp.Ownership, core uint16) error {
	if err := m.table.beginExclusive(f, core); err != nil {
		return err
	}
	defer m.table.endExclusive(f, core)

	info, err := m.table.Lookup(f)
	if err != nil {
		return err
	}
	uvTarget, vTarget := conversionStates(target)

	switch cur := info.State; cur {
	case vTarget:
		// Conversion already complete.
		return nil
	case uvTarget:
		// A previous attempt stalled after the cross step; re-drive the
		// hardware below.
	case SharedUnvalidated, SharedValidated, PrivateUnvalidated, PrivateValidated:
		if cur.Validated() {
			if err := absorb(m.backend.Invalidate(f)); err != nil {
				return m.escalate(f, "invalidate", err)
			}
		}
		if err := m.table.TryTransition(f, cur, uvTarget); err != nil {
			return err
		}
	default:
		return ErrStateMismatch
	}

	if err := absorb(m.backend.Reclassify(f, target)); err != nil {
		return m.escalate(f, "reclassify", err)
	}
	if err := absorb(m.backend.Validate(f)); err != nil {
		return m.escalate(f, "validate", err)
	}
	return m.table.TryTransition(f, uvTarget, vTarget)
}

// ValidateFrame raises f from its unvalidated state to the validated state
// of the same ownership. Hardware is raised before the table so the table
// never reports validated ahead of the platform.
func (m *Machine) ValidateFrame(f frame.Frame) error {
	info, err := m.table.Lookup(f)
	if err != nil {
		return err
	}
	var from, to State
	switch info.State {
	case SharedUnvalidated:
		from, to = SharedUnvalidated, SharedValidated
	case PrivateUnvalidated:
		from, to = PrivateUnvalidated, PrivateValidated
	case SharedValidated, PrivateValidated:
		// Idempotent: the certified state already holds.
		return nil
	default:
		return ErrStateMismatch
	}
	if err := absorb(m.backend.Validate(f)); err != nil {
		return m.escalate(f, "validate", err)
	}
	return m.table.TryTransition(f, from, to)
}

// InvalidateFrame lowers f to the unvalidated state of the same ownership.
// The table is lowered before the hardware: between the two steps the table
// under-reports, never over-reports, the certified state.
func (m *Machine) InvalidateFrame(f frame.Frame) error {
	info, err := m.table.Lookup(f)
	if err != nil {
		return err
	}
	var from, to State
	switch info.State {
	case SharedValidated:
		from, to = SharedValidated, SharedUnvalidated
	case PrivateValidated:
		from, to = PrivateValidated, PrivateUnvalidated
	case SharedUnvalidated, PrivateUnvalidated:
		return nil
	default:
		return ErrStateMismatch
	}
	if err := m.table.TryTransition(f, from, to); err != nil {
		return err
	}
	if err := absorb(m.backend.Invalidate(f)); err != nil {
		return m.escalate(f, "invalidate", err)
	}
	return nil
}

// escalate annotates a hardware failure. ErrHardwareRejected keeps its
// identity so the dispatcher can latch the core fatal.
func (m *Machine) escalate(f frame.Frame, op string, err error) error {
	if errors.Is(err, rmp.ErrHardwareRejected) {
		m.log.WithFields(logrus.Fields{
			"frame": fmt.Sprintf("%#x", uint64(f)),
			"op":    op,
		}).Error("hardware rejected page operation")
	}
	return fmt.Errorf("%s frame %#x: %w", op, uint64(f), err)
}
