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

// Package dispatch runs the per-core request protocol.
//
// Each physical core owns one calling page and one protocol state machine.
// The state machine is a single CAS word: a core re-enters request fetching
// only from idle, so overlapping or reentrant requests on one core are
// structurally impossible rather than merely unlikely.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"paravisor.dev/paravisor/pkg/guestcall"
)

// Core protocol states. Transitions only move forward through a request
// (idle -> fetching -> validating -> dispatching -> handling -> committing
// -> idle); fatal is terminal.
const (
	coreIdle uint32 = iota
	coreFetching
	coreValidating
	coreDispatching
	coreHandling
	coreCommitting
	coreFatal
)

func coreStateName(s uint32) string {
	switch s {
	case coreIdle:
		return "idle"
	case coreFetching:
		return "fetching"
	case coreValidating:
		return "validating"
	case coreDispatching:
		return "dispatching"
	case coreHandling:
		return "handling"
	case coreCommitting:
		return "committing"
	case coreFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Core is one physical core's protocol context: its identity, its calling
// page, and its state word. Created at monitor startup, never destroyed.
type Core struct {
	id   uint16
	page *guestcall.CallingPage

	// state is the protocol state word, CAS'd through the request
	// sequence.
	state atomic.Uint32

	// served and rejected count completed and refused requests.
	// Informational only.
	served   atomic.Uint64
	rejected atomic.Uint64

	// fatalMu guards fatalErr; the state word alone publishes fatality.
	fatalMu  sync.Mutex
	fatalErr error
}

// NewCore returns a Core for id over page.
func NewCore(id uint16, page *guestcall.CallingPage) *Core {
	return &Core{id: id, page: page}
}

// ID returns the core identifier.
func (c *Core) ID() uint16 {
	return c.id
}

// Page returns the core's calling page.
func (c *Core) Page() *guestcall.CallingPage {
	return c.page
}

// StateName returns the current protocol state for diagnostics.
func (c *Core) StateName() string {
	return coreStateName(c.state.Load())
}

// Served returns the completed-request count.
func (c *Core) Served() uint64 {
	return c.served.Load()
}

// Rejected returns the refused-request count.
func (c *Core) Rejected() uint64 {
	return c.rejected.Load()
}

// FatalErr returns the diagnostic from a fatal halt, or nil.
func (c *Core) FatalErr() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}

// advance CAS's the state word. A false return means another context holds
// the core or it has gone fatal.
func (c *Core) advance(from, to uint32) bool {
	return c.state.CompareAndSwap(from, to)
}

// mustAdvance is advance for edges inside an owned request sequence, where
// failure is a protocol-machine bug.
func (c *Core) mustAdvance(from, to uint32) {
	if !c.advance(from, to) {
		panic(fmt.Sprintf("core %d: state %s, expected %s",
			c.id, c.StateName(), coreStateName(from)))
	}
}

// latchFatal records err and parks the core in the terminal state. The
// core's poll loop stops servicing requests; other cores are unaffected.
func (c *Core) latchFatal(err error) {
	c.fatalMu.Lock()
	c.fatalErr = err
	c.fatalMu.Unlock()
	c.state.Store(coreFatal)
}
