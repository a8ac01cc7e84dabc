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

// Package guestcall defines the guest/monitor calling page and the buffer
// guard that makes its contents safe to interpret.
//
// The calling page is one frame of shared memory per core, writable by the
// guest at any time. The monitor never acts on the live page: the Guard
// copies the whole page once, validates every field on the private copy,
// and only that copy reaches a handler. The live page is untrusted again
// the moment the copy completes.
package guestcall

import (
	"encoding/binary"
	"sync/atomic"

	"paravisor.dev/paravisor/pkg/frame"
)

// Fixed page layout, little-endian. Unused space up to PageBytes is
// reserved and ignored.
const (
	// PageBytes is the size of the calling page.
	PageBytes = frame.PageSize

	offVersion = 0x00 // uint32 protocol version tag
	offOpcode  = 0x04 // uint32 operation code
	offPending = 0x08 // uint32 doorbell; guest sets 1, monitor clears
	offStatus  = 0x0c // uint32 result status
	offArgs    = 0x10

	// ArgBytes is the size of the operation argument area.
	ArgBytes = 256

	offResults = offArgs + ArgBytes

	// ResultBytes is the size of the operation result area.
	ResultBytes = 256
)

// ProtocolVersion is the version tag the monitor accepts. Unrecognized tags
// are rejected with StatusUnsupportedVersion, never reinterpreted.
const ProtocolVersion uint32 = 0x50560001

// Opcode selects the privileged operation.
type Opcode uint32

const (
	// OpConvertPrivate converts a frame to validated private memory.
	OpConvertPrivate Opcode = 0x0001

	// OpConvertShared converts a frame to validated shared memory.
	OpConvertShared Opcode = 0x0002

	// OpValidate raises a frame to the validated state of its ownership.
	OpValidate Opcode = 0x0003

	// OpInvalidate lowers a frame to the unvalidated state.
	OpInvalidate Opcode = 0x0004

	// OpMMIORead reads an emulated device register.
	OpMMIORead Opcode = 0x0010

	// OpMMIOWrite writes an emulated device register.
	OpMMIOWrite Opcode = 0x0011

	// OpInjectInterrupt requests delivery of a vector to a core.
	OpInjectInterrupt Opcode = 0x0020

	// OpCoprocForward proxies a command to the secure coprocessor.
	OpCoprocForward Opcode = 0x0030

	// OpAttestReport constructs an attestation report over a guest nonce.
	OpAttestReport Opcode = 0x0040

	// OpFrameStatus reports a frame's ownership record. Read-only.
	OpFrameStatus Opcode = 0x0050
)

// String implements fmt.Stringer.String.
func (op Opcode) String() string {
	switch op {
	case OpConvertPrivate:
		return "convert-private"
	case OpConvertShared:
		return "convert-shared"
	case OpValidate:
		return "validate"
	case OpInvalidate:
		return "invalidate"
	case OpMMIORead:
		return "mmio-read"
	case OpMMIOWrite:
		return "mmio-write"
	case OpInjectInterrupt:
		return "inject-interrupt"
	case OpCoprocForward:
		return "coproc-forward"
	case OpAttestReport:
		return "attest-report"
	case OpFrameStatus:
		return "frame-status"
	default:
		return "unknown"
	}
}

// Status is the result code written back to the guest. Every recoverable
// failure the guest can cause or retry surfaces as one of these; internal
// error types never cross the page.
type Status uint32

const (
	// StatusSuccess indicates the operation completed.
	StatusSuccess Status = 0

	// StatusUnsupportedVersion rejects an unrecognized version tag.
	StatusUnsupportedVersion Status = 1

	// StatusUnsupportedOperation rejects an unknown opcode.
	StatusUnsupportedOperation Status = 2

	// StatusMalformedRequest rejects arguments that failed validation.
	StatusMalformedRequest Status = 3

	// StatusStateMismatch reports a lost transition race; retryable.
	StatusStateMismatch Status = 4

	// StatusInUse reports outstanding references; retryable.
	StatusInUse Status = 5

	// StatusDeviceError reports an emulated-device failure.
	StatusDeviceError Status = 6

	// StatusProxyError reports a secure-coprocessor failure.
	StatusProxyError Status = 7

	// StatusCryptoFailure reports an attestation primitive failure.
	StatusCryptoFailure Status = 8

	// StatusBusy rejects a request that arrived while the core was
	// already handling one.
	StatusBusy Status = 9

	// StatusFatal reports that the core has halted request processing.
	StatusFatal Status = 10
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnsupportedVersion:
		return "unsupported-version"
	case StatusUnsupportedOperation:
		return "unsupported-operation"
	case StatusMalformedRequest:
		return "malformed-request"
	case StatusStateMismatch:
		return "state-mismatch"
	case StatusInUse:
		return "in-use"
	case StatusDeviceError:
		return "device-error"
	case StatusProxyError:
		return "proxy-error"
	case StatusCryptoFailure:
		return "crypto-failure"
	case StatusBusy:
		return "busy"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CallingPage models the shared page. All access goes through 32-bit atomic
// words: the guest may write concurrently with the monitor's copy, and word
// atomicity is what the hardware page gives both sides. There is no
// page-wide atomicity, which is exactly why the Guard snapshots.
type CallingPage struct {
	words [PageBytes / 4]atomic.Uint32
}

// load32 returns the word at byte offset off (must be 4-aligned).
func (p *CallingPage) load32(off int) uint32 {
	return p.words[off/4].Load()
}

// store32 sets the word at byte offset off (must be 4-aligned).
func (p *CallingPage) store32(off int, v uint32) {
	p.words[off/4].Store(v)
}

// ReadBytes copies len(b) bytes starting at off out of the page.
func (p *CallingPage) ReadBytes(off int, b []byte) {
	for i := range b {
		w := p.words[(off+i)/4].Load()
		b[i] = byte(w >> (8 * uint((off+i)%4)))
	}
}

// WriteBytes copies b into the page at off. Word-granular read-modify-write;
// concurrent writers to the same word can interleave, as on real shared
// memory.
func (p *CallingPage) WriteBytes(off int, b []byte) {
	for i := range b {
		idx := (off + i) / 4
		shift := 8 * uint((off+i)%4)
		for {
			old := p.words[idx].Load()
			nw := old&^(0xff<<shift) | uint32(b[i])<<shift
			if p.words[idx].CompareAndSwap(old, nw) {
				break
			}
		}
	}
}

// Guest-side accessors. The simulated guest (and tests) use these; the
// monitor side goes through the Guard only.

// SetRequest stages version, opcode and arguments without ringing the
// doorbell.
func (p *CallingPage) SetRequest(op Opcode, args []byte) {
	p.store32(offVersion, ProtocolVersion)
	p.store32(offOpcode, uint32(op))
	var buf [ArgBytes]byte
	copy(buf[:], args)
	p.WriteBytes(offArgs, buf[:])
}

// WriteArgs overwrites the argument area in place, without touching the
// version, opcode or doorbell words. A hostile guest mutating a request
// after ringing looks exactly like this.
func (p *CallingPage) WriteArgs(b []byte) {
	if len(b) > ArgBytes {
		b = b[:ArgBytes]
	}
	p.WriteBytes(offArgs, b)
}

// SetVersion overrides the version tag. Tests use this to present an
// unrecognized protocol.
func (p *CallingPage) SetVersion(v uint32) {
	p.store32(offVersion, v)
}

// Ring signals a pending request.
func (p *CallingPage) Ring() {
	p.store32(offPending, 1)
}

// RequestPending returns true while the doorbell is set.
func (p *CallingPage) RequestPending() bool {
	return p.load32(offPending) != 0
}

// Status returns the status word.
func (p *CallingPage) Status() Status {
	return Status(p.load32(offStatus))
}

// Results copies the result area out of the page.
func (p *CallingPage) Results() [ResultBytes]byte {
	var out [ResultBytes]byte
	p.ReadBytes(offResults, out[:])
	return out
}

// le is the wire byte order.
var le = binary.LittleEndian
