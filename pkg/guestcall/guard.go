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

package guestcall

import (
	"fmt"
)

// Request is a guarded snapshot of one guest request. Its fields are copies;
// nothing in it aliases the live page.
type Request struct {
	Opcode Opcode
	Args   [ArgBytes]byte
}

// Response is the snapshot a handler fills in; Commit writes it back in a
// single pass.
type Response struct {
	Status  Status
	Results [ResultBytes]byte
}

// ProtocolError is a guard rejection. It carries the status the dispatcher
// reports to the guest; no handler runs.
type ProtocolError struct {
	Status Status
	Reason string
}

// Error implements error.Error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%v): %s", e.Status, e.Reason)
}

// ErrNoRequest is returned by Fetch when the snapshot shows no doorbell.
var ErrNoRequest = fmt.Errorf("no request pending")

// ArgValidator checks one operation's argument area. A nil return admits
// the request.
type ArgValidator func(args *[ArgBytes]byte) error

// Guard copies and validates calling pages. One Guard serves all cores; it
// holds no per-request state.
type Guard struct {
	validators map[Opcode]ArgValidator
}

// Bounds is the topology the validators enforce.
type Bounds struct {
	// FrameValid reports whether a frame argument is inside the VM's
	// assigned range.
	FrameValid func(f uint64) bool

	// NumCores bounds interrupt targets.
	NumCores uint32

	// MaxProxyCommand bounds the declared coprocessor command length.
	MaxProxyCommand uint32
}

// NewGuard returns a Guard enforcing b for every defined opcode.
func NewGuard(b Bounds) *Guard {
	frameArg := func(args *[ArgBytes]byte) error {
		f := le.Uint64(args[0:8])
		if b.FrameValid != nil && !b.FrameValid(f) {
			return fmt.Errorf("frame %#x out of range", f)
		}
		return nil
	}
	g := &Guard{validators: map[Opcode]ArgValidator{
		OpConvertPrivate: frameArg,
		OpConvertShared:  frameArg,
		OpValidate:       frameArg,
		OpInvalidate:     frameArg,
		OpFrameStatus:    frameArg,
		OpMMIORead: func(args *[ArgBytes]byte) error {
			return validateMMIO(args)
		},
		OpMMIOWrite: func(args *[ArgBytes]byte) error {
			return validateMMIO(args)
		},
		OpInjectInterrupt: func(args *[ArgBytes]byte) error {
			a := DecodeInterruptArgs(args)
			if a.Core >= b.NumCores {
				return fmt.Errorf("interrupt target core %d out of range", a.Core)
			}
			if a.Vector < 32 {
				return fmt.Errorf("vector %d is reserved", a.Vector)
			}
			return nil
		},
		OpCoprocForward: func(args *[ArgBytes]byte) error {
			n := le.Uint32(args[0:4])
			max := b.MaxProxyCommand
			if max == 0 || max > MaxProxyPayload {
				max = MaxProxyPayload
			}
			if n > max {
				return fmt.Errorf("command length %d exceeds maximum %d", n, max)
			}
			return nil
		},
		OpAttestReport: func(args *[ArgBytes]byte) error {
			return nil // any nonce is acceptable
		},
	}}
	return g
}

func validateMMIO(args *[ArgBytes]byte) error {
	a := DecodeMMIOArgs(args)
	switch a.Size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("access size %d not supported", a.Size)
	}
	if a.Offset%uint64(a.Size) != 0 {
		return fmt.Errorf("offset %#x not aligned to size %d", a.Offset, a.Size)
	}
	return nil
}

// Fetch copies the entire page once into monitor memory, then validates the
// copy. After it returns, nothing reads the live page again until the next
// Fetch: a guest mutating the page mid-request changes only the page, never
// the snapshot a handler sees.
func (g *Guard) Fetch(page *CallingPage) (*Request, error) {
	var snap [PageBytes]byte
	page.ReadBytes(0, snap[:])

	// Everything below reads the snapshot only.
	if le.Uint32(snap[offPending:offPending+4]) == 0 {
		return nil, ErrNoRequest
	}
	if v := le.Uint32(snap[offVersion : offVersion+4]); v != ProtocolVersion {
		return nil, &ProtocolError{
			Status: StatusUnsupportedVersion,
			Reason: fmt.Sprintf("version tag %#x", v),
		}
	}
	req := &Request{Opcode: Opcode(le.Uint32(snap[offOpcode : offOpcode+4]))}
	copy(req.Args[:], snap[offArgs:offArgs+ArgBytes])

	v, ok := g.validators[req.Opcode]
	if !ok {
		return nil, &ProtocolError{
			Status: StatusUnsupportedOperation,
			Reason: fmt.Sprintf("opcode %#x", uint32(req.Opcode)),
		}
	}
	if err := v(&req.Args); err != nil {
		return nil, &ProtocolError{
			Status: StatusMalformedRequest,
			Reason: err.Error(),
		}
	}
	return req, nil
}

// Commit writes the response in one pass and then clears the doorbell,
// which is the completion signal the guest polls on. Results and status
// land before the doorbell clears.
func (g *Guard) Commit(page *CallingPage, resp *Response) {
	page.WriteBytes(offResults, resp.Results[:])
	page.store32(offStatus, uint32(resp.Status))
	page.store32(offPending, 0)
}

// CommitStatus writes a bare status with zeroed results. Used for guard
// rejections where no handler produced results.
func (g *Guard) CommitStatus(page *CallingPage, s Status) {
	var resp Response
	resp.Status = s
	g.Commit(page, &resp)
}
