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

	"paravisor.dev/paravisor/pkg/frame"
)

// Per-operation argument and result layouts, at fixed offsets within the
// argument and result areas. Decoders run only on guarded snapshots.

// PageArgs is the argument block for the page operations (convert,
// validate, invalidate, frame-status).
type PageArgs struct {
	Frame frame.Frame // args[0:8]
}

// Encode writes the arguments at their fixed offsets.
func (a PageArgs) Encode(args *[ArgBytes]byte) {
	le.PutUint64(args[0:8], uint64(a.Frame))
}

// DecodePageArgs reads a PageArgs from a validated snapshot.
func DecodePageArgs(args *[ArgBytes]byte) PageArgs {
	return PageArgs{Frame: frame.Frame(le.Uint64(args[0:8]))}
}

// MMIOArgs is the argument block for emulated device access.
type MMIOArgs struct {
	Device uint32 // args[0:4]
	Offset uint64 // args[8:16]
	Size   uint8  // args[16]; 1, 2, 4 or 8
	Value  uint64 // args[24:32]; writes only
}

// Encode writes the arguments at their fixed offsets.
func (a MMIOArgs) Encode(args *[ArgBytes]byte) {
	le.PutUint32(args[0:4], a.Device)
	le.PutUint64(args[8:16], a.Offset)
	args[16] = a.Size
	le.PutUint64(args[24:32], a.Value)
}

// DecodeMMIOArgs reads an MMIOArgs from a validated snapshot.
func DecodeMMIOArgs(args *[ArgBytes]byte) MMIOArgs {
	return MMIOArgs{
		Device: le.Uint32(args[0:4]),
		Offset: le.Uint64(args[8:16]),
		Size:   args[16],
		Value:  le.Uint64(args[24:32]),
	}
}

// InterruptArgs is the argument block for interrupt delivery.
type InterruptArgs struct {
	Core   uint32 // args[0:4]
	Vector uint8  // args[4]
}

// Encode writes the arguments at their fixed offsets.
func (a InterruptArgs) Encode(args *[ArgBytes]byte) {
	le.PutUint32(args[0:4], a.Core)
	args[4] = a.Vector
}

// DecodeInterruptArgs reads an InterruptArgs from a validated snapshot.
func DecodeInterruptArgs(args *[ArgBytes]byte) InterruptArgs {
	return InterruptArgs{Core: le.Uint32(args[0:4]), Vector: args[4]}
}

// ProxyArgs is the argument block for the coprocessor proxy. The command
// payload is carried inline; its declared length is validated against the
// proxy bound before anything is copied out.
type ProxyArgs struct {
	Command []byte // length at args[0:4], payload at args[8:]
}

// MaxProxyPayload is the largest command that fits the argument area.
const MaxProxyPayload = ArgBytes - 8

// Encode writes the arguments at their fixed offsets. Oversized commands
// are truncated to the area; the validator rejects their declared length.
func (a ProxyArgs) Encode(args *[ArgBytes]byte) {
	le.PutUint32(args[0:4], uint32(len(a.Command)))
	copy(args[8:], a.Command)
}

// EncodeLength overrides just the declared length, leaving the payload
// bytes alone. Tests use this to declare out-of-bounds lengths.
func (a ProxyArgs) EncodeLength(args *[ArgBytes]byte, length uint32) {
	le.PutUint32(args[0:4], length)
}

// DecodeProxyArgs reads a ProxyArgs from a validated snapshot. The length
// has already been bounds-checked by the guard; clamp anyway so a misuse
// cannot read past the area.
func DecodeProxyArgs(args *[ArgBytes]byte) ProxyArgs {
	n := le.Uint32(args[0:4])
	if n > MaxProxyPayload {
		n = MaxProxyPayload
	}
	cmd := make([]byte, n)
	copy(cmd, args[8:8+n])
	return ProxyArgs{Command: cmd}
}

// AttestArgs is the argument block for attestation reports.
type AttestArgs struct {
	Nonce [32]byte // args[0:32]
}

// Encode writes the arguments at their fixed offsets.
func (a AttestArgs) Encode(args *[ArgBytes]byte) {
	copy(args[0:32], a.Nonce[:])
}

// DecodeAttestArgs reads an AttestArgs from a validated snapshot.
func DecodeAttestArgs(args *[ArgBytes]byte) AttestArgs {
	var a AttestArgs
	copy(a.Nonce[:], args[0:32])
	return a
}

// Result encoders. Handlers fill the response result area with these.

// EncodeMMIOValue writes an MMIO read result.
func EncodeMMIOValue(results *[ResultBytes]byte, v uint64) {
	le.PutUint64(results[0:8], v)
}

// DecodeMMIOValue reads an MMIO read result.
func DecodeMMIOValue(results *[ResultBytes]byte) uint64 {
	return le.Uint64(results[0:8])
}

// MaxProxyResponse is the largest proxy response that fits the result area.
const MaxProxyResponse = ResultBytes - 8

// EncodeProxyResponse writes a proxy response into the result area.
func EncodeProxyResponse(results *[ResultBytes]byte, b []byte) error {
	if len(b) > MaxProxyResponse {
		return fmt.Errorf("proxy response of %d bytes exceeds result area", len(b))
	}
	le.PutUint32(results[0:4], uint32(len(b)))
	copy(results[8:], b)
	return nil
}

// DecodeProxyResponse reads a proxy response from the result area.
func DecodeProxyResponse(results *[ResultBytes]byte) []byte {
	n := le.Uint32(results[0:4])
	if n > MaxProxyResponse {
		n = MaxProxyResponse
	}
	out := make([]byte, n)
	copy(out, results[8:8+n])
	return out
}

// FrameStatusResult is the result block for frame-status queries.
type FrameStatusResult struct {
	State   uint8 // results[0]
	Pending bool  // results[1]
	Refs    int32 // results[4:8]
}

// Encode writes the result at its fixed offsets.
func (r FrameStatusResult) Encode(results *[ResultBytes]byte) {
	results[0] = r.State
	if r.Pending {
		results[1] = 1
	} else {
		results[1] = 0
	}
	le.PutUint32(results[4:8], uint32(r.Refs))
}

// DecodeFrameStatusResult reads a FrameStatusResult.
func DecodeFrameStatusResult(results *[ResultBytes]byte) FrameStatusResult {
	return FrameStatusResult{
		State:   results[0],
		Pending: results[1] != 0,
		Refs:    int32(le.Uint32(results[4:8])),
	}
}
