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

// Package attest builds attestation reports over opaque crypto primitives.
//
// The monitor treats hash and cipher as compute-and-verify black boxes; any
// failure surfaces as ErrCryptoFailure, which the dispatcher reports to the
// guest without halting the core.
package attest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCryptoFailure wraps any primitive failure. Non-fatal to request
// processing.
var ErrCryptoFailure = errors.New("crypto failure")

// ReportLen is the fixed length of a report: nonce echo (32), measurement
// digest (64), launch digest (64), frame summary (16).
const ReportLen = 32 + 64 + 64 + 16

// Builder constructs reports binding a guest nonce to the monitor's
// measurement and a live summary of the page ownership table.
type Builder struct {
	// measurement is the boot-time launch digest handed over by the boot
	// stage. Fixed for the monitor's lifetime.
	measurement [64]byte

	sealer cipher.AEAD
}

// NewBuilder returns a Builder. key seals report transport to the
// coprocessor; it must be 16, 24 or 32 bytes.
func NewBuilder(launchData []byte, key []byte) (*Builder, error) {
	b := &Builder{measurement: sha512.Sum512(launchData)}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	b.sealer = aead
	return b, nil
}

// FrameSummary is the table digest bound into a report.
type FrameSummary struct {
	PrivateValidated uint64
	SharedValidated  uint64
}

// Report builds a report over nonce and summary.
func (b *Builder) Report(nonce [32]byte, summary FrameSummary) ([ReportLen]byte, error) {
	var out [ReportLen]byte
	copy(out[0:32], nonce[:])
	copy(out[32:96], b.measurement[:])

	// Bind nonce and measurement together so a report cannot be replayed
	// under a different nonce.
	h := sha512.New()
	h.Write(nonce[:])
	h.Write(b.measurement[:])
	copy(out[96:160], h.Sum(nil))

	binary.LittleEndian.PutUint64(out[160:168], summary.PrivateValidated)
	binary.LittleEndian.PutUint64(out[168:176], summary.SharedValidated)
	return out, nil
}

// Seal encrypts a report for transport through the untrusted host to the
// verifier.
func (b *Builder) Seal(report []byte) ([]byte, error) {
	nonce := make([]byte, b.sealer.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return b.sealer.Seal(nonce, nonce, report, nil), nil
}

// Open decrypts a sealed report. Verification helper for tests and the
// debug tooling.
func (b *Builder) Open(sealed []byte) ([]byte, error) {
	ns := b.sealer.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("%w: sealed report too short", ErrCryptoFailure)
	}
	out, err := b.sealer.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return out, nil
}
