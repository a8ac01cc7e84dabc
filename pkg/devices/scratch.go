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

package devices

import (
	"encoding/binary"
	"sync"
)

// Scratch is a bank of byte-addressable scratch registers. The harness and
// tests use it as a stand-in MMIO backend; it implements the full Device
// access contract including the window check.
type Scratch struct {
	mu   sync.Mutex
	regs []byte
}

// NewScratch returns a Scratch with a window of n bytes.
func NewScratch(n uint64) *Scratch {
	return &Scratch{regs: make([]byte, n)}
}

// Size implements Device.Size.
func (s *Scratch) Size() uint64 {
	return uint64(len(s.regs))
}

// MMIORead implements Device.MMIORead.
func (s *Scratch) MMIORead(off uint64, size uint8) (uint64, error) {
	if err := checkAccess(s.Size(), off, size); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf [8]byte
	copy(buf[:size], s.regs[off:off+uint64(size)])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// MMIOWrite implements Device.MMIOWrite.
func (s *Scratch) MMIOWrite(off uint64, size uint8, val uint64) error {
	if err := checkAccess(s.Size(), off, size); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(s.regs[off:off+uint64(size)], buf[:size])
	return nil
}
