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

package monitor

import (
	"fmt"
	"sync"
)

// vectorLatch is the software interrupt injector: a per-core 256-bit set of
// pending vectors. The platform's doorbell to the target core is out of
// scope here; consumers drain the set with Take.
type vectorLatch struct {
	mu      sync.Mutex
	pending [][4]uint64
}

func newVectorLatch(cores int) *vectorLatch {
	return &vectorLatch{pending: make([][4]uint64, cores)}
}

// Inject implements dispatch.Injector.
func (v *vectorLatch) Inject(core uint16, vector uint8) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if int(core) >= len(v.pending) {
		return fmt.Errorf("no core %d", core)
	}
	v.pending[core][vector/64] |= 1 << (vector % 64)
	return nil
}

// Take drains and returns core's pending vectors in ascending order.
func (v *vectorLatch) Take(core uint16) []uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if int(core) >= len(v.pending) {
		return nil
	}
	var out []uint8
	for i := 0; i < 256; i++ {
		if v.pending[core][i/64]&(1<<(i%64)) != 0 {
			out = append(out, uint8(i))
		}
	}
	v.pending[core] = [4]uint64{}
	return out
}
