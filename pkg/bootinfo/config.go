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

package bootinfo

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/rmp"
)

// config mirrors the TOML layout consumed by the runpv harness. A real
// deployment receives the same information from the boot stage directly; the
// file form exists so the simulated machine is scriptable.
type config struct {
	Cores  int            `toml:"cores"`
	Memory []configRegion `toml:"memory"`
}

type configRegion struct {
	Base      string `toml:"base"` // guest physical address, hex accepted
	Frames    uint64 `toml:"frames"`
	Owner     string `toml:"owner"` // "shared" or "private"
	Validated bool   `toml:"validated"`
	VMPL      uint8  `toml:"vmpl"`
}

func parseAddr(s string) (uint64, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "0x%x", &v); err == nil {
		return v, nil
	}
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("invalid address %q", s)
}

// LoadConfig reads a Handoff from a TOML file.
func LoadConfig(path string) (*Handoff, error) {
	var cfg config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	h := &Handoff{NumCores: cfg.Cores}
	if h.NumCores == 0 {
		h.NumCores = 1
	}
	for i, cr := range cfg.Memory {
		addr, err := parseAddr(cr.Base)
		if err != nil {
			return nil, fmt.Errorf("memory[%d]: %w", i, err)
		}
		start, err := frame.FromAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("memory[%d]: %w", i, err)
		}
		var owner rmp.Ownership
		switch cr.Owner {
		case "shared", "":
			owner = rmp.Shared
		case "private":
			owner = rmp.Private
		default:
			return nil, fmt.Errorf("memory[%d]: invalid owner %q", i, cr.Owner)
		}
		h.Memory = append(h.Memory, Region{
			Range:     frame.Range{Start: start, Count: cr.Frames},
			Owner:     owner,
			Validated: cr.Validated,
			VMPL:      cr.VMPL,
		})
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}
