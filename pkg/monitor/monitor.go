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

// Package monitor assembles the runtime monitor: the ownership table and
// transition machine over a hardware backend, the device registry, the
// coprocessor proxy, the attestation builder, and one dispatch loop per
// guest core.
package monitor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"paravisor.dev/paravisor/pkg/attest"
	"paravisor.dev/paravisor/pkg/bootinfo"
	"paravisor.dev/paravisor/pkg/coproxy"
	"paravisor.dev/paravisor/pkg/devices"
	"paravisor.dev/paravisor/pkg/dispatch"
	"paravisor.dev/paravisor/pkg/guestcall"
	"paravisor.dev/paravisor/pkg/ownership"
	"paravisor.dev/paravisor/pkg/rmp"
)

// ScratchDevice is the device ID of the built-in scratch register bank.
const ScratchDevice = 1

// pollInterval paces an idle core's doorbell polling.
const pollInterval = 50 * time.Microsecond

// Config assembles a Monitor.
type Config struct {
	// Handoff is the boot-stage description of memory and cores.
	Handoff *bootinfo.Handoff

	// Backend performs the hardware page primitives. Nil selects the
	// software shadow.
	Backend rmp.Backend

	// Transport reaches the security coprocessor. Nil selects a loopback.
	Transport coproxy.Transport

	// LaunchData seeds the launch measurement.
	LaunchData []byte

	// SealKey protects sealed attestation reports. Nil derives a key from
	// LaunchData; real deployments obtain one from the coprocessor.
	SealKey []byte

	Log *logrus.Entry
}

// Monitor owns all per-VM state and the per-core dispatch loops.
type Monitor struct {
	table    *ownership.Table
	machine  *ownership.Machine
	backend  rmp.Backend
	registry *devices.Registry
	injector *vectorLatch
	attester *attest.Builder

	dispatcher *dispatch.Dispatcher
	cores      []*dispatch.Core

	log *logrus.Entry
}

// New builds a Monitor from cfg. The hardware backend is brought into
// agreement with the handoff's initial region states before any request is
// served.
func New(cfg Config) (*Monitor, error) {
	if cfg.Handoff == nil {
		return nil, fmt.Errorf("no handoff")
	}
	if err := cfg.Handoff.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handoff: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	table, err := ownership.New(cfg.Handoff.Memory)
	if err != nil {
		return nil, err
	}
	backend := cfg.Backend
	if backend == nil {
		backend = rmp.NewShadow(table.Span())
	}
	if err := seedBackend(backend, cfg.Handoff.Memory); err != nil {
		return nil, fmt.Errorf("seeding page backend: %w", err)
	}
	machine := ownership.NewMachine(table, backend, log)

	registry := devices.NewRegistry()
	registry.Register(ScratchDevice, devices.NewScratch(256))

	transport := cfg.Transport
	if transport == nil {
		transport = &coproxy.Loopback{}
	}

	sealKey := cfg.SealKey
	if sealKey == nil {
		derived := sha256.Sum256(append([]byte("seal:"), cfg.LaunchData...))
		sealKey = derived[:]
	}
	attester, err := attest.NewBuilder(cfg.LaunchData, sealKey)
	if err != nil {
		return nil, fmt.Errorf("building attester: %w", err)
	}

	injector := newVectorLatch(cfg.Handoff.NumCores)
	m := &Monitor{
		table:    table,
		machine:  machine,
		backend:  backend,
		registry: registry,
		injector: injector,
		attester: attester,
		log:      log,
	}
	m.dispatcher = dispatch.New(dispatch.Config{
		Machine:  machine,
		Devices:  registry,
		Injector: injector,
		Proxy:    coproxy.New(transport),
		Attest:   attester,
		NumCores: uint32(cfg.Handoff.NumCores),
		Log:      log,
	})
	m.cores = make([]*dispatch.Core, cfg.Handoff.NumCores)
	for i := range m.cores {
		m.cores[i] = dispatch.NewCore(uint16(i), &guestcall.CallingPage{})
	}
	return m, nil
}

// seedBackend replays the handoff's initial classifications into the
// hardware adapter so table and hardware agree from the first request.
func seedBackend(b rmp.Backend, mm bootinfo.MemoryMap) error {
	for _, region := range mm {
		for f := region.Range.Start; f < region.Range.End(); f++ {
			if region.Owner == rmp.Private {
				if err := b.Reclassify(f, rmp.Private); err != nil {
					return err
				}
			}
			if region.Validated {
				if err := b.Validate(f); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Table returns the ownership table.
func (m *Monitor) Table() *ownership.Table {
	return m.table
}

// Registry returns the device registry, for registering platform devices
// before Run.
func (m *Monitor) Registry() *devices.Registry {
	return m.registry
}

// NumCores returns the configured core count.
func (m *Monitor) NumCores() int {
	return len(m.cores)
}

// Page returns core i's calling page. The guest side holds this to issue
// requests.
func (m *Monitor) Page(i int) *guestcall.CallingPage {
	return m.cores[i].Page()
}

// TakePending drains the software interrupt latch for core i.
func (m *Monitor) TakePending(i int) []uint8 {
	return m.injector.Take(uint16(i))
}

// Run drives one poll loop per core until ctx is cancelled. A core that
// halts fatally has its in-flight transition markers abandoned and its loop
// exits; the remaining cores keep serving. Run returns nil on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cores {
		c := c
		g.Go(func() error {
			return m.runCore(ctx, c)
		})
	}
	return g.Wait()
}

func (m *Monitor) runCore(ctx context.Context, c *dispatch.Core) error {
	log := m.log.WithField("core", c.ID())
	log.Debug("core loop starting")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		res := m.dispatcher.Poll(c)
		switch res.Status {
		case dispatch.NoRequest:
			time.Sleep(pollInterval)
		case dispatch.Fatal:
			abandoned := m.table.AbandonCore(c.ID())
			log.WithError(res.Err).WithField("abandoned", abandoned).
				Error("core halted; loop exiting")
			return nil
		}
	}
}
