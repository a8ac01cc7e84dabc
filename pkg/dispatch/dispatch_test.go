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

package dispatch

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"paravisor.dev/paravisor/pkg/attest"
	"paravisor.dev/paravisor/pkg/bootinfo"
	"paravisor.dev/paravisor/pkg/coproxy"
	"paravisor.dev/paravisor/pkg/devices"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/guestcall"
	"paravisor.dev/paravisor/pkg/ownership"
	"paravisor.dev/paravisor/pkg/rmp"
)

type recordingInjector struct {
	mu     sync.Mutex
	events []struct {
		core   uint16
		vector uint8
	}
}

func (r *recordingInjector) Inject(core uint16, vector uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct {
		core   uint16
		vector uint8
	}{core, vector})
	return nil
}

type rig struct {
	dispatcher *Dispatcher
	table      *ownership.Table
	backend    *rmp.Shadow
	injector   *recordingInjector
	cores      []*Core
}

func newRig(t *testing.T) *rig {
	t.Helper()
	table, err := ownership.New(bootinfo.MemoryMap{
		{Range: frame.Range{Start: 0x100, Count: 0x100}, Owner: rmp.Shared},
	})
	if err != nil {
		t.Fatalf("building table: %v", err)
	}
	backend := rmp.NewShadow(table.Span())
	machine := ownership.NewMachine(table, backend, nil)
	registry := devices.NewRegistry()
	registry.Register(1, devices.NewScratch(64))
	builder, err := attest.NewBuilder([]byte("test launch"), make([]byte, 32))
	if err != nil {
		t.Fatalf("building attester: %v", err)
	}
	injector := &recordingInjector{}
	d := New(Config{
		Machine:  machine,
		Devices:  registry,
		Injector: injector,
		Proxy:    coproxy.New(&coproxy.Loopback{}),
		Attest:   builder,
		NumCores: 2,
	})
	cores := []*Core{
		NewCore(0, &guestcall.CallingPage{}),
		NewCore(1, &guestcall.CallingPage{}),
	}
	return &rig{dispatcher: d, table: table, backend: backend, injector: injector, cores: cores}
}

func ring(c *Core, op guestcall.Opcode, encode func(*[guestcall.ArgBytes]byte)) {
	var args [guestcall.ArgBytes]byte
	if encode != nil {
		encode(&args)
	}
	c.Page().SetRequest(op, args[:])
	c.Page().Ring()
}

func TestPollNoRequest(t *testing.T) {
	r := newRig(t)
	res := r.dispatcher.Poll(r.cores[0])
	if res.Status != NoRequest {
		t.Errorf("Poll = %+v, want NoRequest", res)
	}
	if got := r.cores[0].StateName(); got != "idle" {
		t.Errorf("core state = %s, want idle", got)
	}
}

func TestPollConversionSuccess(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	ring(c, guestcall.OpConvertPrivate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x164}.Encode(args)
	})

	res := r.dispatcher.Poll(c)
	if res.Status != Completed || res.Response != guestcall.StatusSuccess {
		t.Fatalf("Poll = %+v, want Completed/success", res)
	}
	if got := c.Page().Status(); got != guestcall.StatusSuccess {
		t.Errorf("guest-visible status = %v, want success", got)
	}
	info, err := r.table.Lookup(0x164)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.State != ownership.PrivateValidated {
		t.Errorf("state = %v, want private-validated", info.State)
	}
	if c.Served() != 1 {
		t.Errorf("served = %d, want 1", c.Served())
	}
}

func TestPollConversionInUse(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	if err := r.table.AcquireRef(0x164); err != nil {
		t.Fatalf("AcquireRef failed: %v", err)
	}
	ring(c, guestcall.OpConvertPrivate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x164}.Encode(args)
	})

	res := r.dispatcher.Poll(c)
	if res.Status != Completed || res.Response != guestcall.StatusInUse {
		t.Fatalf("Poll = %+v, want Completed/in-use", res)
	}
	info, _ := r.table.Lookup(0x164)
	if info.State != ownership.SharedUnvalidated {
		t.Errorf("state changed by refused conversion: %v", info.State)
	}
}

func TestPollUnknownOpcode(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	before := r.table.Counts()
	ring(c, guestcall.Opcode(0xffff), nil)

	res := r.dispatcher.Poll(c)
	if res.Status != Rejected || res.Response != guestcall.StatusUnsupportedOperation {
		t.Fatalf("Poll = %+v, want Rejected/unsupported-operation", res)
	}
	if got := c.Page().Status(); got != guestcall.StatusUnsupportedOperation {
		t.Errorf("guest-visible status = %v, want unsupported-operation", got)
	}
	if diff := cmp.Diff(before, r.table.Counts()); diff != "" {
		t.Errorf("table mutated by unknown opcode (-before +after):\n%s", diff)
	}
}

func TestPollOutOfRangeFrame(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	before := r.table.Counts()
	ring(c, guestcall.OpConvertPrivate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x9000}.Encode(args)
	})

	res := r.dispatcher.Poll(c)
	if res.Status != Rejected || res.Response != guestcall.StatusMalformedRequest {
		t.Fatalf("Poll = %+v, want Rejected/malformed-request", res)
	}
	if diff := cmp.Diff(before, r.table.Counts()); diff != "" {
		t.Errorf("table mutated by rejected request (-before +after):\n%s", diff)
	}
}

func TestPollBadVersion(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	ring(c, guestcall.OpValidate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x100}.Encode(args)
	})
	c.Page().SetVersion(0x1bad0001)

	res := r.dispatcher.Poll(c)
	if res.Status != Rejected || res.Response != guestcall.StatusUnsupportedVersion {
		t.Fatalf("Poll = %+v, want Rejected/unsupported-version", res)
	}
}

func TestPollReentrancyRefused(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	// Park the core mid-request.
	if !c.advance(coreIdle, coreHandling) {
		t.Fatalf("could not park core")
	}
	ring(c, guestcall.OpValidate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x100}.Encode(args)
	})

	res := r.dispatcher.Poll(c)
	if res.Status != Rejected {
		t.Fatalf("Poll on busy core = %+v, want Rejected", res)
	}
	// The parked request is untouched: doorbell still set, no response.
	if !c.Page().RequestPending() {
		t.Errorf("doorbell cleared by refused reentrant poll")
	}

	// Once the core returns to idle, the same request is serviced.
	c.state.Store(coreIdle)
	if res := r.dispatcher.Poll(c); res.Status != Completed {
		t.Errorf("Poll after release = %+v, want Completed", res)
	}
}

func TestPollMMIORoundTrip(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	ring(c, guestcall.OpMMIOWrite, func(args *[guestcall.ArgBytes]byte) {
		guestcall.MMIOArgs{Device: 1, Offset: 16, Size: 4, Value: 0xfeedbeef}.Encode(args)
	})
	if res := r.dispatcher.Poll(c); res.Response != guestcall.StatusSuccess {
		t.Fatalf("write Poll = %+v, want success", res)
	}

	ring(c, guestcall.OpMMIORead, func(args *[guestcall.ArgBytes]byte) {
		guestcall.MMIOArgs{Device: 1, Offset: 16, Size: 4}.Encode(args)
	})
	if res := r.dispatcher.Poll(c); res.Response != guestcall.StatusSuccess {
		t.Fatalf("read Poll = %+v, want success", res)
	}
	results := c.Page().Results()
	if got := guestcall.DecodeMMIOValue(&results); got != 0xfeedbeef {
		t.Errorf("MMIO read value = %#x, want 0xfeedbeef", got)
	}
}

func TestPollUnknownDevice(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	ring(c, guestcall.OpMMIORead, func(args *[guestcall.ArgBytes]byte) {
		guestcall.MMIOArgs{Device: 42, Offset: 0, Size: 4}.Encode(args)
	})
	res := r.dispatcher.Poll(c)
	if res.Response != guestcall.StatusUnsupportedOperation {
		t.Errorf("Poll = %+v, want unsupported-operation", res)
	}
}

func TestPollInterrupt(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	ring(c, guestcall.OpInjectInterrupt, func(args *[guestcall.ArgBytes]byte) {
		guestcall.InterruptArgs{Core: 1, Vector: 0x41}.Encode(args)
	})
	if res := r.dispatcher.Poll(c); res.Response != guestcall.StatusSuccess {
		t.Fatalf("Poll = %+v, want success", res)
	}
	r.injector.mu.Lock()
	defer r.injector.mu.Unlock()
	if len(r.injector.events) != 1 || r.injector.events[0].core != 1 || r.injector.events[0].vector != 0x41 {
		t.Errorf("injector events = %+v, want one (1, 0x41)", r.injector.events)
	}
}

func TestPollProxyEcho(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	cmd := []byte("derived key request")
	ring(c, guestcall.OpCoprocForward, func(args *[guestcall.ArgBytes]byte) {
		guestcall.ProxyArgs{Command: cmd}.Encode(args)
	})
	if res := r.dispatcher.Poll(c); res.Response != guestcall.StatusSuccess {
		t.Fatalf("Poll = %+v, want success", res)
	}
	results := c.Page().Results()
	if got := guestcall.DecodeProxyResponse(&results); !bytes.Equal(got, cmd) {
		t.Errorf("proxy response = %q, want %q", got, cmd)
	}
}

func TestPollProxyOversized(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	ring(c, guestcall.OpCoprocForward, func(args *[guestcall.ArgBytes]byte) {
		guestcall.ProxyArgs{}.EncodeLength(args, coproxy.MaxCommandLen+1)
	})
	res := r.dispatcher.Poll(c)
	if res.Status != Rejected || res.Response != guestcall.StatusMalformedRequest {
		t.Errorf("Poll = %+v, want Rejected/malformed-request", res)
	}
}

func TestPollAttestReport(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	var nonce [32]byte
	copy(nonce[:], "unique challenge value")
	ring(c, guestcall.OpAttestReport, func(args *[guestcall.ArgBytes]byte) {
		guestcall.AttestArgs{Nonce: nonce}.Encode(args)
	})
	if res := r.dispatcher.Poll(c); res.Response != guestcall.StatusSuccess {
		t.Fatalf("Poll = %+v, want success", res)
	}
	results := c.Page().Results()
	if !bytes.Equal(results[0:32], nonce[:]) {
		t.Errorf("report does not echo the nonce")
	}
}

func TestPollFrameStatus(t *testing.T) {
	r := newRig(t)
	c := r.cores[0]
	if err := r.table.AcquireRef(0x123); err != nil {
		t.Fatalf("AcquireRef failed: %v", err)
	}
	ring(c, guestcall.OpFrameStatus, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x123}.Encode(args)
	})
	if res := r.dispatcher.Poll(c); res.Response != guestcall.StatusSuccess {
		t.Fatalf("Poll = %+v, want success", res)
	}
	results := c.Page().Results()
	got := guestcall.DecodeFrameStatusResult(&results)
	want := guestcall.FrameStatusResult{State: uint8(ownership.SharedUnvalidated), Refs: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame status mismatch (-want +got):\n%s", diff)
	}
}

func TestPollFatalHaltsOnlyThatCore(t *testing.T) {
	r := newRig(t)
	c0, c1 := r.cores[0], r.cores[1]

	r.backend.FailNext(8)
	ring(c0, guestcall.OpConvertPrivate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x140}.Encode(args)
	})
	res := r.dispatcher.Poll(c0)
	if res.Status != Fatal {
		t.Fatalf("Poll with rejecting hardware = %+v, want Fatal", res)
	}
	if !errors.Is(res.Err, rmp.ErrHardwareRejected) {
		t.Errorf("fatal diagnostic = %v, want ErrHardwareRejected", res.Err)
	}
	if got := c0.Page().Status(); got != guestcall.StatusFatal {
		t.Errorf("guest-visible status = %v, want fatal", got)
	}
	if got := c0.StateName(); got != "fatal" {
		t.Errorf("core state = %s, want fatal", got)
	}

	// Further polls on the halted core do nothing.
	ring(c0, guestcall.OpValidate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x100}.Encode(args)
	})
	if res := r.dispatcher.Poll(c0); res.Status != Fatal {
		t.Errorf("Poll on halted core = %+v, want Fatal", res)
	}

	// The sibling core is unaffected.
	r.backend.FailNext(0)
	ring(c1, guestcall.OpConvertPrivate, func(args *[guestcall.ArgBytes]byte) {
		guestcall.PageArgs{Frame: 0x150}.Encode(args)
	})
	if res := r.dispatcher.Poll(c1); res.Status != Completed || res.Response != guestcall.StatusSuccess {
		t.Errorf("sibling core Poll = %+v, want Completed/success", res)
	}
}
