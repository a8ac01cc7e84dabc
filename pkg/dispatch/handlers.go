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
	"errors"
	"fmt"

	"paravisor.dev/paravisor/pkg/attest"
	"paravisor.dev/paravisor/pkg/coproxy"
	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/guestcall"
	"paravisor.dev/paravisor/pkg/ownership"
	"paravisor.dev/paravisor/pkg/rmp"
)

// errProxyFailed wraps transport-side coprocessor failures for status
// mapping.
var errProxyFailed = errors.New("coprocessor proxy failure")

func frameOf(v uint64) frame.Frame {
	return frame.Frame(v)
}

func (d *Dispatcher) handleConvertPrivate(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodePageArgs(&req.Args)
	return d.cfg.Machine.Convert(a.Frame, rmp.Private, c.id)
}

func (d *Dispatcher) handleConvertShared(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodePageArgs(&req.Args)
	return d.cfg.Machine.Convert(a.Frame, rmp.Shared, c.id)
}

func (d *Dispatcher) handleValidate(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodePageArgs(&req.Args)
	return d.cfg.Machine.ValidateFrame(a.Frame)
}

func (d *Dispatcher) handleInvalidate(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodePageArgs(&req.Args)
	return d.cfg.Machine.InvalidateFrame(a.Frame)
}

func (d *Dispatcher) handleMMIORead(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodeMMIOArgs(&req.Args)
	dev, err := d.cfg.Devices.Lookup(a.Device)
	if err != nil {
		return err
	}
	v, err := dev.MMIORead(a.Offset, a.Size)
	if err != nil {
		return err
	}
	guestcall.EncodeMMIOValue(&resp.Results, v)
	return nil
}

func (d *Dispatcher) handleMMIOWrite(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodeMMIOArgs(&req.Args)
	dev, err := d.cfg.Devices.Lookup(a.Device)
	if err != nil {
		return err
	}
	return dev.MMIOWrite(a.Offset, a.Size, a.Value)
}

func (d *Dispatcher) handleInterrupt(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodeInterruptArgs(&req.Args)
	// The guard has bounds-checked the vector and target; what remains is
	// the platform's injection mechanism.
	return d.cfg.Injector.Inject(uint16(a.Core), a.Vector)
}

func (d *Dispatcher) handleCoprocForward(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodeProxyArgs(&req.Args)
	out, err := d.cfg.Proxy.Forward(a.Command)
	if err != nil {
		if errors.Is(err, coproxy.ErrCommandTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", errProxyFailed, err)
	}
	if err := guestcall.EncodeProxyResponse(&resp.Results, out); err != nil {
		return fmt.Errorf("%w: %v", errProxyFailed, err)
	}
	return nil
}

func (d *Dispatcher) handleAttestReport(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodeAttestArgs(&req.Args)
	counts := d.cfg.Machine.Table().Counts()
	report, err := d.cfg.Attest.Report(a.Nonce, attest.FrameSummary{
		PrivateValidated: counts[ownership.PrivateValidated],
		SharedValidated:  counts[ownership.SharedValidated],
	})
	if err != nil {
		return err
	}
	copy(resp.Results[:], report[:])
	return nil
}

func (d *Dispatcher) handleFrameStatus(c *Core, req *guestcall.Request, resp *guestcall.Response) error {
	a := guestcall.DecodePageArgs(&req.Args)
	info, err := d.cfg.Machine.Table().Lookup(a.Frame)
	if err != nil {
		return err
	}
	guestcall.FrameStatusResult{
		State:   uint8(info.State),
		Pending: info.Pending,
		Refs:    info.Refs,
	}.Encode(&resp.Results)
	return nil
}
