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

	"github.com/sirupsen/logrus"
	"paravisor.dev/paravisor/pkg/attest"
	"paravisor.dev/paravisor/pkg/coproxy"
	"paravisor.dev/paravisor/pkg/devices"
	"paravisor.dev/paravisor/pkg/guestcall"
	"paravisor.dev/paravisor/pkg/ownership"
	"paravisor.dev/paravisor/pkg/rmp"
)

// PollStatus classifies one Poll call.
type PollStatus int

const (
	// NoRequest: the doorbell was clear.
	NoRequest PollStatus = iota

	// Completed: a request ran to commit (including handler failures
	// reported in the response status).
	Completed

	// Rejected: the request never reached a handler (guard rejection or
	// reentrant poll).
	Rejected

	// Fatal: the core halted, now or previously.
	Fatal
)

// PollResult reports what one Poll did.
type PollResult struct {
	Status PollStatus

	// Op is the operation handled, for Completed.
	Op guestcall.Opcode

	// Response is the status written to the guest, for Completed and
	// guard-Rejected results.
	Response guestcall.Status

	// Err carries the diagnostic for Fatal results.
	Err error
}

// Injector delivers an interrupt vector to a core. The platform implements
// it; a software pending-vector set stands in under test.
type Injector interface {
	Inject(core uint16, vector uint8) error
}

// Config wires a Dispatcher.
type Config struct {
	Machine  *ownership.Machine
	Devices  *devices.Registry
	Injector Injector
	Proxy    *coproxy.Proxy
	Attest   *attest.Builder
	NumCores uint32
	Log      *logrus.Entry
}

// handler runs one validated request. It fills resp.Results; the dispatcher
// derives resp.Status from the returned error.
type handler func(d *Dispatcher, c *Core, req *guestcall.Request, resp *guestcall.Response) error

// Dispatcher interprets guarded requests for all cores. It holds no
// per-request state; the per-core state lives in Core.
type Dispatcher struct {
	cfg      Config
	guard    *guestcall.Guard
	handlers map[guestcall.Opcode]handler
	log      *logrus.Entry
}

// New returns a Dispatcher over cfg.
func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	table := cfg.Machine.Table()
	d := &Dispatcher{
		cfg: cfg,
		guard: guestcall.NewGuard(guestcall.Bounds{
			FrameValid: func(f uint64) bool {
				_, err := table.Lookup(frameOf(f))
				return err == nil
			},
			NumCores:        cfg.NumCores,
			MaxProxyCommand: coproxy.MaxCommandLen,
		}),
		log: log,
	}
	d.handlers = map[guestcall.Opcode]handler{
		guestcall.OpConvertPrivate:  (*Dispatcher).handleConvertPrivate,
		guestcall.OpConvertShared:   (*Dispatcher).handleConvertShared,
		guestcall.OpValidate:        (*Dispatcher).handleValidate,
		guestcall.OpInvalidate:      (*Dispatcher).handleInvalidate,
		guestcall.OpMMIORead:        (*Dispatcher).handleMMIORead,
		guestcall.OpMMIOWrite:       (*Dispatcher).handleMMIOWrite,
		guestcall.OpInjectInterrupt: (*Dispatcher).handleInterrupt,
		guestcall.OpCoprocForward:   (*Dispatcher).handleCoprocForward,
		guestcall.OpAttestReport:    (*Dispatcher).handleAttestReport,
		guestcall.OpFrameStatus:     (*Dispatcher).handleFrameStatus,
	}
	return d
}

// Poll services at most one request on c: doorbell check, guarded fetch,
// dispatch, handle, commit. Exactly one of the PollStatus values describes
// what happened. Poll never blocks on the guest.
func (d *Dispatcher) Poll(c *Core) PollResult {
	if c.state.Load() == coreFatal {
		return PollResult{Status: Fatal, Err: c.FatalErr()}
	}
	if !c.advance(coreIdle, coreFetching) {
		// Another context is mid-request on this core. One outstanding
		// request per core; the overlapping poll is refused, not
		// queued.
		c.rejected.Add(1)
		return PollResult{Status: Rejected}
	}

	req, err := d.guard.Fetch(c.page)
	if err != nil {
		if errors.Is(err, guestcall.ErrNoRequest) {
			c.mustAdvance(coreFetching, coreIdle)
			return PollResult{Status: NoRequest}
		}
		var perr *guestcall.ProtocolError
		if !errors.As(err, &perr) {
			// Fetch yields ErrNoRequest or a ProtocolError only.
			c.latchFatal(err)
			return PollResult{Status: Fatal, Err: err}
		}
		c.mustAdvance(coreFetching, coreCommitting)
		d.guard.CommitStatus(c.page, perr.Status)
		c.mustAdvance(coreCommitting, coreIdle)
		c.rejected.Add(1)
		d.log.WithFields(logrus.Fields{
			"core":   c.id,
			"status": perr.Status,
			"reason": perr.Reason,
		}).Debug("request rejected")
		return PollResult{Status: Rejected, Response: perr.Status}
	}

	c.mustAdvance(coreFetching, coreValidating)
	c.mustAdvance(coreValidating, coreDispatching)
	h, ok := d.handlers[req.Opcode]
	if !ok {
		// The guard admits only opcodes it has validators for; the
		// handler table mirrors that set.
		c.mustAdvance(coreDispatching, coreCommitting)
		d.guard.CommitStatus(c.page, guestcall.StatusUnsupportedOperation)
		c.mustAdvance(coreCommitting, coreIdle)
		c.rejected.Add(1)
		return PollResult{Status: Rejected, Response: guestcall.StatusUnsupportedOperation}
	}

	c.mustAdvance(coreDispatching, coreHandling)
	resp := &guestcall.Response{}
	herr := h(d, c, req, resp)
	resp.Status = statusFor(herr)

	if errors.Is(herr, rmp.ErrHardwareRejected) {
		// The trust invariant itself is suspect; halt this core. The
		// final response tells the guest why its vCPU went quiet.
		d.guard.Commit(c.page, &guestcall.Response{Status: guestcall.StatusFatal})
		c.latchFatal(herr)
		d.log.WithFields(logrus.Fields{
			"core": c.id,
			"op":   req.Opcode,
		}).WithError(herr).Error("core halted on hardware inconsistency")
		return PollResult{Status: Fatal, Op: req.Opcode, Err: herr}
	}

	c.mustAdvance(coreHandling, coreCommitting)
	d.guard.Commit(c.page, resp)
	c.mustAdvance(coreCommitting, coreIdle)
	c.served.Add(1)
	if herr != nil {
		d.log.WithFields(logrus.Fields{
			"core":   c.id,
			"op":     req.Opcode,
			"status": resp.Status,
		}).WithError(herr).Debug("request failed")
	}
	return PollResult{Status: Completed, Op: req.Opcode, Response: resp.Status}
}

// statusFor maps handler errors onto the protocol statuses the guest sees.
// Internal error types never cross the calling page.
func statusFor(err error) guestcall.Status {
	switch {
	case err == nil:
		return guestcall.StatusSuccess
	case errors.Is(err, rmp.ErrHardwareRejected):
		return guestcall.StatusFatal
	case errors.Is(err, ownership.ErrStateMismatch):
		return guestcall.StatusStateMismatch
	case errors.Is(err, ownership.ErrInUse):
		return guestcall.StatusInUse
	case errors.Is(err, rmp.ErrOutOfRange):
		return guestcall.StatusMalformedRequest
	case errors.Is(err, devices.ErrUnknownDevice):
		return guestcall.StatusUnsupportedOperation
	case errors.Is(err, devices.ErrBadOffset):
		return guestcall.StatusMalformedRequest
	case errors.Is(err, coproxy.ErrCommandTooLarge):
		return guestcall.StatusMalformedRequest
	case errors.Is(err, errProxyFailed):
		return guestcall.StatusProxyError
	case errors.Is(err, attest.ErrCryptoFailure):
		return guestcall.StatusCryptoFailure
	default:
		// Remaining device and injection failures.
		return guestcall.StatusDeviceError
	}
}
