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

// Package guest is a software guest for driving the monitor's request
// protocol. It stages requests on a calling page, rings the doorbell and
// waits for completion the way a real guest kernel would, one outstanding
// request per core.
package guest

import (
	"errors"
	"sync"
	"time"

	"paravisor.dev/paravisor/pkg/frame"
	"paravisor.dev/paravisor/pkg/guestcall"
)

// ErrTimeout reports that the monitor did not complete a request within the
// client's deadline.
var ErrTimeout = errors.New("guest call timed out")

const (
	defaultTimeout = 2 * time.Second
	pollInterval   = 50 * time.Microsecond
)

// Client issues calls on one core's calling page. Not safe for concurrent
// use; a guest core has one request in flight at a time.
type Client struct {
	page    *guestcall.CallingPage
	timeout time.Duration
}

// NewClient returns a Client over page.
func NewClient(page *guestcall.CallingPage) *Client {
	return &Client{page: page, timeout: defaultTimeout}
}

// SetTimeout overrides the completion deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Call issues one request and waits for the monitor to clear the doorbell.
// The returned status and results are what the monitor committed; err is
// non-nil only if the call never completed.
func (c *Client) Call(op guestcall.Opcode, args []byte) (guestcall.Status, [guestcall.ResultBytes]byte, error) {
	c.page.SetRequest(op, args)
	c.page.Ring()
	deadline := time.Now().Add(c.timeout)
	for c.page.RequestPending() {
		if time.Now().After(deadline) {
			var zero [guestcall.ResultBytes]byte
			return 0, zero, ErrTimeout
		}
		time.Sleep(pollInterval)
	}
	return c.page.Status(), c.page.Results(), nil
}

// ConvertPrivate asks the monitor to move frame to private ownership.
func (c *Client) ConvertPrivate(frame uint64) (guestcall.Status, error) {
	return c.pageCall(guestcall.OpConvertPrivate, frame)
}

// ConvertShared asks the monitor to move frame to shared ownership.
func (c *Client) ConvertShared(frame uint64) (guestcall.Status, error) {
	return c.pageCall(guestcall.OpConvertShared, frame)
}

// Validate asks the monitor to certify frame in its current ownership.
func (c *Client) Validate(frame uint64) (guestcall.Status, error) {
	return c.pageCall(guestcall.OpValidate, frame)
}

// Invalidate asks the monitor to revoke frame's certification.
func (c *Client) Invalidate(frame uint64) (guestcall.Status, error) {
	return c.pageCall(guestcall.OpInvalidate, frame)
}

func (c *Client) pageCall(op guestcall.Opcode, f uint64) (guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.PageArgs{Frame: frame.Frame(f)}.Encode(&args)
	status, _, err := c.Call(op, args[:])
	return status, err
}

// MMIORead reads size bytes at offset on device.
func (c *Client) MMIORead(device uint32, offset uint64, size uint8) (uint64, guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.MMIOArgs{Device: device, Offset: offset, Size: size}.Encode(&args)
	status, results, err := c.Call(guestcall.OpMMIORead, args[:])
	if err != nil || status != guestcall.StatusSuccess {
		return 0, status, err
	}
	return guestcall.DecodeMMIOValue(&results), status, nil
}

// MMIOWrite writes value to offset on device.
func (c *Client) MMIOWrite(device uint32, offset uint64, size uint8, value uint64) (guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.MMIOArgs{Device: device, Offset: offset, Size: size, Value: value}.Encode(&args)
	status, _, err := c.Call(guestcall.OpMMIOWrite, args[:])
	return status, err
}

// InjectInterrupt asks the monitor to deliver vector to core.
func (c *Client) InjectInterrupt(core uint32, vector uint8) (guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.InterruptArgs{Core: core, Vector: vector}.Encode(&args)
	status, _, err := c.Call(guestcall.OpInjectInterrupt, args[:])
	return status, err
}

// Forward sends cmd to the security coprocessor and returns its response.
func (c *Client) Forward(cmd []byte) ([]byte, guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.ProxyArgs{Command: cmd}.Encode(&args)
	status, results, err := c.Call(guestcall.OpCoprocForward, args[:])
	if err != nil || status != guestcall.StatusSuccess {
		return nil, status, err
	}
	return guestcall.DecodeProxyResponse(&results), status, nil
}

// AttestReport requests an attestation report bound to nonce.
func (c *Client) AttestReport(nonce [32]byte) ([]byte, guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.AttestArgs{Nonce: nonce}.Encode(&args)
	status, results, err := c.Call(guestcall.OpAttestReport, args[:])
	if err != nil || status != guestcall.StatusSuccess {
		return nil, status, err
	}
	return results[:], status, nil
}

// FrameStatus queries the monitor's view of frame f.
func (c *Client) FrameStatus(f uint64) (guestcall.FrameStatusResult, guestcall.Status, error) {
	var args [guestcall.ArgBytes]byte
	guestcall.PageArgs{Frame: frame.Frame(f)}.Encode(&args)
	status, results, err := c.Call(guestcall.OpFrameStatus, args[:])
	if err != nil || status != guestcall.StatusSuccess {
		return guestcall.FrameStatusResult{}, status, err
	}
	return guestcall.DecodeFrameStatusResult(&results), status, nil
}

// Scribbler rewrites a calling page's argument area from another goroutine,
// standing in for a hostile guest core that keeps mutating a request after
// ringing the doorbell. The monitor's snapshot discipline makes the mutation
// harmless; tests use Scribbler to prove it.
type Scribbler struct {
	page *guestcall.CallingPage

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewScribbler returns a Scribbler over page.
func NewScribbler(page *guestcall.CallingPage) *Scribbler {
	return &Scribbler{page: page}
}

// Start begins rewriting the argument area with alternating payloads until
// Stop is called.
func (s *Scribbler) Start(a, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		flip := false
		for {
			select {
			case <-stop:
				return
			default:
			}
			if flip {
				s.page.WriteArgs(b)
			} else {
				s.page.WriteArgs(a)
			}
			flip = !flip
		}
	}(s.stop, s.done)
}

// Stop halts the mutation goroutine and waits for it to exit.
func (s *Scribbler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}
