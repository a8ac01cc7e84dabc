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

package guest

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"paravisor.dev/paravisor/pkg/guestcall"
)

// serve runs a minimal monitor loop over page until stop closes: every
// request is fetched through a guard and completed with StatusSuccess.
func serve(t *testing.T, page *guestcall.CallingPage, stop chan struct{}) {
	t.Helper()
	guard := guestcall.NewGuard(guestcall.Bounds{
		FrameValid:      func(uint64) bool { return true },
		NumCores:        1,
		MaxProxyCommand: 64,
	})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			req, err := guard.Fetch(page)
			if err != nil {
				var perr *guestcall.ProtocolError
				if errors.As(err, &perr) {
					guard.CommitStatus(page, perr.Status)
				}
				time.Sleep(10 * time.Microsecond)
				continue
			}
			resp := &guestcall.Response{Status: guestcall.StatusSuccess}
			copy(resp.Results[:], req.Args[:8])
			guard.Commit(page, resp)
		}
	}()
}

func TestCallRoundTrip(t *testing.T) {
	page := &guestcall.CallingPage{}
	stop := make(chan struct{})
	defer close(stop)
	serve(t, page, stop)

	c := NewClient(page)
	status, err := c.Validate(0x42)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if status != guestcall.StatusSuccess {
		t.Errorf("status = %v, want success", status)
	}
	if page.RequestPending() {
		t.Errorf("doorbell still set after completion")
	}
}

func TestPageCallEncodesFrame(t *testing.T) {
	page := &guestcall.CallingPage{}
	stop := make(chan struct{})
	defer close(stop)
	serve(t, page, stop)

	// The serve loop echoes the argument bytes, so the result area shows
	// exactly what the client put on the wire.
	c := NewClient(page)
	if status, err := c.ConvertPrivate(0x1234); err != nil || status != guestcall.StatusSuccess {
		t.Fatalf("ConvertPrivate = %v, %v", status, err)
	}
	results := page.Results()
	if got := binary.LittleEndian.Uint64(results[0:8]); got != 0x1234 {
		t.Errorf("frame on the wire = %#x, want 0x1234", got)
	}
}

func TestCallRejectedStatusSurfaces(t *testing.T) {
	page := &guestcall.CallingPage{}
	stop := make(chan struct{})
	defer close(stop)
	serve(t, page, stop)

	c := NewClient(page)
	status, _, err := c.Call(guestcall.Opcode(0xffff), nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if status != guestcall.StatusUnsupportedOperation {
		t.Errorf("status = %v, want unsupported-operation", status)
	}
}

func TestCallTimeout(t *testing.T) {
	c := NewClient(&guestcall.CallingPage{})
	c.SetTimeout(10 * time.Millisecond)
	if _, _, err := c.Call(guestcall.OpValidate, nil); !errors.Is(err, ErrTimeout) {
		t.Errorf("Call with no monitor = %v, want ErrTimeout", err)
	}
}

func TestScribblerStops(t *testing.T) {
	page := &guestcall.CallingPage{}
	s := NewScribbler(page)
	s.Start([]byte{1, 2, 3, 4}, []byte{5, 6, 7, 8})
	time.Sleep(time.Millisecond)
	s.Stop()
	// Stop twice is a no-op.
	s.Stop()
}
