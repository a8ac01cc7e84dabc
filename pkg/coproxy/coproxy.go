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

// Package coproxy forwards bounded command buffers to the secure
// coprocessor.
//
// The proxy is a choke point on the trust boundary: commands and responses
// are length-capped in both directions so the forwarding path can never be
// turned into an unbounded-write primitive, and waits for the coprocessor
// are bounded polls; the monitor has no scheduler to sleep on.
package coproxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// MaxCommandLen caps a forwarded command.
	MaxCommandLen = 240

	// MaxResponseLen caps a coprocessor response.
	MaxResponseLen = 240

	// pollInterval is the spacing of completion polls.
	pollInterval = 100 * time.Microsecond

	// pollDeadline bounds the total wait for one command.
	pollDeadline = 100 * time.Millisecond
)

var (
	// ErrCommandTooLarge rejects a command exceeding MaxCommandLen.
	ErrCommandTooLarge = errors.New("coprocessor command exceeds maximum length")

	// ErrResponseTooLarge rejects a response exceeding MaxResponseLen.
	// The response is dropped, not truncated.
	ErrResponseTooLarge = errors.New("coprocessor response exceeds maximum length")

	// ErrTimeout indicates the coprocessor did not complete within the
	// polling deadline.
	ErrTimeout = errors.New("coprocessor timed out")

	// ErrRejected indicates the coprocessor refused the command.
	ErrRejected = errors.New("coprocessor rejected command")

	// errPending marks an incomplete poll as retryable. It never escapes
	// Forward.
	errPending = errors.New("response pending")
)

// Transport is the raw coprocessor interface: submit a command, poll for
// its completion. Implementations do not enforce length bounds; the Proxy
// does.
type Transport interface {
	// Submit hands a command to the coprocessor.
	Submit(cmd []byte) error

	// Poll returns the response if one is ready, or (nil, false, nil) if
	// the coprocessor is still working.
	Poll() (resp []byte, done bool, err error)
}

// Proxy enforces the bounds and the polling discipline over a Transport.
type Proxy struct {
	transport Transport
}

// New returns a Proxy over t.
func New(t Transport) *Proxy {
	return &Proxy{transport: t}
}

// Forward copies cmd to the coprocessor and waits, with bounded polling,
// for the bounded response. The caller's buffer is copied before submit, so
// later mutation of cmd cannot race the transport.
func (p *Proxy) Forward(cmd []byte) ([]byte, error) {
	if len(cmd) > MaxCommandLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrCommandTooLarge, len(cmd))
	}
	owned := make([]byte, len(cmd))
	copy(owned, cmd)
	if err := p.transport.Submit(owned); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	var resp []byte
	poll := func() error {
		r, done, err := p.transport.Poll()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		resp = r
		return nil
	}
	b := backoff.NewConstantBackOff(pollInterval)
	if err := backoff.Retry(poll, newDeadlineBackOff(b, pollDeadline)); err != nil {
		// Retry strips the Permanent wrapper before returning, so err is
		// either the transport's own error or the pending signal left
		// over when the deadline lapsed.
		if errors.Is(err, errPending) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if len(resp) > MaxResponseLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(resp))
	}
	out := make([]byte, len(resp))
	copy(out, resp)
	return out, nil
}

// deadlineBackOff caps a backoff policy by total elapsed time.
type deadlineBackOff struct {
	inner    backoff.BackOff
	deadline time.Time
}

func newDeadlineBackOff(inner backoff.BackOff, d time.Duration) *deadlineBackOff {
	return &deadlineBackOff{inner: inner, deadline: time.Now().Add(d)}
}

// NextBackOff implements backoff.BackOff.NextBackOff.
func (d *deadlineBackOff) NextBackOff() time.Duration {
	if time.Now().After(d.deadline) {
		return backoff.Stop
	}
	return d.inner.NextBackOff()
}

// Reset implements backoff.BackOff.Reset.
func (d *deadlineBackOff) Reset() {
	d.inner.Reset()
}
