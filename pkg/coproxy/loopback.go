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

package coproxy

import (
	"sync"
	"time"
)

// Loopback is a software Transport: it completes each command after a fixed
// latency with a transform of the command bytes. The harness and tests use
// it in place of the platform coprocessor mailbox.
type Loopback struct {
	// Latency is how long a command stays pending.
	Latency time.Duration

	// Handle produces the response for a command. Nil echoes the command.
	Handle func(cmd []byte) ([]byte, error)

	mu      sync.Mutex
	pending []byte
	ready   time.Time
	busy    bool
}

// Submit implements Transport.Submit.
func (l *Loopback) Submit(cmd []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return ErrRejected
	}
	l.busy = true
	l.pending = cmd
	l.ready = time.Now().Add(l.Latency)
	return nil
}

// Poll implements Transport.Poll.
func (l *Loopback) Poll() ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.busy {
		return nil, false, ErrRejected
	}
	if time.Now().Before(l.ready) {
		return nil, false, nil
	}
	cmd := l.pending
	l.busy = false
	l.pending = nil
	if l.Handle != nil {
		resp, err := l.Handle(cmd)
		return resp, true, err
	}
	return cmd, true, nil
}
