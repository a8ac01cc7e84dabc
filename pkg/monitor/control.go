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
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"paravisor.dev/paravisor/pkg/frame"
)

// VMState is the control-surface summary of a running monitor.
type VMState struct {
	// Frames counts frames per lifecycle state, keyed by state name.
	Frames map[string]uint64

	// Cores reports each core's protocol position.
	Cores []CoreStatus
}

// CoreStatus is one core's entry in VMState.
type CoreStatus struct {
	ID       uint16
	State    string
	Served   uint64
	Rejected uint64
	Fatal    string `json:",omitempty"`
}

// FrameStatus is the control-surface view of one frame.
type FrameStatus struct {
	Frame   uint64
	State   string
	VMPL    uint8
	Refs    int32
	Pending bool
}

// DebugState summarizes the monitor for the control surface.
func (m *Monitor) DebugState() VMState {
	st := VMState{Frames: map[string]uint64{}}
	for s, n := range m.table.Counts() {
		st.Frames[s.String()] = n
	}
	for _, c := range m.cores {
		cs := CoreStatus{
			ID:       c.ID(),
			State:    c.StateName(),
			Served:   c.Served(),
			Rejected: c.Rejected(),
		}
		if err := c.FatalErr(); err != nil {
			cs.Fatal = err.Error()
		}
		st.Cores = append(st.Cores, cs)
	}
	return st
}

// controlService is the RPC receiver. All methods are read-only; the control
// surface observes the monitor but never drives page transitions.
type controlService struct {
	m *Monitor
}

// State implements the Monitor.State RPC.
func (s *controlService) State(_ *struct{}, out *VMState) error {
	*out = s.m.DebugState()
	return nil
}

// Frame implements the Monitor.Frame RPC.
func (s *controlService) Frame(f *uint64, out *FrameStatus) error {
	info, err := s.m.table.Lookup(frame.Frame(*f))
	if err != nil {
		return err
	}
	*out = FrameStatus{
		Frame:   uint64(info.Frame),
		State:   info.State.String(),
		VMPL:    info.VMPL,
		Refs:    info.Refs,
		Pending: info.Pending,
	}
	return nil
}

// ControlServer serves the JSON-RPC control surface on a listener, one
// connection per client.
type ControlServer struct {
	listener net.Listener
	rpc      *rpc.Server
}

// NewControlServer returns a ControlServer for m on l.
func NewControlServer(m *Monitor, l net.Listener) (*ControlServer, error) {
	s := rpc.NewServer()
	if err := s.RegisterName("Monitor", &controlService{m: m}); err != nil {
		return nil, err
	}
	return &ControlServer{listener: l, rpc: s}, nil
}

// Serve accepts connections until the listener closes. A closed listener is
// a clean shutdown, not an error.
func (s *ControlServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.rpc.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Close shuts the listener down, unblocking Serve.
func (s *ControlServer) Close() error {
	return s.listener.Close()
}
