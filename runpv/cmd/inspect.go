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

package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/rpc/jsonrpc"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"paravisor.dev/paravisor/pkg/monitor"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	controlSocket string
	frame         string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "query a running monitor's control surface"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect -control <socket> [-frame <number>] - print monitor state as JSON.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.controlSocket, "control", "", "unix socket path of the control surface.")
	f.StringVar(&i.frame, "frame", "", "frame number to query (decimal or 0x hex); empty queries overall state.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if i.controlSocket == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	client, err := jsonrpc.Dial("unix", i.controlSocket)
	if err != nil {
		Fatalf("error dialing %q: %v", i.controlSocket, err)
	}
	defer client.Close()

	var out any
	if i.frame != "" {
		n, err := strconv.ParseUint(i.frame, 0, 64)
		if err != nil {
			Fatalf("invalid frame %q: %v", i.frame, err)
		}
		var fs monitor.FrameStatus
		if err := client.Call("Monitor.Frame", &n, &fs); err != nil {
			Fatalf("Monitor.Frame failed: %v", err)
		}
		out = fs
	} else {
		var st monitor.VMState
		if err := client.Call("Monitor.State", &struct{}{}, &st); err != nil {
			Fatalf("Monitor.State failed: %v", err)
		}
		out = st
	}

	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		Fatalf("error encoding state: %v", err)
	}
	fmt.Fprintln(os.Stdout, string(enc))
	return subcommands.ExitSuccess
}
