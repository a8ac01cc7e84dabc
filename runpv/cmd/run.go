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
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"paravisor.dev/paravisor/pkg/bootinfo"
	"paravisor.dev/paravisor/pkg/guest"
	"paravisor.dev/paravisor/pkg/guestcall"
	"paravisor.dev/paravisor/pkg/monitor"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath    string
	controlSocket string
	stateDir      string
	demo          bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the runtime monitor"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run -config <file> [-control <socket>] - run the runtime monitor.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to the TOML machine description.")
	f.StringVar(&r.controlSocket, "control", "", "unix socket path for the control surface.")
	f.StringVar(&r.stateDir, "state-dir", "/var/run/runpv", "directory for the instance lock.")
	f.BoolVar(&r.demo, "demo", false, "drive a built-in guest workload and exit.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	log := args[0].(*logrus.Entry)
	if r.configPath == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	handoff, err := bootinfo.LoadConfig(r.configPath)
	if err != nil {
		Fatalf("error loading config %q: %v", r.configPath, err)
	}

	// One monitor per state directory. The lock outlives Execute via
	// process exit; the kernel drops it for us.
	if err := os.MkdirAll(r.stateDir, 0755); err != nil {
		Fatalf("error creating state dir %q: %v", r.stateDir, err)
	}
	lock := flock.New(filepath.Join(r.stateDir, "runpv.lock"))
	held, err := lock.TryLock()
	if err != nil {
		Fatalf("error locking state dir %q: %v", r.stateDir, err)
	}
	if !held {
		Fatalf("another monitor already runs in %q", r.stateDir)
	}

	// The config file doubles as the launch measurement input.
	launchData, err := os.ReadFile(r.configPath)
	if err != nil {
		Fatalf("error reading config %q: %v", r.configPath, err)
	}

	m, err := monitor.New(monitor.Config{
		Handoff:    handoff,
		LaunchData: launchData,
		Log:        log,
	})
	if err != nil {
		Fatalf("error building monitor: %v", err)
	}
	log.WithFields(logrus.Fields{
		"cores":  m.NumCores(),
		"frames": m.Table().Span().Count,
	}).Info("monitor starting")

	ctx, cancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	if r.controlSocket != "" {
		// A stale socket from a crashed instance would block the bind;
		// the flock above guarantees nobody lives behind it.
		_ = os.Remove(r.controlSocket)
		l, err := net.Listen("unix", r.controlSocket)
		if err != nil {
			Fatalf("error listening on %q: %v", r.controlSocket, err)
		}
		srv, err := monitor.NewControlServer(m, l)
		if err != nil {
			Fatalf("error building control server: %v", err)
		}
		defer srv.Close()
		go func() {
			if err := srv.Serve(); err != nil {
				log.WithError(err).Error("control server failed")
			}
		}()
		log.WithField("socket", r.controlSocket).Info("control surface up")
	}

	if r.demo {
		go runDemo(m, log, cancel)
	}

	if err := m.Run(ctx); err != nil {
		Fatalf("monitor failed: %v", err)
	}
	log.Info("monitor exiting")
	return subcommands.ExitSuccess
}

// runDemo drives a small guest workload on core 0, then shuts the monitor
// down.
func runDemo(m *monitor.Monitor, log *logrus.Entry, cancel context.CancelFunc) {
	defer cancel()
	c := guest.NewClient(m.Page(0))
	f := uint64(m.Table().Span().Start)

	status, err := c.ConvertPrivate(f)
	log.WithFields(logrus.Fields{
		"frame":  f,
		"status": status,
	}).Info("demo: convert to private")
	if err != nil {
		log.WithError(err).Error("demo: conversion never completed")
		return
	}

	if _, status, err = c.MMIORead(monitor.ScratchDevice, 0, 8); err == nil {
		log.WithField("status", status).Info("demo: scratch device read")
	}

	var nonce [32]byte
	copy(nonce[:], "runpv demo nonce")
	if _, status, err = c.AttestReport(nonce); err == nil {
		log.WithField("status", status).Info("demo: attestation report")
	}

	fs, status, err := c.FrameStatus(f)
	if err == nil && status == guestcall.StatusSuccess {
		log.WithFields(logrus.Fields{
			"frame": f,
			"state": fs.State,
		}).Info("demo: final frame state")
	}
}
