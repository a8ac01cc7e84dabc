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

// Package cli is the main entrypoint for runpv.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"paravisor.dev/paravisor/runpv/cmd"
	"paravisor.dev/paravisor/runpv/version"
)

var (
	debug       = flag.Bool("debug", false, "enable debug logging.")
	logFile     = flag.String("log", "", "file path to log to. Defaults to stderr.")
	logFormat   = flag.String("log-format", "text", "log format: text or json.")
	showVersion = flag.Bool("version", false, "show version and exit.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "runpv version %s\n", version.Version())
		os.Exit(0)
	}

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	switch *logFormat {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		fmt.Fprintf(os.Stderr, "unknown log format %q\n", *logFormat)
		os.Exit(128)
	}
	if *logFile != "" {
		// Append: successive invocations share one log.
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file %q: %v\n", *logFile, err)
			os.Exit(128)
		}
		logger.SetOutput(f)
	}
	log := logger.WithField("pid", os.Getpid())
	log.Debugf("runpv version %s, args: %v", version.Version(), os.Args)

	os.Exit(int(subcommands.Execute(context.Background(), log)))
}

// forEachCmd invokes the passed callback for each command supported by
// runpv.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Inspect), "")
	cb(new(cmd.Version), "")
}
