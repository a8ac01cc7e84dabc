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

// Package cmd holds implementations of the runpv commands.
package cmd

import (
	"fmt"
	"os"
)

// Fatalf writes a message to stderr and exits with a failure code. The code
// is chosen to be distinguishable from monitor-reported statuses.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "runpv: "+format+"\n", args...)
	os.Exit(128)
}
