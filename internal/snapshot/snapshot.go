//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Package snapshot takes a single, consistent point-in-time view of every
// running process and thread (spec.md §4.2). It owns no OS resources: a
// Snapshot is a plain value, safe to hold across ticks for comparison, and
// carries no cleanup obligation of its own.
package snapshot

import (
	"context"

	"github.com/corepin/primed/internal/hostos"
)

// Snapshot is an immutable, point-in-time view of every running process
// and its threads.
type Snapshot struct {
	Processes map[hostos.ProcessID]hostos.ProcessInfo
}

// Take returns a new Snapshot from the host, synchronous and
// O(N_processes + N_threads) as spec.md §4.2 requires.
func Take(ctx context.Context, host hostos.ProcessEnumerator) (Snapshot, error) {
	procs, err := host.EnumerateProcesses(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Processes: procs}, nil
}

// Lookup returns the process info for pid and whether it was present.
func (s Snapshot) Lookup(pid hostos.ProcessID) (hostos.ProcessInfo, bool) {
	p, ok := s.Processes[pid]
	return p, ok
}
