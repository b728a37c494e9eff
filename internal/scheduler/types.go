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
package scheduler

import (
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// ThreadStats is the scheduler's per-thread memory across ticks (spec.md
// §3). A zero value is a thread observed for the first time this tick.
type ThreadStats struct {
	TID hostos.ThreadID

	handle      hostos.ThreadHandle
	unreachable bool // open or query failed this tick; skip further per-thread work

	StartAddress uintptr
	ModuleName   string

	hasLastCycles bool
	LastCycles    uint64
	CyclesAccumulated uint64

	ActiveStreak   uint8
	CPUSetIDs      []topology.CPUSetID // empty = not currently promoted
	promotedAtTick int64               // tick of the most recent applied promotion

	OriginalPriority    hostos.ThreadPriority
	hasOriginalPriority bool

	LastState      hostos.ThreadRunState
	LastWaitReason string
	LastPriority   hostos.ThreadPriority

	seen bool // set when the thread is a candidate in a Tick; never cleared (vanished threads are found by purgeVanished)
}

// Promoted reports whether this thread currently carries an applied
// cpu-set assignment.
func (t *ThreadStats) Promoted() bool { return len(t.CPUSetIDs) > 0 }

// Streaking reports whether this thread is mid-streak but not yet promoted.
func (t *ThreadStats) Streaking() bool { return !t.Promoted() && t.ActiveStreak > 0 }

func sameCPUSetIDs(a, b []topology.CPUSetID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[topology.CPUSetID]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

// ProcessStats is the scheduler's per-process memory across ticks: its
// thread table plus the tracking configuration currently in force.
type ProcessStats struct {
	PID         hostos.ProcessID
	ProcessName string
	Alive       bool

	Tracked   bool
	TrackTopX int

	Threads map[hostos.ThreadID]*ThreadStats
}

func newProcessStats(pid hostos.ProcessID, name string) *ProcessStats {
	return &ProcessStats{
		PID:         pid,
		ProcessName: name,
		Threads:     map[hostos.ThreadID]*ThreadStats{},
	}
}

// PostMortemEntry is one thread's summary in a post-mortem report (spec.md
// §4.5.7).
type PostMortemEntry struct {
	TID               hostos.ThreadID
	CyclesAccumulated uint64
	LastState         hostos.ThreadRunState
	LastPriority      hostos.ThreadPriority
	StartAddress      uintptr
	ModuleName        string
}

// PostMortemReport summarizes a process's tracked threads at the moment it
// was detected absent from the snapshot, bounded to TrackTopX entries.
type PostMortemReport struct {
	PID         hostos.ProcessID
	ProcessName string
	Threads     []PostMortemEntry
}
