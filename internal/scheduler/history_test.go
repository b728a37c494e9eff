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
	"testing"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

func TestPromotionHistoryActiveAtWithinSpan(t *testing.T) {
	h := newPromotionHistory()
	h.record(100, hostos.ThreadID(1), 5, 10)

	got := h.ActiveAt(100, 7)
	if len(got) != 1 || got[0] != hostos.ThreadID(1) {
		t.Fatalf("ActiveAt(100, 7) = %v, want [1]", got)
	}
}

func TestPromotionHistoryActiveAtOutsideSpan(t *testing.T) {
	h := newPromotionHistory()
	h.record(100, hostos.ThreadID(1), 5, 10)

	if got := h.ActiveAt(100, 11); len(got) != 0 {
		t.Fatalf("ActiveAt(100, 11) = %v, want empty", got)
	}
	if got := h.ActiveAt(100, 4); len(got) != 0 {
		t.Fatalf("ActiveAt(100, 4) = %v, want empty", got)
	}
}

func TestPromotionHistoryUnknownCPUSet(t *testing.T) {
	h := newPromotionHistory()
	if got := h.ActiveAt(999, 0); got != nil {
		t.Fatalf("ActiveAt on unrecorded cpu-set = %v, want nil", got)
	}
}

// A full promote-then-demote cycle, driven the way internal/reconcile.Loop
// drives it (one Advance per tick), must leave behind a closed promotion
// span that ActiveAt can answer for the ticks in between but not after.
func TestSchedulerClosesPromotionSpanOnDemotion(t *testing.T) {
	topo := testTopologyN(4)
	sched, h := newTestScheduler(topo)
	spec := primeSpecAlias(t, topo, "*p", []topology.CPUIndex{0, 1})
	h.SetStartAddress(hotTID, 0x5000)
	h.SetModules(testPID, []hostos.ModuleInfo{{Name: "app.exe", Base: 0x4000, Size: 0x10000}})

	var promotedAtTick int64
	for _, c := range []uint64{1000, 2000, 3000} {
		tick := sched.Advance()
		h.SetCycles(hotTID, c)
		sched.Tick(testPID, "app.exe", threadSnapshot(hotTID, 0), spec, testConstants())
		ps, _ := sched.Stats(testPID)
		if ps.Threads[hotTID].Promoted() && promotedAtTick == 0 {
			promotedAtTick = tick
		}
	}
	if promotedAtTick == 0 {
		t.Fatal("setup failed: thread never promoted")
	}

	ps, _ := sched.Stats(testPID)
	ids := ps.Threads[hotTID].CPUSetIDs
	if len(ids) == 0 {
		t.Fatal("expected promoted thread to carry at least one cpu-set id")
	}
	promotedSet := ids[0]

	// While still promoted, no span has closed yet: the index only records
	// windows once they end, so ActiveAt has nothing to answer with.
	if got := sched.History().ActiveAt(promotedSet, promotedAtTick); len(got) != 0 {
		t.Fatalf("ActiveAt(%v, %d) = %v before the span closed, want empty", promotedSet, promotedAtTick, got)
	}

	// Demote by vanishing the thread from the snapshot entirely (purgeVanished).
	demoteTick := sched.Advance()
	sched.Tick(testPID, "app.exe", map[hostos.ThreadID]hostos.ThreadInfo{}, spec, testConstants())

	if got := sched.History().ActiveAt(promotedSet, promotedAtTick); len(got) != 1 || got[0] != hotTID {
		t.Fatalf("ActiveAt(%v, %d) after demotion = %v, want still [%d] for the closed span", promotedSet, promotedAtTick, got, hotTID)
	}
	if got := sched.History().ActiveAt(promotedSet, demoteTick+1); len(got) != 0 {
		t.Fatalf("ActiveAt(%v, %d) after demotion = %v, want empty past the closed span", promotedSet, demoteTick+1, got)
	}
}
