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
package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corepin/primed/internal/config"
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/hostos/hostfake"
	"github.com/corepin/primed/internal/scheduler"
	"github.com/corepin/primed/internal/symbols"
	"github.com/corepin/primed/internal/topology"
)

func fourCPUTopology() *topology.Topology {
	return topology.New([]topology.LogicalCPU{
		{Index: 0, SetID: 100},
		{Index: 1, SetID: 101},
		{Index: 2, SetID: 102},
		{Index: 3, SetID: 103},
	})
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func newTestLoop(t *testing.T, configText string) (*Loop, *hostfake.Host) {
	t.Helper()
	topo := fourCPUTopology()
	dir := t.TempDir()
	configPath := writeFile(t, dir, "rules.conf", configText)
	loader := config.NewLoader(configPath, "", topo)
	host := hostfake.New(nil)
	sym := symbols.New(host, hostos.SearchPath{})
	sched := scheduler.New(host, sym, topo)
	loop := New(host, topo, sched, loader, time.Minute)
	return loop, host
}

// A process whose rule only sets a priority class should see exactly that
// applied, and a second identical tick should be a no-op against the host
// (spec.md §8.1 "Idempotence of a stable world").
func TestPipelineAppliesPriorityClassOnce(t *testing.T) {
	loop, host := newTestLoop(t, "app.exe: high:::::\n")
	host.SetSnapshot(map[hostos.ProcessID]hostos.ProcessInfo{
		10: {PID: 10, ImageName: "app.exe", Threads: map[hostos.ThreadID]hostos.ThreadInfo{}},
	})

	ctx := context.Background()
	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := host.ProcessPriorityClass(10); got != hostos.ProcessPriorityHigh {
		t.Fatalf("priority class = %v, want high", got)
	}

	if err := loop.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if got := host.ProcessPriorityClass(10); got != hostos.ProcessPriorityHigh {
		t.Fatalf("priority class after second tick = %v, want still high", got)
	}
}

// A hard affinity mask narrower than a rule's default-cpu-set preference
// must bound it: no cpu-set ID outside the affinity mask is ever requested
// (spec.md §4.6, "Affinity bounds soft by hard").
func TestAffinityBoundsDefaultCPUSet(t *testing.T) {
	loop, host := newTestLoop(t, "app.exe::0;1:0-3:::\n")
	host.SetSnapshot(map[hostos.ProcessID]hostos.ProcessInfo{
		10: {PID: 10, ImageName: "app.exe", Threads: map[hostos.ThreadID]hostos.ThreadInfo{}},
	})

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	wantMask := loop.topo.MaskFromIndices([]topology.CPUIndex{0, 1})
	if got := host.ProcessAffinityMask(10); got != wantMask {
		t.Fatalf("affinity mask = %#x, want %#x", got, wantMask)
	}
	sets := host.ProcessDefaultCPUSets(10)
	allowed := map[topology.CPUSetID]bool{100: true, 101: true}
	for _, id := range sets {
		if !allowed[id] {
			t.Fatalf("default cpu-set %v escaped affinity mask: got %v", id, sets)
		}
	}
}

// Reloading a broken configuration file must never replace the currently
// active model (spec.md §8.2 scenario 6, "Config reload rejects bad file").
func TestReloadRejectsBadConfigKeepsPriorConfig(t *testing.T) {
	topo := fourCPUTopology()
	dir := t.TempDir()
	configPath := writeFile(t, dir, "rules.conf", "app.exe: high:::::\n")
	loader := config.NewLoader(configPath, "", topo)
	host := hostfake.New(nil)
	sym := symbols.New(host, hostos.SearchPath{})
	sched := scheduler.New(host, sym, topo)
	loop := New(host, topo, sched, loader, time.Minute)

	host.SetSnapshot(map[hostos.ProcessID]hostos.ProcessInfo{
		10: {PID: 10, ImageName: "app.exe", Threads: map[hostos.ThreadID]hostos.ThreadInfo{}},
	})
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("initial Tick: %v", err)
	}
	if got := host.ProcessPriorityClass(10); got != hostos.ProcessPriorityHigh {
		t.Fatalf("priority class = %v, want high after initial load", got)
	}
	firstRevision := loop.Model().Revision

	// Corrupt the file on disk with an unparseable constant, bump its
	// mtime so Changed() fires, then tick again.
	future := time.Now().Add(time.Hour)
	writeFile(t, dir, "rules.conf", "@not_a_real_constant = xyz\napp.exe: idle:::::\n")
	if err := os.Chtimes(configPath, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if loop.Model().Revision != firstRevision {
		t.Fatalf("model revision changed despite a rejected reload")
	}
	if got := host.ProcessPriorityClass(10); got != hostos.ProcessPriorityHigh {
		t.Fatalf("priority class regressed to %v after rejected reload, want still high", got)
	}
}

// A process absent from the rule set is left entirely untouched: no field
// of it is ever written.
func TestUnmatchedProcessUntouched(t *testing.T) {
	loop, host := newTestLoop(t, "app.exe: high:::::\n")
	host.SetSnapshot(map[hostos.ProcessID]hostos.ProcessInfo{
		20: {PID: 20, ImageName: "other.exe", Threads: map[hostos.ThreadID]hostos.ThreadInfo{}},
	})
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := host.ProcessPriorityClass(20); got != hostos.ProcessPriorityNoChange {
		t.Fatalf("priority class of unmatched process = %v, want no_change", got)
	}
}
