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
package config

import (
	"strings"
	"testing"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

func testTopology(n int) *topology.Topology {
	cpus := make([]topology.LogicalCPU, n)
	for i := range cpus {
		cpus[i] = topology.LogicalCPU{Index: topology.CPUIndex(i), SetID: topology.CPUSetID(1000 + i)}
	}
	return topology.New(cpus)
}

func TestParseBasicRule(t *testing.T) {
	text := `
; a comment
*p = 8-11
app.exe : high : 0-3 : 4-7 : ?4*p@engine.dll!highest : high : normal
`
	m, errs := Parse(strings.NewReader(text), nil, testTopology(16))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	r, ok := m.Lookup("APP.EXE")
	if !ok {
		t.Fatalf("expected rule for app.exe")
	}
	if r.PriorityClass != hostos.ProcessPriorityHigh {
		t.Errorf("PriorityClass = %v, want High", r.PriorityClass)
	}
	if len(r.Affinity.Indices) != 4 || r.Affinity.Indices[0] != 0 {
		t.Errorf("Affinity = %+v, want indices 0-3", r.Affinity)
	}
	if !r.Prime.Tracked || r.Prime.MonitorOnly {
		t.Errorf("Prime = %+v, want tracked, non-monitor", r.Prime)
	}
	if r.Prime.TopX != 4 {
		t.Errorf("Prime.TopX = %d, want 4", r.Prime.TopX)
	}
	if len(r.Prime.Segments) != 1 || r.Prime.Segments[0].AliasName != "p" {
		t.Fatalf("Segments = %+v", r.Prime.Segments)
	}
	seg := r.Prime.Segments[0]
	matched, override, has := seg.MatchPriority("engine.dll")
	if !matched || !has || override != hostos.PriorityHighest {
		t.Errorf("MatchPriority(engine.dll) = %v %v %v, want true highest true", matched, override, has)
	}
	if r.IOPriority != hostos.IOPriorityHigh {
		t.Errorf("IOPriority = %v, want High", r.IOPriority)
	}
	if r.MemoryPriority != hostos.MemoryPriorityNormal {
		t.Errorf("MemoryPriority = %v, want Normal", r.MemoryPriority)
	}
}

func TestParseGroupRule(t *testing.T) {
	text := `{a.exe,b.exe} : high`
	m, errs := Parse(strings.NewReader(text), nil, testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	for _, name := range []string{"a.exe", "b.exe"} {
		r, ok := m.Lookup(name)
		if !ok || r.PriorityClass != hostos.ProcessPriorityHigh {
			t.Errorf("Lookup(%q) = %+v, %v", name, r, ok)
		}
	}
}

func TestParseAliasForwardReference(t *testing.T) {
	text := `
app.exe : : : : *p
*p = 0-3
`
	m, errs := Parse(strings.NewReader(text), nil, testTopology(8))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	r, ok := m.Lookup("app.exe")
	if !ok {
		t.Fatal("expected rule")
	}
	if len(r.Prime.Segments) != 1 || len(r.Prime.Segments[0].CPUSpec.Indices) != 4 {
		t.Errorf("Segments = %+v", r.Prime.Segments)
	}
}

func TestParseUnknownAliasError(t *testing.T) {
	text := `app.exe : : : : *missing`
	_, errs := Parse(strings.NewReader(text), nil, testTopology(4))
	if len(errs) == 0 {
		t.Fatal("expected an error for unknown alias")
	}
}

func TestParseBadConstantAccumulatesErrors(t *testing.T) {
	text := `
@entry_threshold = not-a-number
@min_active_streak = 5
app.exe : bogus-priority
`
	_, errs := Parse(strings.NewReader(text), nil, testTopology(4))
	if len(errs) < 2 {
		t.Fatalf("expected at least 2 errors (bad constant, bad priority), got %v", errs)
	}
}

func TestParseConstantsOverrideDefaults(t *testing.T) {
	text := `
@min_active_streak = 5
@entry_threshold = 0.5
@keep_threshold = 0.8
`
	m, errs := Parse(strings.NewReader(text), nil, testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	if m.Constants.MinActiveStreak != 5 || m.Constants.EntryThreshold != 0.5 || m.Constants.KeepThreshold != 0.8 {
		t.Errorf("Constants = %+v", m.Constants)
	}
}

func TestParseMonitorOnlyPrimeSpec(t *testing.T) {
	text := `app.exe : : : : ??50*p
*p = 0-1
`
	m, errs := Parse(strings.NewReader(text), nil, testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	r, _ := m.Lookup("app.exe")
	if !r.Prime.Tracked || !r.Prime.MonitorOnly || r.Prime.TopX != 50 {
		t.Errorf("Prime = %+v", r.Prime)
	}
}

func TestParseBlacklistExemptsProcess(t *testing.T) {
	text := `app.exe : high`
	bl := `APP.EXE`
	m, errs := Parse(strings.NewReader(text), strings.NewReader(bl), testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	if _, ok := m.Lookup("app.exe"); ok {
		t.Error("expected blacklisted process to have no rule")
	}
}

func TestParseNoChangeDefaults(t *testing.T) {
	text := `app.exe`
	m, errs := Parse(strings.NewReader(text), nil, testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	r, ok := m.Lookup("app.exe")
	if !ok {
		t.Fatal("expected rule")
	}
	if !r.Affinity.NoChange || !r.DefaultCPUSet.NoChange {
		t.Errorf("expected no-change defaults, got %+v", r)
	}
	if !r.Prime.Empty() {
		t.Errorf("expected empty PrimeSpec, got %+v", r.Prime)
	}
}

func TestParseRevisionChangesAcrossReloads(t *testing.T) {
	m1, errs := Parse(strings.NewReader("app.exe : high"), nil, testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	m2, errs := Parse(strings.NewReader("app.exe : high"), nil, testTopology(4))
	if len(errs) != 0 {
		t.Fatalf("Parse() errs = %v", errs)
	}
	if m1.Revision == m2.Revision {
		t.Error("expected distinct revisions across independent parses")
	}
}
