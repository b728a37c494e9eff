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
package topology

import (
	"testing"

	"github.com/corepin/primed/internal/testhelpers"
)

func testTopology(n int) *Topology {
	cpus := make([]LogicalCPU, n)
	for i := 0; i < n; i++ {
		cpus[i] = LogicalCPU{Index: CPUIndex(i), SetID: CPUSetID(1000 + i)}
	}
	return New(cpus)
}

func TestCPUSetIDRoundTrip(t *testing.T) {
	topo := testTopology(8)
	ids, err := topo.CPUSetIDsFromIndices([]CPUIndex{3, 1, 1, 5})
	if err != nil {
		t.Fatalf("CPUSetIDsFromIndices: %v", err)
	}
	if diff, ok := testhelpers.Diff(t, ids, []CPUSetID{1001, 1003, 1005}); !ok {
		t.Errorf("CPUSetIDsFromIndices mismatch (-want +got):\n%s", diff)
	}
	back := topo.IndicesFromCPUSetIDs(ids)
	if diff, ok := testhelpers.Diff(t, back, []CPUIndex{1, 3, 5}); !ok {
		t.Errorf("IndicesFromCPUSetIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskFromIndices(t *testing.T) {
	topo := testTopology(8)
	mask := topo.MaskFromIndices([]CPUIndex{0, 1, 7})
	if want := uint64(0b10000011); mask != want {
		t.Errorf("MaskFromIndices = %b, want %b", mask, want)
	}
}

func TestMaskFromIndicesPanicsAbove64(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for index >= 64")
		}
	}()
	topo := testTopology(128)
	topo.MaskFromIndices([]CPUIndex{64})
}

func TestFilterIndicesByMask(t *testing.T) {
	topo := testTopology(8)
	mask := topo.MaskFromIndices([]CPUIndex{0, 2, 4, 6})
	got := topo.FilterIndicesByMask([]CPUIndex{0, 1, 2, 3, 4}, mask)
	if diff, ok := testhelpers.Diff(t, got, []CPUIndex{0, 2, 4}); !ok {
		t.Errorf("FilterIndicesByMask mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCpuSpecForms(t *testing.T) {
	topo := testTopology(16)
	aliases := map[string]CpuSpec{
		"p": {Indices: []CPUIndex{8, 9, 10, 11}},
	}

	tests := []struct {
		name    string
		raw     string
		want    []CPUIndex
		noChg   bool
		wantErr bool
	}{
		{name: "sentinel", raw: "0", noChg: true},
		{name: "single", raw: "7", want: []CPUIndex{7}},
		{name: "range", raw: "0-3", want: []CPUIndex{0, 1, 2, 3}},
		{name: "combination", raw: "0-1;4;6-7", want: []CPUIndex{0, 1, 4, 6, 7}},
		{name: "hexmask", raw: "0xFF", want: []CPUIndex{0, 1, 2, 3, 4, 5, 6, 7}},
		{name: "alias", raw: "*p", want: []CPUIndex{8, 9, 10, 11}},
		{name: "alias case-insensitive", raw: "*P", want: []CPUIndex{8, 9, 10, 11}},
		{name: "out of range", raw: "99", wantErr: true},
		{name: "bad range", raw: "5-2", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCpuSpec(tc.raw, topo, aliases)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseCpuSpec(%q) = %v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCpuSpec(%q): %v", tc.raw, err)
			}
			if got.NoChange != tc.noChg {
				t.Errorf("ParseCpuSpec(%q).NoChange = %v, want %v", tc.raw, got.NoChange, tc.noChg)
			}
			if diff, ok := testhelpers.Diff(t, got.Indices, tc.want); !ok {
				t.Errorf("ParseCpuSpec(%q) mismatch (-want +got):\n%s", tc.raw, diff)
			}
		})
	}
}

func TestParseCpuSpecHexMaskRejectedAbove64CPUs(t *testing.T) {
	topo := testTopology(128)
	if _, err := ParseCpuSpec("0xFF", topo, nil); err == nil {
		t.Fatalf("expected hex mask to be rejected on a >64 CPU system")
	}
}
