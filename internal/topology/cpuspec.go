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
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CpuSpec is an ordered, deduplicated set of logical-CPU indices, or the
// sentinel "no change." It is the resolved form of spec.md §3's CpuSpec
// entity: by the time a CpuSpec value exists, every accepted source form
// (single index, range, semicolon-joined combination, legacy hex mask,
// named alias) has already been expanded into concrete indices.
type CpuSpec struct {
	NoChange bool
	Indices  []CPUIndex
}

// Empty reports whether spec names no CPUs at all (distinct from NoChange:
// an explicitly-empty module filter list is valid, but an empty, non-
// no-change CpuSpec is not, per spec.md §3's invariant).
func (c CpuSpec) Empty() bool { return !c.NoChange && len(c.Indices) == 0 }

// ParseCpuSpec resolves one of the accepted source forms of spec.md §3 into
// a CpuSpec: the sentinel "0", a single index, a range "a-b", a
// semicolon-joined combination of the above, a legacy hex mask "0xFF", or
// a named alias "*name" resolved against aliases. aliases keys are the bare
// alias name without its leading '*', already lower-cased by the caller.
func ParseCpuSpec(raw string, topo *Topology, aliases map[string]CpuSpec) (CpuSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return CpuSpec{NoChange: true}, nil
	}
	if strings.HasPrefix(raw, "*") {
		name := strings.ToLower(strings.TrimPrefix(raw, "*"))
		spec, ok := aliases[name]
		if !ok {
			return CpuSpec{}, status.Errorf(codes.InvalidArgument, "cpuspec: unknown alias %q", raw)
		}
		return spec, nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if topo.NumCPUs() > 64 {
			return CpuSpec{}, status.Errorf(codes.InvalidArgument,
				"cpuspec: legacy hex mask %q cannot represent a selection on a %d-CPU system", raw, topo.NumCPUs())
		}
		mask, err := strconv.ParseUint(raw[2:], 16, 64)
		if err != nil {
			return CpuSpec{}, status.Errorf(codes.InvalidArgument, "cpuspec: invalid hex mask %q: %v", raw, err)
		}
		var idx []CPUIndex
		for i := 0; i < 64; i++ {
			if mask&(1<<uint(i)) != 0 {
				idx = append(idx, CPUIndex(i))
			}
		}
		return newResolvedCpuSpec(topo, idx)
	}

	var idx []CPUIndex
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(strings.TrimSpace(lo))
			hiN, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || hiN < loN {
				return CpuSpec{}, status.Errorf(codes.InvalidArgument, "cpuspec: invalid range %q", part)
			}
			for i := loN; i <= hiN; i++ {
				idx = append(idx, CPUIndex(i))
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return CpuSpec{}, status.Errorf(codes.InvalidArgument, "cpuspec: invalid index %q", part)
		}
		idx = append(idx, CPUIndex(n))
	}
	return newResolvedCpuSpec(topo, idx)
}

func newResolvedCpuSpec(topo *Topology, idx []CPUIndex) (CpuSpec, error) {
	resolved := dedupSorted(idx)
	for _, i := range resolved {
		if !topo.Valid(i) {
			return CpuSpec{}, status.Errorf(codes.InvalidArgument, "cpuspec: index %d out of range [0, %d)", int(i), topo.NumCPUs())
		}
	}
	if len(resolved) == 0 {
		return CpuSpec{}, status.Errorf(codes.InvalidArgument, "cpuspec: resolves to an empty CPU set")
	}
	return CpuSpec{Indices: resolved}, nil
}
