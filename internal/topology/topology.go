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
// Package topology enumerates the logical CPUs of the host once at startup
// and centralizes every translation between a logical-CPU index, a 64-bit
// affinity mask, and an OS-assigned cpu-set identifier. No other package
// handles a raw cpu-set identifier except as an opaque value obtained from
// or destined for this package.
package topology

import (
	"fmt"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CPUIndex identifies a logical processor by its 0-based index, as assigned
// by the host OS at boot. Indices are the common currency every other
// component speaks; cpu-set identifiers are translated to and from indices
// only at this boundary.
type CPUIndex int

// Valid reports whether c is a non-negative logical-CPU index.
func (c CPUIndex) Valid() bool { return c >= 0 }

func (c CPUIndex) String() string { return fmt.Sprintf("cpu%d", int(c)) }

// CPUSetID is an opaque, OS-assigned identifier for a logical CPU, used by
// the soft cpu-set preference APIs. Its numeric value carries no meaning
// outside the host OS.
type CPUSetID uint32

// LogicalCPU describes one logical processor as enumerated from the host.
type LogicalCPU struct {
	Index CPUIndex
	SetID CPUSetID
}

// Topology is an immutable snapshot of the host's logical CPUs, built once
// at process start. It is never mutated after New returns; callers pass it
// by value of its pointer to every component that needs it, rather than
// reaching for a package-level singleton.
type Topology struct {
	indices      []CPUIndex
	indexToSetID map[CPUIndex]CPUSetID
	setIDToIndex map[CPUSetID]CPUIndex
}

// New builds a Topology from the host's enumerated logical CPUs.
func New(cpus []LogicalCPU) *Topology {
	t := &Topology{
		indexToSetID: make(map[CPUIndex]CPUSetID, len(cpus)),
		setIDToIndex: make(map[CPUSetID]CPUIndex, len(cpus)),
	}
	for _, c := range cpus {
		t.indices = append(t.indices, c.Index)
		t.indexToSetID[c.Index] = c.SetID
		t.setIDToIndex[c.SetID] = c.Index
	}
	sort.Slice(t.indices, func(i, j int) bool { return t.indices[i] < t.indices[j] })
	return t
}

// NumCPUs returns the number of logical CPUs on the host.
func (t *Topology) NumCPUs() int { return len(t.indices) }

// Indices returns every logical-CPU index on the host, in increasing order.
func (t *Topology) Indices() []CPUIndex {
	out := make([]CPUIndex, len(t.indices))
	copy(out, t.indices)
	return out
}

// Valid reports whether idx is within [0, NumCPUs()) on this host.
func (t *Topology) Valid(idx CPUIndex) bool {
	_, ok := t.indexToSetID[idx]
	return ok
}

func dedupSorted(idx []CPUIndex) []CPUIndex {
	seen := make(map[CPUIndex]struct{}, len(idx))
	out := make([]CPUIndex, 0, len(idx))
	for _, i := range idx {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IndicesFromSpec returns the ordered, deduplicated set of logical-CPU
// indices named by spec. A no-change spec yields an empty set.
func (t *Topology) IndicesFromSpec(spec CpuSpec) []CPUIndex {
	if spec.NoChange {
		return nil
	}
	return dedupSorted(spec.Indices)
}

// MaskFromIndices returns the 64-bit affinity mask for idx. It panics if any
// index is >= 64: masks can only represent the first processor group, and
// CpuSpec parsing is responsible for rejecting hex-mask sources on systems
// where that would lose information (spec.md §3) before this is ever
// called with an out-of-range index.
func (t *Topology) MaskFromIndices(idx []CPUIndex) uint64 {
	var mask uint64
	for _, i := range idx {
		if i < 0 || i >= 64 {
			panic(fmt.Sprintf("topology: index %d cannot be represented in a 64-bit affinity mask", int(i)))
		}
		mask |= 1 << uint(i)
	}
	return mask
}

// CPUSetIDsFromIndices translates indices into the host's opaque cpu-set
// identifiers, in the same order (deduplicated, ascending by index).
func (t *Topology) CPUSetIDsFromIndices(idx []CPUIndex) ([]CPUSetID, error) {
	out := make([]CPUSetID, 0, len(idx))
	for _, i := range dedupSorted(idx) {
		id, ok := t.indexToSetID[i]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "topology: no such logical CPU index %d", int(i))
		}
		out = append(out, id)
	}
	return out, nil
}

// IndicesFromCPUSetIDs translates a set of opaque cpu-set identifiers back
// into logical-CPU indices. Unrecognized identifiers are silently dropped,
// since cpu-set IDs returned by the OS for a different topology revision
// (e.g. after a hot-plug this daemon does not track) should not fail a
// whole query.
func (t *Topology) IndicesFromCPUSetIDs(ids []CPUSetID) []CPUIndex {
	out := make([]CPUIndex, 0, len(ids))
	for _, id := range ids {
		if i, ok := t.setIDToIndex[id]; ok {
			out = append(out, i)
		}
	}
	return dedupSorted(out)
}

// FilterIndicesByMask intersects idx with the logical CPUs enabled in mask.
// Used to keep a soft cpu-set preference from escaping a hard affinity mask
// on systems with at most one processor group (spec.md §4.6).
func (t *Topology) FilterIndicesByMask(idx []CPUIndex, mask uint64) []CPUIndex {
	out := make([]CPUIndex, 0, len(idx))
	for _, i := range idx {
		if i >= 0 && i < 64 && mask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}
