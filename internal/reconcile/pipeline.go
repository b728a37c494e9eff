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
	"errors"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/outcome"
	"github.com/corepin/primed/internal/topology"
)

// applyPriorityClass compares the process's observed priority class
// against rule's desired one and issues a change only on mismatch.
func applyPriorityClass(host hostos.ProcessController, pid hostos.ProcessID, want hostos.ProcessPriorityClass) outcome.Outcome {
	if want == hostos.ProcessPriorityNoChange {
		return outcome.Unchanged("no_change")
	}
	cur, err := host.PriorityClass(pid)
	if err != nil {
		return outcome.Failed(outcome.KindNotFound, err)
	}
	if cur == want {
		return outcome.Unchanged(cur.String())
	}
	if err := host.SetPriorityClass(pid, want); err != nil {
		return outcome.Failed(classifyErr(err), err)
	}
	return outcome.Applied(cur.String(), want.String())
}

// applyAffinity applies the hard affinity mask, returning the resulting
// mask so later steps (default cpu-set) can bound their preference by it.
func applyAffinity(host hostos.ProcessController, topo *topology.Topology, pid hostos.ProcessID, want topology.CpuSpec) (uint64, outcome.Outcome) {
	cur, err := host.AffinityMask(pid)
	if err != nil {
		return 0, outcome.Failed(outcome.KindNotFound, err)
	}
	if want.NoChange {
		return cur, outcome.Unchanged("no_change")
	}
	mask := topo.MaskFromIndices(topo.IndicesFromSpec(want))
	if mask == cur {
		return cur, outcome.Unchanged("unchanged")
	}
	if err := host.SetAffinityMask(pid, mask); err != nil {
		return cur, outcome.Failed(classifyErr(err), err)
	}
	return mask, outcome.Applied("", "")
}

// applyDefaultCPUSet applies the soft cpu-set preference, intersected with
// affinityMask so a preference never names a CPU the hard mask excludes
// (spec.md §4.6, "Affinity bounds soft by hard"). Windows exposes no query
// counterpart for a process's default cpu-set (winhost.DefaultCPUSets
// always returns nil), so idempotence (spec.md §8.1) depends on the caller
// tracking its own last-applied ids instead of re-querying the host;
// prevIDs is that cache entry and the (possibly updated) ids are returned
// for the caller to store back.
func applyDefaultCPUSet(host hostos.ProcessController, topo *topology.Topology, pid hostos.ProcessID, want topology.CpuSpec, affinityMask uint64, prevIDs []topology.CPUSetID) ([]topology.CPUSetID, outcome.Outcome) {
	if want.NoChange {
		return prevIDs, outcome.Unchanged("no_change")
	}
	indices := topo.IndicesFromSpec(want)
	if affinityMask != 0 {
		indices = topo.FilterIndicesByMask(indices, affinityMask)
	}
	ids, err := topo.CPUSetIDsFromIndices(indices)
	if err != nil {
		return prevIDs, outcome.Failed(outcome.KindInvalidArgument, err)
	}
	if sameIDs(prevIDs, ids) {
		return prevIDs, outcome.Unchanged("unchanged")
	}
	if err := host.SetDefaultCPUSets(pid, ids); err != nil {
		return prevIDs, outcome.Failed(classifyErr(err), err)
	}
	return ids, outcome.Applied("", "")
}

func applyIOPriority(host hostos.ProcessController, pid hostos.ProcessID, want hostos.IOPriority) outcome.Outcome {
	if want == hostos.IOPriorityNoChange {
		return outcome.Unchanged("no_change")
	}
	if err := host.SetIOPriority(pid, want); err != nil {
		return outcome.Failed(classifyErr(err), err)
	}
	return outcome.Applied("", want.String())
}

func applyMemoryPriority(host hostos.ProcessController, pid hostos.ProcessID, want hostos.MemoryPriority) outcome.Outcome {
	if want == hostos.MemoryPriorityNoChange {
		return outcome.Unchanged("no_change")
	}
	if err := host.SetMemoryPriority(pid, want); err != nil {
		return outcome.Failed(classifyErr(err), err)
	}
	return outcome.Applied("", want.String())
}

func sameIDs(a, b []topology.CPUSetID) bool {
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

// classifyErr maps an OS-call failure onto spec.md §7's error-kind taxonomy.
// winhost wraps its platform errors in hostos.ErrAccessDenied or
// hostos.ErrPrivilegeNotHeld when the underlying syscall.Errno says so;
// anything else is treated as a rejected argument, since that is the safe,
// non-retried default.
func classifyErr(err error) outcome.Kind {
	switch {
	case err == nil:
		return outcome.KindNone
	case errors.Is(err, hostos.ErrAccessDenied):
		return outcome.KindAccessDenied
	case errors.Is(err, hostos.ErrPrivilegeNotHeld):
		return outcome.KindPrivilegeNotHeld
	default:
		return outcome.KindInvalidArgument
	}
}
