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
// Package hostfake is an in-memory stand-in for internal/hostos.Host, used
// by every test in this module so that the reconciliation loop and the
// prime-thread scheduler can be driven deterministically by a simulated
// clock and a scripted snapshot sequence (spec.md §8.2), without ever
// touching a real OS. It has no third-party dependency: it is test
// scaffolding, not a production concern, mirroring the teacher's own
// hand-written fakes (tracedata/test_event_set_builder.go).
package hostfake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// Host is a fully in-memory hostos.Host. Zero value is not usable; use New.
type Host struct {
	mu sync.Mutex

	cpus      []topology.LogicalCPU
	processes map[hostos.ProcessID]hostos.ProcessInfo

	cycles map[hostos.ThreadID]uint64 // current CycleTime() value per tid
	openThreadErr map[hostos.ThreadID]error

	priorityClass map[hostos.ProcessID]hostos.ProcessPriorityClass
	affinityMask  map[hostos.ProcessID]uint64
	defaultSets   map[hostos.ProcessID][]topology.CPUSetID
	ioPriority    map[hostos.ProcessID]hostos.IOPriority
	memPriority   map[hostos.ProcessID]hostos.MemoryPriority

	threadPriority map[hostos.ThreadID]hostos.ThreadPriority
	threadCPUSets  map[hostos.ThreadID][]topology.CPUSetID
	startAddress   map[hostos.ThreadID]uintptr
	openHandles    map[hostos.ThreadID]int // ref count, to assert §3 invariant 2 in tests

	modules map[hostos.ProcessID][]hostos.ModuleInfo
	// symbolAt maps a pid to a resolver returning name+offset for an
	// address, so tests can script SymbolUnavailable degradation.
	symbolAt map[hostos.ProcessID]func(addr uintptr) (name string, offset uintptr, ok bool)
}

// New returns an empty fake host.
func New(cpus []topology.LogicalCPU) *Host {
	return &Host{
		cpus:           cpus,
		processes:      map[hostos.ProcessID]hostos.ProcessInfo{},
		cycles:         map[hostos.ThreadID]uint64{},
		openThreadErr:  map[hostos.ThreadID]error{},
		priorityClass:  map[hostos.ProcessID]hostos.ProcessPriorityClass{},
		affinityMask:   map[hostos.ProcessID]uint64{},
		defaultSets:    map[hostos.ProcessID][]topology.CPUSetID{},
		ioPriority:     map[hostos.ProcessID]hostos.IOPriority{},
		memPriority:    map[hostos.ProcessID]hostos.MemoryPriority{},
		threadPriority: map[hostos.ThreadID]hostos.ThreadPriority{},
		threadCPUSets:  map[hostos.ThreadID][]topology.CPUSetID{},
		startAddress:   map[hostos.ThreadID]uintptr{},
		openHandles:    map[hostos.ThreadID]int{},
		modules:        map[hostos.ProcessID][]hostos.ModuleInfo{},
		symbolAt:       map[hostos.ProcessID]func(uintptr) (string, uintptr, bool){},
	}
}

var _ hostos.Host = (*Host)(nil)

// --- Test scripting surface ---

// SetSnapshot replaces the process/thread table returned by the next
// EnumerateProcesses call.
func (h *Host) SetSnapshot(procs map[hostos.ProcessID]hostos.ProcessInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processes = procs
}

// SetCycles sets the cumulative cycle counter CycleTime() will report for
// tid until changed again.
func (h *Host) SetCycles(tid hostos.ThreadID, cycles uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycles[tid] = cycles
}

// SetOpenThreadError makes every later OpenThread(_, tid) fail with err
// until it is called again with a nil err,
// simulating a process that has exited or is access-denied between the
// snapshot and the open call (spec.md §7 NotFound/AccessDenied).
func (h *Host) SetOpenThreadError(tid hostos.ThreadID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openThreadErr[tid] = err
}

// SetStartAddress scripts the start address OpenThread will report for tid.
func (h *Host) SetStartAddress(tid hostos.ThreadID, addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startAddress[tid] = addr
}

// SetModules scripts the modules enumerated for a pid's symbol context.
func (h *Host) SetModules(pid hostos.ProcessID, mods []hostos.ModuleInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules[pid] = mods
}

// SetSymbolResolver scripts symbol resolution within a pid's address space.
func (h *Host) SetSymbolResolver(pid hostos.ProcessID, fn func(addr uintptr) (name string, offset uintptr, ok bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.symbolAt[pid] = fn
}

// OpenHandleCount returns the number of currently-open thread handles for
// tid, for asserting the handle-conservation property of spec.md §8.1.
func (h *Host) OpenHandleCount(tid hostos.ThreadID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openHandles[tid]
}

// ThreadPriority returns the last priority applied to tid via a
// ThreadHandle, for test assertions.
func (h *Host) ThreadPriority(tid hostos.ThreadID) hostos.ThreadPriority {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadPriority[tid]
}

// ThreadCPUSets returns the last cpu-set selection applied to tid.
func (h *Host) ThreadCPUSets(tid hostos.ThreadID) []topology.CPUSetID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]topology.CPUSetID, len(h.threadCPUSets[tid]))
	copy(out, h.threadCPUSets[tid])
	return out
}

// ProcessPriorityClass returns the last priority class applied to pid.
func (h *Host) ProcessPriorityClass(pid hostos.ProcessID) hostos.ProcessPriorityClass {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priorityClass[pid]
}

// ProcessAffinityMask returns the last affinity mask applied to pid.
func (h *Host) ProcessAffinityMask(pid hostos.ProcessID) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.affinityMask[pid]
}

// ProcessDefaultCPUSets returns the last default cpu-set applied to pid.
func (h *Host) ProcessDefaultCPUSets(pid hostos.ProcessID) []topology.CPUSetID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]topology.CPUSetID, len(h.defaultSets[pid]))
	copy(out, h.defaultSets[pid])
	return out
}

// --- hostos.Host implementation ---

func (h *Host) EnumerateCPUs(ctx context.Context) ([]topology.LogicalCPU, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]topology.LogicalCPU, len(h.cpus))
	copy(out, h.cpus)
	return out, nil
}

func (h *Host) EnumerateProcesses(ctx context.Context) (map[hostos.ProcessID]hostos.ProcessInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[hostos.ProcessID]hostos.ProcessInfo, len(h.processes))
	for pid, p := range h.processes {
		threads := make(map[hostos.ThreadID]hostos.ThreadInfo, len(p.Threads))
		for tid, th := range p.Threads {
			threads[tid] = th
		}
		p.Threads = threads
		out[pid] = p
	}
	return out, nil
}

func (h *Host) OpenThread(pid hostos.ProcessID, tid hostos.ThreadID) (hostos.ThreadHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.openThreadErr[tid]; ok && err != nil {
		return nil, err
	}
	h.openHandles[tid]++
	return &threadHandle{host: h, pid: pid, tid: tid}, nil
}

type threadHandle struct {
	host   *Host
	pid    hostos.ProcessID
	tid    hostos.ThreadID
	closed bool
}

func (t *threadHandle) PID() hostos.ProcessID { return t.pid }
func (t *threadHandle) TID() hostos.ThreadID  { return t.tid }

func (t *threadHandle) StartAddress() uintptr {
	t.host.mu.Lock()
	defer t.host.mu.Unlock()
	return t.host.startAddress[t.tid]
}

func (t *threadHandle) CycleTime() (uint64, error) {
	t.host.mu.Lock()
	defer t.host.mu.Unlock()
	return t.host.cycles[t.tid], nil
}

func (t *threadHandle) Priority() (hostos.ThreadPriority, error) {
	t.host.mu.Lock()
	defer t.host.mu.Unlock()
	return t.host.threadPriority[t.tid], nil
}

func (t *threadHandle) SetPriority(p hostos.ThreadPriority) error {
	t.host.mu.Lock()
	defer t.host.mu.Unlock()
	t.host.threadPriority[t.tid] = p
	return nil
}

func (t *threadHandle) SetSelectedCPUSets(ids []topology.CPUSetID) error {
	t.host.mu.Lock()
	defer t.host.mu.Unlock()
	cp := make([]topology.CPUSetID, len(ids))
	copy(cp, ids)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	t.host.threadCPUSets[t.tid] = cp
	return nil
}

func (t *threadHandle) Close() error {
	t.host.mu.Lock()
	defer t.host.mu.Unlock()
	if t.closed {
		return fmt.Errorf("hostfake: handle for tid %d closed twice", t.tid)
	}
	t.closed = true
	t.host.openHandles[t.tid]--
	return nil
}

func (h *Host) PriorityClass(pid hostos.ProcessID) (hostos.ProcessPriorityClass, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priorityClass[pid], nil
}

func (h *Host) SetPriorityClass(pid hostos.ProcessID, class hostos.ProcessPriorityClass) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.priorityClass[pid] = class
	return nil
}

func (h *Host) AffinityMask(pid hostos.ProcessID) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.affinityMask[pid], nil
}

func (h *Host) SetAffinityMask(pid hostos.ProcessID, mask uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.affinityMask[pid] = mask
	return nil
}

func (h *Host) DefaultCPUSets(pid hostos.ProcessID) ([]topology.CPUSetID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]topology.CPUSetID, len(h.defaultSets[pid]))
	copy(out, h.defaultSets[pid])
	return out, nil
}

func (h *Host) SetDefaultCPUSets(pid hostos.ProcessID, ids []topology.CPUSetID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]topology.CPUSetID, len(ids))
	copy(cp, ids)
	h.defaultSets[pid] = cp
	return nil
}

func (h *Host) SetIOPriority(pid hostos.ProcessID, p hostos.IOPriority) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ioPriority[pid] = p
	return nil
}

func (h *Host) SetMemoryPriority(pid hostos.ProcessID, p hostos.MemoryPriority) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memPriority[pid] = p
	return nil
}

type symbolContext struct {
	host   *Host
	pid    hostos.ProcessID
	loaded map[string]bool
}

func (h *Host) OpenSymbolContext(pid hostos.ProcessID, sp hostos.SearchPath) (hostos.SymbolContext, error) {
	return &symbolContext{host: h, pid: pid, loaded: map[string]bool{}}, nil
}

func (s *symbolContext) Modules() ([]hostos.ModuleInfo, error) {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	out := make([]hostos.ModuleInfo, len(s.host.modules[s.pid]))
	copy(out, s.host.modules[s.pid])
	return out, nil
}

func (s *symbolContext) LoadModule(m hostos.ModuleInfo) error {
	s.loaded[m.Name] = true
	return nil
}

func (s *symbolContext) Resolve(addr uintptr) (string, uintptr, bool, error) {
	s.host.mu.Lock()
	fn := s.host.symbolAt[s.pid]
	s.host.mu.Unlock()
	if fn == nil {
		return "", 0, false, nil
	}
	name, off, ok := fn(addr)
	return name, off, ok, nil
}

func (s *symbolContext) Close() error { return nil }
