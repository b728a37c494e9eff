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
// Package hostos is the seam between this daemon's reconciliation logic and
// the host operating system. It names exactly the capabilities spec.md
// §6.1 requires ("what", not "how"): enumerate processes and logical CPUs,
// open a thread and read its cycle time, set process/thread scheduling
// knobs, and resolve a code address to a symbol. The only implementation
// that matters in production is internal/hostos/winhost (built only under
// GOOS=windows); internal/hostos/hostfake is an in-memory stand-in used by
// every test in this module.
//
// No package-level state lives here. A Host is constructed once by main
// and threaded explicitly through the topology, snapshot, symbol, and
// scheduler layers, per the Design Note that global mutable singletons be
// re-architected as explicitly-passed context objects.
package hostos

import (
	"context"
	"errors"

	"github.com/corepin/primed/internal/topology"
)

// ErrAccessDenied and ErrPrivilegeNotHeld are sentinels a Host
// implementation wraps its own platform error in, so internal/reconcile can
// classify an OS-call failure (spec.md §7) with errors.Is instead of
// needing a platform-specific import of its own to inspect a raw
// syscall.Errno.
var (
	ErrAccessDenied     = errors.New("hostos: access denied")
	ErrPrivilegeNotHeld = errors.New("hostos: privilege not held")
)

// ProcessID is a live OS process identifier.
type ProcessID int32

// Valid reports whether p could name a real process.
func (p ProcessID) Valid() bool { return p > 0 }

// ThreadID is a live OS thread identifier.
type ThreadID int32

// Valid reports whether t could name a real thread.
func (t ThreadID) Valid() bool { return t > 0 }

// ThreadRunState is the scheduling state of a thread at the instant it was
// observed.
type ThreadRunState int8

const (
	ThreadStateUnknown ThreadRunState = iota
	ThreadStateRunning
	ThreadStateReady
	ThreadStateWaiting
)

// ThreadInfo is one thread's state as of a single Snapshot.
type ThreadInfo struct {
	TID          ThreadID
	State        ThreadRunState
	WaitReason   string
	Priority     ThreadPriority
	StartAddress uintptr // may be zero without debug privilege
	KernelTime   int64   // 100ns units, cumulative since thread start
	UserTime     int64   // 100ns units, cumulative since thread start
}

// ProcessInfo is one process's state, and that of all of its threads, as of
// a single Snapshot.
type ProcessInfo struct {
	PID       ProcessID
	ImageName string
	Threads   map[ThreadID]ThreadInfo
}

// ProcessEnumerator produces a single, internally-consistent point-in-time
// view of every running process and thread.
type ProcessEnumerator interface {
	EnumerateProcesses(ctx context.Context) (map[ProcessID]ProcessInfo, error)
}

// CPUEnumerator lists the host's logical CPUs, each paired with the
// OS-assigned cpu-set identifier used by the soft-preference APIs.
type CPUEnumerator interface {
	EnumerateCPUs(ctx context.Context) ([]topology.LogicalCPU, error)
}

// ThreadHandle is a privileged, caller-owned handle onto one live thread,
// opened with just enough rights to query its cycle time and set its
// cpu-set preference and priority (spec.md §4.5.1). It must be closed
// exactly once; invariant 2 of spec.md §3 makes ThreadStats the sole owner.
type ThreadHandle interface {
	PID() ProcessID
	TID() ThreadID
	// StartAddress returns the thread's start address, read once when the
	// handle was opened; it may be zero without debug privilege.
	StartAddress() uintptr
	// CycleTime returns the thread's cumulative CPU cycle counter.
	CycleTime() (uint64, error)
	Priority() (ThreadPriority, error)
	SetPriority(p ThreadPriority) error
	SetSelectedCPUSets(ids []topology.CPUSetID) error
	Close() error
}

// ThreadOpener opens thread handles for the scheduler.
type ThreadOpener interface {
	OpenThread(pid ProcessID, tid ThreadID) (ThreadHandle, error)
}

// ProcessController applies the process-wide rule fields of spec.md §3
// (everything but prime-thread pinning, which goes through ThreadHandle).
type ProcessController interface {
	PriorityClass(pid ProcessID) (ProcessPriorityClass, error)
	SetPriorityClass(pid ProcessID, class ProcessPriorityClass) error

	AffinityMask(pid ProcessID) (uint64, error)
	SetAffinityMask(pid ProcessID, mask uint64) error

	DefaultCPUSets(pid ProcessID) ([]topology.CPUSetID, error)
	SetDefaultCPUSets(pid ProcessID, ids []topology.CPUSetID) error

	SetIOPriority(pid ProcessID, p IOPriority) error
	SetMemoryPriority(pid ProcessID, p MemoryPriority) error
}

// ModuleInfo describes one module loaded into a process's address space.
type ModuleInfo struct {
	Name string
	Base uintptr
	Size uintptr
}

// SymbolContext is a lazily-initialized, per-pid handle onto the host's
// symbol resolution facility (spec.md §4.3). It must be closed when its pid
// is garbage collected.
type SymbolContext interface {
	// Modules enumerates the modules currently loaded into the context's
	// process.
	Modules() ([]ModuleInfo, error)
	// LoadModule loads symbol information for m; idempotent per module.
	LoadModule(m ModuleInfo) error
	// Resolve looks up the symbol, if any, containing addr within an
	// already-loaded module. ok is false if the module has no symbol
	// covering addr, but is itself known (degrade to module+offset).
	Resolve(addr uintptr) (name string, offset uintptr, ok bool, err error)
	Close() error
}

// SymbolContextOpener lazily creates a SymbolContext for a pid, configured
// with a local cache directory, optional upstream symbol server, and
// optional HTTP proxy (spec.md §4.3 step 3).
type SymbolContextOpener interface {
	OpenSymbolContext(pid ProcessID, searchPath SearchPath) (SymbolContext, error)
}

// SearchPath configures where symbols may be found.
type SearchPath struct {
	LocalCacheDir string
	UpstreamURL   string
	ProxyURL      string // carried but not used by winhost's search path
}

// Host aggregates every OS capability this daemon requires. It is built
// once (real, by internal/hostos/winhost.New on Windows) or substituted
// wholesale in tests (internal/hostos/hostfake.New).
type Host interface {
	CPUEnumerator
	ProcessEnumerator
	ThreadOpener
	ProcessController
	SymbolContextOpener
}
