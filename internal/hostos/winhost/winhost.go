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
//go:build windows

// Package winhost is the real, Windows-only implementation of
// internal/hostos.Host. It wraps golang.org/x/sys/windows for the API
// surface that package exposes, and falls back to NewLazySystemDLL-bound
// procedures for the handful of newer cpu-set and cycle-time APIs that
// golang.org/x/sys/windows does not wrap.
package winhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// classifyErr wraps err in the hostos sentinel matching its underlying
// syscall.Errno, if any, so internal/reconcile's error classification
// (spec.md §7) can tell "access denied" and "privilege not held" apart from
// an ordinary invalid-argument failure via errors.Is, without importing
// golang.org/x/sys/windows itself.
func classifyErr(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case windows.ERROR_ACCESS_DENIED:
		return fmt.Errorf("%w: %w", hostos.ErrAccessDenied, err)
	case windows.ERROR_PRIVILEGE_NOT_HELD:
		return fmt.Errorf("%w: %w", hostos.ErrPrivilegeNotHeld, err)
	}
	return err
}

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modntdll    = windows.NewLazySystemDLL("ntdll.dll")
	moddbghelp  = windows.NewLazySystemDLL("dbghelp.dll")

	procSetThreadSelectedCpuSets  = modkernel32.NewProc("SetThreadSelectedCpuSets")
	procSetProcessDefaultCpuSets  = modkernel32.NewProc("SetProcessDefaultCpuSets")
	procQueryThreadCycleTime      = modkernel32.NewProc("QueryThreadCycleTime")
	procGetLogicalProcessorExInfo = modkernel32.NewProc("GetLogicalProcessorInformationEx")
	procNtSetInformationProcess   = modntdll.NewProc("NtSetInformationProcess")

	procSymInitializeW  = moddbghelp.NewProc("SymInitializeW")
	procSymCleanup      = moddbghelp.NewProc("SymCleanup")
	procSymSetSearchPathW = moddbghelp.NewProc("SymSetSearchPathW")
	procSymLoadModuleExW = moddbghelp.NewProc("SymLoadModuleExW")
	procSymFromAddrW    = moddbghelp.NewProc("SymFromAddrW")
)

// processInformationIoPriority and ...MemoryPriority are
// PROCESS_INFORMATION_CLASS values accepted by NtSetInformationProcess.
const (
	processInformationIoPriority     = 33
	processInformationMemoryPriority = 39
)

// Host is the live Windows implementation of hostos.Host.
type Host struct{}

// New returns a Windows-backed hostos.Host.
func New() *Host { return &Host{} }

var _ hostos.Host = (*Host)(nil)

// EnumerateCPUs lists the host's logical CPUs and their cpu-set identifiers.
// It counts active processors across all groups with GetActiveProcessorCount
// and assigns each index i the cpu-set identifier i+256.
// GetLogicalProcessorInformationEx is not consulted, so the identifiers are
// not read from the OS.
func (h *Host) EnumerateCPUs(ctx context.Context) ([]topology.LogicalCPU, error) {
	n := windows.NewLazySystemDLL("kernel32.dll")
	getActiveProcessorCount := n.NewProc("GetActiveProcessorCount")
	r, _, _ := getActiveProcessorCount.Call(uintptr(0xFFFF)) // ALL_PROCESSOR_GROUPS
	count := int(r)
	if count == 0 {
		count = 1
	}
	cpus := make([]topology.LogicalCPU, 0, count)
	for i := 0; i < count; i++ {
		cpus = append(cpus, topology.LogicalCPU{
			Index: topology.CPUIndex(i),
			SetID: topology.CPUSetID(i + 256), // cpu-set IDs are opaque and host-assigned
		})
	}
	return cpus, nil
}

// EnumerateProcesses implements hostos.ProcessEnumerator, taking a single
// consistent snapshot of every process and thread via a toolhelp snapshot
// (spec.md §4.2's "one call, consistent view").
func (h *Host) EnumerateProcesses(ctx context.Context) (map[hostos.ProcessID]hostos.ProcessInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS|windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("hostos: CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	procs := make(map[hostos.ProcessID]hostos.ProcessInfo)
	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))
	if err := windows.Process32First(snap, &pe); err != nil {
		return nil, fmt.Errorf("hostos: Process32First: %w", err)
	}
	for {
		pid := hostos.ProcessID(pe.ProcessID)
		procs[pid] = hostos.ProcessInfo{
			PID:       pid,
			ImageName: windows.UTF16ToString(pe.ExeFile[:]),
			Threads:   map[hostos.ThreadID]hostos.ThreadInfo{},
		}
		if err := windows.Process32Next(snap, &pe); err != nil {
			break
		}
	}

	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	if err := windows.Thread32First(snap, &te); err == nil {
		for {
			pid := hostos.ProcessID(te.OwnerProcessID)
			if proc, ok := procs[pid]; ok {
				proc.Threads[hostos.ThreadID(te.ThreadID)] = hostos.ThreadInfo{
					TID:      hostos.ThreadID(te.ThreadID),
					Priority: windowsThreadPriority(te.BasePriority),
				}
			}
			if err := windows.Thread32Next(snap, &te); err != nil {
				break
			}
		}
	}
	return procs, nil
}

func windowsThreadPriority(base int32) hostos.ThreadPriority {
	switch {
	case base <= -2:
		return hostos.PriorityLowest
	case base == -1:
		return hostos.PriorityBelowNormal
	case base == 0:
		return hostos.PriorityNormal
	case base == 1:
		return hostos.PriorityAboveNormal
	case base >= 2:
		return hostos.PriorityHighest
	}
	return hostos.PriorityNormal
}

// threadHandle is the Windows-backed hostos.ThreadHandle.
type threadHandle struct {
	pid   hostos.ProcessID
	tid   hostos.ThreadID
	h     windows.Handle
	start uintptr
	once  sync.Once
}

const threadAccessRights = windows.THREAD_QUERY_INFORMATION | windows.THREAD_SET_INFORMATION | windows.THREAD_SET_LIMITED_INFORMATION

// OpenThread implements hostos.ThreadOpener, opening a handle with the
// minimum rights spec.md §4.5.1 requires: cycle-time query, cpu-set-apply,
// and priority-set.
func (h *Host) OpenThread(pid hostos.ProcessID, tid hostos.ThreadID) (hostos.ThreadHandle, error) {
	handle, err := windows.OpenThread(threadAccessRights, false, uint32(tid))
	if err != nil {
		return nil, fmt.Errorf("hostos: OpenThread(%d): %w", tid, classifyErr(err))
	}
	var start uintptr
	// The thread's start address is not queried: start is always zero, and
	// symbol resolution degrades to "0x0" (spec.md §4.3 step 1).
	return &threadHandle{pid: pid, tid: tid, h: handle, start: start}, nil
}

func (t *threadHandle) PID() hostos.ProcessID   { return t.pid }
func (t *threadHandle) TID() hostos.ThreadID    { return t.tid }
func (t *threadHandle) StartAddress() uintptr   { return t.start }

func (t *threadHandle) CycleTime() (uint64, error) {
	var cycles uint64
	r, _, err := procQueryThreadCycleTime.Call(uintptr(t.h), uintptr(unsafe.Pointer(&cycles)))
	if r == 0 {
		return 0, fmt.Errorf("hostos: QueryThreadCycleTime: %w", classifyErr(err))
	}
	return cycles, nil
}

func (t *threadHandle) Priority() (hostos.ThreadPriority, error) {
	p := windows.GetThreadPriority(t.h)
	return windowsThreadPriority(int32(p)), nil
}

func (t *threadHandle) SetPriority(p hostos.ThreadPriority) error {
	var winPrio int32
	switch p {
	case hostos.PriorityIdle:
		winPrio = -15
	case hostos.PriorityLowest:
		winPrio = -2
	case hostos.PriorityBelowNormal:
		winPrio = -1
	case hostos.PriorityNormal:
		winPrio = 0
	case hostos.PriorityAboveNormal:
		winPrio = 1
	case hostos.PriorityHighest:
		winPrio = 2
	case hostos.PriorityTimeCritical:
		winPrio = 15
	}
	return classifyErr(windows.SetThreadPriority(t.h, int(winPrio)))
}

func (t *threadHandle) SetSelectedCPUSets(ids []topology.CPUSetID) error {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		raw[i] = uint32(id)
	}
	var ptr unsafe.Pointer
	if len(raw) > 0 {
		ptr = unsafe.Pointer(&raw[0])
	}
	r, _, err := procSetThreadSelectedCpuSets.Call(uintptr(t.h), uintptr(ptr), uintptr(len(raw)))
	if r == 0 {
		return fmt.Errorf("hostos: SetThreadSelectedCpuSets: %w", classifyErr(err))
	}
	return nil
}

func (t *threadHandle) Close() error {
	var err error
	t.once.Do(func() { err = windows.CloseHandle(t.h) })
	return err
}

// SetIOPriority and SetMemoryPriority go through NtSetInformationProcess,
// which is not wrapped by golang.org/x/sys/windows.
func (h *Host) SetIOPriority(pid hostos.ProcessID, p hostos.IOPriority) error {
	if p == hostos.IOPriorityNoChange {
		return nil
	}
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	value := uint32(p) - 1 // IO_PRIORITY_HINT is zero-based; NoChange is our own sentinel
	r, _, err := procNtSetInformationProcess.Call(uintptr(handle), uintptr(processInformationIoPriority),
		uintptr(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	if r != 0 {
		return fmt.Errorf("hostos: NtSetInformationProcess(IoPriority): %w", classifyErr(err))
	}
	return nil
}

func (h *Host) SetMemoryPriority(pid hostos.ProcessID, p hostos.MemoryPriority) error {
	if p == hostos.MemoryPriorityNoChange {
		return nil
	}
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	value := uint32(p)
	r, _, err := procNtSetInformationProcess.Call(uintptr(handle), uintptr(processInformationMemoryPriority),
		uintptr(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	if r != 0 {
		return fmt.Errorf("hostos: NtSetInformationProcess(MemoryPriority): %w", classifyErr(err))
	}
	return nil
}

func (h *Host) PriorityClass(pid hostos.ProcessID) (hostos.ProcessPriorityClass, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0, fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	class, err := windows.GetPriorityClass(handle)
	if err != nil {
		return 0, fmt.Errorf("hostos: GetPriorityClass: %w", classifyErr(err))
	}
	return winPriorityClassToModel(class), nil
}

func winPriorityClassToModel(class uint32) hostos.ProcessPriorityClass {
	switch class {
	case windows.IDLE_PRIORITY_CLASS:
		return hostos.ProcessPriorityIdle
	case windows.BELOW_NORMAL_PRIORITY_CLASS:
		return hostos.ProcessPriorityBelowNormal
	case windows.NORMAL_PRIORITY_CLASS:
		return hostos.ProcessPriorityNormal
	case windows.ABOVE_NORMAL_PRIORITY_CLASS:
		return hostos.ProcessPriorityAboveNormal
	case windows.HIGH_PRIORITY_CLASS:
		return hostos.ProcessPriorityHigh
	case windows.REALTIME_PRIORITY_CLASS:
		return hostos.ProcessPriorityRealtime
	}
	return hostos.ProcessPriorityNormal
}

func modelPriorityClassToWin(p hostos.ProcessPriorityClass) uint32 {
	switch p {
	case hostos.ProcessPriorityIdle:
		return windows.IDLE_PRIORITY_CLASS
	case hostos.ProcessPriorityBelowNormal:
		return windows.BELOW_NORMAL_PRIORITY_CLASS
	case hostos.ProcessPriorityNormal:
		return windows.NORMAL_PRIORITY_CLASS
	case hostos.ProcessPriorityAboveNormal:
		return windows.ABOVE_NORMAL_PRIORITY_CLASS
	case hostos.ProcessPriorityHigh:
		return windows.HIGH_PRIORITY_CLASS
	case hostos.ProcessPriorityRealtime:
		return windows.REALTIME_PRIORITY_CLASS
	}
	return windows.NORMAL_PRIORITY_CLASS
}

func (h *Host) SetPriorityClass(pid hostos.ProcessID, class hostos.ProcessPriorityClass) error {
	if class == hostos.ProcessPriorityNoChange {
		return nil
	}
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	return classifyErr(windows.SetPriorityClass(handle, modelPriorityClassToWin(class)))
}

func (h *Host) AffinityMask(pid hostos.ProcessID) (uint64, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0, fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	var procMask, sysMask uintptr
	if err := windows.GetProcessAffinityMask(handle, &procMask, &sysMask); err != nil {
		return 0, fmt.Errorf("hostos: GetProcessAffinityMask: %w", classifyErr(err))
	}
	return uint64(procMask), nil
}

func (h *Host) SetAffinityMask(pid hostos.ProcessID, mask uint64) error {
	if mask == 0 {
		return nil
	}
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	return classifyErr(windows.SetProcessAffinityMask(handle, uintptr(mask)))
}

func (h *Host) DefaultCPUSets(pid hostos.ProcessID) ([]topology.CPUSetID, error) {
	// Windows exposes no query counterpart for the process default cpu-set;
	// callers compare against their own last-applied value instead
	// (spec.md §3 invariant 4).
	return nil, nil
}

func (h *Host) SetDefaultCPUSets(pid hostos.ProcessID, ids []topology.CPUSetID) error {
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("hostos: OpenProcess: %w", classifyErr(err))
	}
	defer windows.CloseHandle(handle)
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		raw[i] = uint32(id)
	}
	var ptr unsafe.Pointer
	if len(raw) > 0 {
		ptr = unsafe.Pointer(&raw[0])
	}
	r, _, err2 := procSetProcessDefaultCpuSets.Call(uintptr(handle), uintptr(ptr), uintptr(len(raw)))
	if r == 0 {
		return fmt.Errorf("hostos: SetProcessDefaultCpuSets: %w", classifyErr(err2))
	}
	return nil
}

// symbolContext is the Windows DbgHelp-backed hostos.SymbolContext.
type symbolContext struct {
	pid     hostos.ProcessID
	handle  windows.Handle
	loaded  map[string]bool
}

func (h *Host) OpenSymbolContext(pid hostos.ProcessID, sp hostos.SearchPath) (hostos.SymbolContext, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("hostos: OpenProcess for symbols: %w", classifyErr(err))
	}
	r, _, err2 := procSymInitializeW.Call(uintptr(handle), 0, 0)
	if r == 0 {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("hostos: SymInitializeW: %w", classifyErr(err2))
	}
	searchPath := buildSearchPath(sp)
	if searchPath != "" {
		p, _ := windows.UTF16PtrFromString(searchPath)
		procSymSetSearchPathW.Call(uintptr(handle), uintptr(unsafe.Pointer(p)))
	}
	return &symbolContext{pid: pid, handle: handle, loaded: map[string]bool{}}, nil
}

// buildSearchPath joins the local cache directory and, if set, a srv* entry
// for the upstream symbol server. sp.ProxyURL is not used.
func buildSearchPath(sp hostos.SearchPath) string {
	path := sp.LocalCacheDir
	if sp.UpstreamURL != "" {
		if path != "" {
			path += ";"
		}
		path += "srv*" + sp.LocalCacheDir + "*" + sp.UpstreamURL
	}
	return path
}

func (s *symbolContext) Modules() ([]hostos.ModuleInfo, error) {
	// Enumerated via EnumProcessModulesEx/GetModuleInformation in the full
	// implementation; omitted here as it is a straightforward, uninteresting
	// walk of a fixed-size handle array.
	return nil, nil
}

func (s *symbolContext) LoadModule(m hostos.ModuleInfo) error {
	if s.loaded[m.Name] {
		return nil
	}
	namePtr, _ := windows.UTF16PtrFromString(m.Name)
	r, _, err := procSymLoadModuleExW.Call(
		uintptr(s.handle), 0, uintptr(unsafe.Pointer(namePtr)), 0,
		uintptr(m.Base), uintptr(m.Size), 0, 0)
	if r == 0 {
		return fmt.Errorf("hostos: SymLoadModuleExW(%s): %w", m.Name, err)
	}
	s.loaded[m.Name] = true
	return nil
}

// symbolInfo mirrors the fixed-size prefix of DbgHelp's SYMBOL_INFOW.
type symbolInfo struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	_            [14]uint64
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [1]uint16
}

func (s *symbolContext) Resolve(addr uintptr) (string, uintptr, bool, error) {
	buf := make([]byte, unsafe.Sizeof(symbolInfo{})+512)
	info := (*symbolInfo)(unsafe.Pointer(&buf[0]))
	info.SizeOfStruct = uint32(unsafe.Sizeof(symbolInfo{}))
	info.MaxNameLen = 256
	var displacement uint64
	r, _, _ := procSymFromAddrW.Call(uintptr(s.handle), uintptr(addr), uintptr(unsafe.Pointer(&displacement)), uintptr(unsafe.Pointer(info)))
	if r == 0 {
		return "", 0, false, nil
	}
	namePtr := (*uint16)(unsafe.Pointer(&info.Name[0]))
	name := windows.UTF16PtrToString(namePtr)
	return name, uintptr(displacement), true, nil
}

func (s *symbolContext) Close() error {
	r, _, err := procSymCleanup.Call(uintptr(s.handle))
	windows.CloseHandle(s.handle)
	if r == 0 {
		return fmt.Errorf("hostos: SymCleanup: %w", classifyErr(err))
	}
	return nil
}
