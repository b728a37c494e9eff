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
// Package symbols resolves a thread's start address to a human-readable
// "module!symbol+offset" string (spec.md §4.3). It is the one place in this
// module that talks to the host's symbol-server machinery, and it pays for
// that privilege with two caches: a bounded per-pid symbol-context cache
// (a process's modules rarely change once it is past its first tick) and a
// process-wide string bank that interns resolved module and symbol names so
// that ten thousand threads sharing kernel32.dll do not each hold their own
// copy of the string.
package symbols

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/corepin/primed/internal/hostos"
)

// defaultContextCacheSize bounds the number of live per-pid SymbolContexts
// this Resolver holds open at once. A context that falls out of the cache
// has Close called on it, releasing whatever handle the host gave it.
const defaultContextCacheSize = 256

// stringBank interns strings so repeated module and symbol names across
// many processes and threads share one backing allocation.
type stringBank struct {
	mu      sync.RWMutex
	strings map[string]string
}

func newStringBank() *stringBank {
	return &stringBank{strings: make(map[string]string)}
}

func (b *stringBank) intern(s string) string {
	b.mu.RLock()
	if v, ok := b.strings[s]; ok {
		b.mu.RUnlock()
		return v
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.strings[s]; ok {
		return v
	}
	b.strings[s] = s
	return s
}

// perPidState is the cached, lazily-built symbol machinery for one process:
// its context, and the set of modules already loaded into that context.
type perPidState struct {
	mu      sync.Mutex
	ctx     hostos.SymbolContext
	loaded  map[string]bool
	modules []hostos.ModuleInfo
}

// Resolver resolves addresses against a live host, per spec.md §4.3's
// five-step algorithm, degrading gracefully at every step that can fail.
type Resolver struct {
	host       hostos.SymbolContextOpener
	searchPath hostos.SearchPath

	mu     sync.Mutex
	cache  *lru.Cache // hostos.ProcessID -> *perPidState
	bank   *stringBank
}

// New builds a Resolver. searchPath configures the local symbol cache
// directory and optional upstream symbol server (spec.md §4.3 step 3).
func New(host hostos.SymbolContextOpener, searchPath hostos.SearchPath) *Resolver {
	cache, err := lru.NewWithEvict(defaultContextCacheSize, evictPerPidState)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultContextCacheSize never is.
		panic(err)
	}
	return &Resolver{
		host:       host,
		searchPath: searchPath,
		cache:      cache,
		bank:       newStringBank(),
	}
}

func evictPerPidState(_ interface{}, value interface{}) {
	if st, ok := value.(*perPidState); ok && st.ctx != nil {
		st.ctx.Close()
	}
}

// Forget releases the cached symbol context for pid, if any, closing its
// handle. Call this when a process exits (spec.md §4.5.8 garbage collection).
func (r *Resolver) Forget(pid hostos.ProcessID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Remove runs evictPerPidState, which closes the context.
	r.cache.Remove(pid)
}

// Close releases every cached symbol context.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

func (r *Resolver) stateFor(pid hostos.ProcessID) *perPidState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(pid); ok {
		return v.(*perPidState)
	}
	st := &perPidState{loaded: make(map[string]bool)}
	r.cache.Add(pid, st)
	return st
}

// Resolve implements spec.md §4.3: find the module containing addr in pid's
// address space, lazily open a symbol context and load that module's
// symbols, then ask the context to resolve the address. Each failure step
// degrades to the next-coarsest representation rather than returning an
// error, since a missing symbol is an expected, common outcome, not a bug.
func (r *Resolver) Resolve(pid hostos.ProcessID, addr uintptr) string {
	if addr == 0 {
		return "0x0"
	}
	st := r.stateFor(pid)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ctx == nil {
		ctx, err := r.host.OpenSymbolContext(pid, r.searchPath)
		if err != nil {
			return hexAddr(addr)
		}
		st.ctx = ctx
	}
	if st.modules == nil {
		mods, err := st.ctx.Modules()
		if err != nil {
			return hexAddr(addr)
		}
		st.modules = mods
	}

	mod, ok := moduleContaining(st.modules, addr)
	if !ok {
		return hexAddr(addr)
	}
	modName := r.bank.intern(mod.Name)

	if !st.loaded[mod.Name] {
		if err := st.ctx.LoadModule(mod); err != nil {
			return modName + "+0x" + hex(uint64(addr-mod.Base))
		}
		st.loaded[mod.Name] = true
	}

	name, offset, ok, err := st.ctx.Resolve(addr)
	if err != nil || !ok {
		return modName + "+0x" + hex(uint64(addr-mod.Base))
	}
	return modName + "!" + r.bank.intern(name) + "+0x" + hex(uint64(offset))
}

func moduleContaining(mods []hostos.ModuleInfo, addr uintptr) (hostos.ModuleInfo, bool) {
	for _, m := range mods {
		if addr >= m.Base && addr < m.Base+m.Size {
			return m, true
		}
	}
	return hostos.ModuleInfo{}, false
}

func hexAddr(addr uintptr) string {
	return "0x" + hex(uint64(addr))
}

const hexDigits = "0123456789abcdef"

func hex(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
