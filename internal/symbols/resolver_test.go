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
package symbols

import (
	"testing"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/hostos/hostfake"
)

const testPid = hostos.ProcessID(100)

func TestResolveFullSuccess(t *testing.T) {
	h := hostfake.New(nil)
	h.SetModules(testPid, []hostos.ModuleInfo{
		{Name: "engine.dll", Base: 0x1000, Size: 0x1000},
	})
	h.SetSymbolResolver(testPid, func(addr uintptr) (string, uintptr, bool) {
		return "Render::Tick", addr - 0x1000, true
	})

	r := New(h, hostos.SearchPath{})
	got := r.Resolve(testPid, 0x1234)
	want := "engine.dll!Render::Tick+0x234"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveDegradesWithoutSymbol(t *testing.T) {
	h := hostfake.New(nil)
	h.SetModules(testPid, []hostos.ModuleInfo{
		{Name: "engine.dll", Base: 0x1000, Size: 0x1000},
	})
	// No resolver scripted: Resolve on the context returns ok=false.

	r := New(h, hostos.SearchPath{})
	got := r.Resolve(testPid, 0x1234)
	want := "engine.dll+0x234"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveDegradesWithoutModule(t *testing.T) {
	h := hostfake.New(nil)
	// No modules scripted for this pid at all.

	r := New(h, hostos.SearchPath{})
	got := r.Resolve(testPid, 0x1234)
	want := "0x1234"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveZeroAddress(t *testing.T) {
	r := New(hostfake.New(nil), hostos.SearchPath{})
	if got, want := r.Resolve(testPid, 0), "0x0"; got != want {
		t.Errorf("Resolve(0) = %q, want %q", got, want)
	}
}

func TestResolveInternsAndCachesModules(t *testing.T) {
	h := hostfake.New(nil)
	h.SetModules(testPid, []hostos.ModuleInfo{
		{Name: "engine.dll", Base: 0x1000, Size: 0x1000},
	})
	h.SetSymbolResolver(testPid, func(addr uintptr) (string, uintptr, bool) {
		return "Foo", addr - 0x1000, true
	})

	r := New(h, hostos.SearchPath{})
	first := r.Resolve(testPid, 0x1100)
	second := r.Resolve(testPid, 0x1200)
	if first == second {
		t.Fatalf("expected distinct offsets, got %q twice", first)
	}

	// Changing the scripted modules after the first resolve must not affect
	// subsequent lookups: the per-pid module list is cached until Forget.
	h.SetModules(testPid, nil)
	third := r.Resolve(testPid, 0x1050)
	if third == "0x1050" {
		t.Fatalf("module cache was not honored: got %q", third)
	}
}

func TestForgetDropsCache(t *testing.T) {
	h := hostfake.New(nil)
	h.SetModules(testPid, []hostos.ModuleInfo{
		{Name: "engine.dll", Base: 0x1000, Size: 0x1000},
	})
	r := New(h, hostos.SearchPath{})
	r.Resolve(testPid, 0x1100)

	r.Forget(testPid)

	h.SetModules(testPid, nil)
	got := r.Resolve(testPid, 0x1100)
	if got != "0x1100" {
		t.Errorf("after Forget, Resolve() = %q, want %q (fresh module lookup should miss)", got, "0x1100")
	}
}

func TestHexHelper(t *testing.T) {
	cases := map[uint64]string{
		0:     "0",
		1:     "1",
		255:   "ff",
		4096:  "1000",
		65535: "ffff",
	}
	for in, want := range cases {
		if got := hex(in); got != want {
			t.Errorf("hex(%d) = %q, want %q", in, got, want)
		}
	}
}
