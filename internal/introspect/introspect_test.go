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
package introspect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corepin/primed/internal/config"
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/hostos/hostfake"
	"github.com/corepin/primed/internal/scheduler"
	"github.com/corepin/primed/internal/symbols"
	"github.com/corepin/primed/internal/topology"
)

func testCPUs() []topology.LogicalCPU {
	return []topology.LogicalCPU{
		{Index: 0, SetID: 100},
		{Index: 1, SetID: 101},
	}
}

func newTestServer(t *testing.T, model *config.Model) (*Server, *hostfake.Host, *scheduler.Scheduler) {
	t.Helper()
	cpus := testCPUs()
	topo := topology.New(cpus)
	host := hostfake.New(cpus)
	sym := symbols.New(host, hostos.SearchPath{})
	sched := scheduler.New(host, sym, topo)
	return New(sched, func() *config.Model { return model }, "127.0.0.1:0"), host, sched
}

func TestHandleStatusReportsRuleCount(t *testing.T) {
	model := &config.Model{
		Constants: config.DefaultConstants(),
		Rules:     map[string]config.Rule{"app.exe": {ImageName: "app.exe"}},
	}
	srv, _, _ := newTestServer(t, model)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RuleCount != 1 {
		t.Fatalf("rule_count = %d, want 1", got.RuleCount)
	}
}

func TestHandleProcessNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, &config.Model{Constants: config.DefaultConstants(), Rules: map[string]config.Rule{}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/processes/99", nil)
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want 404", rr.Code)
	}
}

func TestHandleProcessReturnsTrackedThreads(t *testing.T) {
	model := &config.Model{
		Constants: config.DefaultConstants(),
		Rules: map[string]config.Rule{
			"app.exe": {ImageName: "app.exe", Prime: config.PrimeSpec{}},
		},
	}
	srv, host, sched := newTestServer(t, model)

	host.SetSnapshot(map[hostos.ProcessID]hostos.ProcessInfo{
		10: {PID: 10, ImageName: "app.exe", Threads: map[hostos.ThreadID]hostos.ThreadInfo{
			1: {TID: 1, State: hostos.ThreadStateRunning},
		}},
	})
	sched.Tick(10, "app.exe", map[hostos.ThreadID]hostos.ThreadInfo{
		1: {TID: 1, State: hostos.ThreadStateRunning},
	}, config.PrimeSpec{}, model.Constants)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/processes/10", nil)
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	var got processView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PID != 10 || got.ProcessName != "app.exe" {
		t.Fatalf("got %+v, want pid=10 process_name=app.exe", got)
	}
}
