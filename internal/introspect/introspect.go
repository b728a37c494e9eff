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
// Package introspect exposes the daemon's live state over loopback-only
// HTTP, read-only: the currently active configuration revision and rule
// count, and the scheduler's per-process, per-thread table (spec.md §6.3).
// It never issues an OS call and never accepts a write; an operator
// diagnosing a misbehaving rule reads this instead of attaching a debugger.
package introspect

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/corepin/primed/internal/config"
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/scheduler"
)

// ModelSource returns the currently active configuration. reconcile.Loop's
// Model method, the source main wires in, reads it under the loop's model
// mutex; a *config.Model is only ever replaced wholesale, never mutated in
// place, so a read racing a reload is at worst one tick old.
type ModelSource func() *config.Model

// Server is the introspection HTTP surface. It borrows the scheduler and a
// model source rather than owning any state of its own.
type Server struct {
	sched *scheduler.Scheduler
	model ModelSource
	addr  string
}

// New builds a Server bound to addr, which should be a loopback address
// ("127.0.0.1:7600"): this surface carries no authentication of its own.
func New(sched *scheduler.Scheduler, model ModelSource, addr string) *Server {
	return &Server{sched: sched, model: model, addr: addr}
}

// Router builds the mux.Router backing this Server, exported so a caller
// embedding it behind its own listener (or net/http/httptest in a test)
// need not go through ListenAndServe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus)
	r.HandleFunc("/processes", s.handleProcesses)
	r.HandleFunc("/processes/{pid}", s.handleProcess)
	return r
}

// ListenAndServe blocks serving the introspection surface on s.addr.
func (s *Server) ListenAndServe() error {
	log.Infof("introspect: listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Router())
}

// statusResponse is the /status payload.
type statusResponse struct {
	Revision  string `json:"revision"`
	RuleCount int    `json:"rule_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	m := s.model()
	resp := statusResponse{RuleCount: len(m.Rules)}
	if m.Revision != [16]byte{} {
		resp.Revision = m.Revision.String()
	}
	writeJSON(w, resp)
}

// threadView and processView are the wire shapes of the scheduler's
// internal ThreadStats/ProcessStats, carrying only the fields an operator
// would want to read (spec.md §6.3).
type threadView struct {
	TID               int32  `json:"tid"`
	StartAddress      string `json:"start_address"`
	ModuleName        string `json:"module_name"`
	CyclesAccumulated uint64 `json:"cycles_accumulated"`
	ActiveStreak      uint8  `json:"active_streak"`
	Promoted          bool   `json:"promoted"`
	LastPriority      string `json:"last_priority"`
	LastState         string `json:"last_state"`
	LastWaitReason    string `json:"last_wait_reason"`
}

type processView struct {
	PID         int32        `json:"pid"`
	ProcessName string       `json:"process_name"`
	Tracked     bool         `json:"tracked"`
	TrackTopX   int          `json:"track_top_x"`
	Threads     []threadView `json:"threads"`
}

func toProcessView(ps *scheduler.ProcessStats) processView {
	pv := processView{
		PID:         int32(ps.PID),
		ProcessName: ps.ProcessName,
		Tracked:     ps.Tracked,
		TrackTopX:   ps.TrackTopX,
	}
	for _, th := range ps.Threads {
		pv.Threads = append(pv.Threads, threadView{
			TID:               int32(th.TID),
			StartAddress:      fmt.Sprintf("0x%x", th.StartAddress),
			ModuleName:        th.ModuleName,
			CyclesAccumulated: th.CyclesAccumulated,
			ActiveStreak:      th.ActiveStreak,
			Promoted:          th.Promoted(),
			LastPriority:      th.LastPriority.String(),
			LastState:         threadStateName(th.LastState),
			LastWaitReason:    th.LastWaitReason,
		})
	}
	return pv
}

func threadStateName(st hostos.ThreadRunState) string {
	switch st {
	case hostos.ThreadStateRunning:
		return "running"
	case hostos.ThreadStateReady:
		return "ready"
	case hostos.ThreadStateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

func (s *Server) handleProcesses(w http.ResponseWriter, req *http.Request) {
	all := s.sched.AllStats()
	views := make([]processView, 0, len(all))
	for _, ps := range all {
		views = append(views, toProcessView(ps))
	}
	writeJSON(w, views)
}

func (s *Server) handleProcess(w http.ResponseWriter, req *http.Request) {
	pidStr := mux.Vars(req)["pid"]
	var pidN int64
	if _, err := fmt.Sscanf(pidStr, "%d", &pidN); err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	ps, ok := s.sched.Stats(hostos.ProcessID(pidN))
	if !ok {
		http.Error(w, "no such tracked process", http.StatusNotFound)
		return
	}
	writeJSON(w, toProcessView(ps))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
