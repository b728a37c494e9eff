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
// Package scheduler is the prime-thread scheduler (spec.md §4.5): the
// stateful core that, once per tick and per process with a non-empty prime
// spec, measures thread activity, promotes the hottest eligible threads
// onto their configured cpu-set with a boosted priority, and demotes them
// again under hysteresis. It is the only component that opens OS thread
// handles, and it owns them for exactly as long as the thread they name is
// live and interesting.
package scheduler

import (
	"sort"

	"github.com/corepin/primed/internal/config"
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/outcome"
	"github.com/corepin/primed/internal/symbols"
	"github.com/corepin/primed/internal/topology"
)

// Scheduler holds the per-(pid,tid) state described by spec.md §3 across
// ticks, and knows how to advance it by exactly one tick per process.
type Scheduler struct {
	host    hostos.ThreadOpener
	symbols *symbols.Resolver
	topo    *topology.Topology

	processes map[hostos.ProcessID]*ProcessStats

	tick    int64
	history *PromotionHistory
}

// New builds a Scheduler. host opens thread handles; sym resolves thread
// start addresses to symbol names; topo translates cpu-set preferences.
func New(host hostos.ThreadOpener, sym *symbols.Resolver, topo *topology.Topology) *Scheduler {
	return &Scheduler{
		host:      host,
		symbols:   sym,
		topo:      topo,
		processes: map[hostos.ProcessID]*ProcessStats{},
		history:   newPromotionHistory(),
	}
}

// Advance marks the start of a new reconciliation tick, shared across every
// process's Tick call this round. The caller (internal/reconcile.Loop)
// calls this exactly once per pass, before iterating processes, so every
// promotion and demotion recorded this round lands on the same tick number.
func (s *Scheduler) Advance() int64 {
	s.tick++
	return s.tick
}

// History returns the promotion history index, for "what was prime at
// tick T" queries.
func (s *Scheduler) History() *PromotionHistory { return s.history }

// CurrentTick returns the tick number of the most recent Advance call.
func (s *Scheduler) CurrentTick() int64 { return s.tick }

// candidateDelta is the working per-tick measurement record of spec.md
// §4.5.2.
type candidateDelta struct {
	ts         *ThreadStats
	delta      uint64
	measurable bool
	ratio      float64
}

// Tick advances pid's prime-thread state by one tick (spec.md §4.5.1–
// §4.5.5). threads is this tick's snapshot of pid's live threads; spec is
// the process's configured PrimeSpec; constants are the currently-active
// tunables. It returns one Outcome per failed thread open or cycle query and
// one per promotion or demotion decision (Unchanged for a promotion already
// in effect).
func (s *Scheduler) Tick(pid hostos.ProcessID, processName string, threads map[hostos.ThreadID]hostos.ThreadInfo, spec config.PrimeSpec, constants config.Constants) []outcome.Outcome {
	ps, ok := s.processes[pid]
	if !ok {
		ps = newProcessStats(pid, processName)
		s.processes[pid] = ps
	}
	ps.Alive = true
	ps.ProcessName = processName
	ps.Tracked = spec.Tracked
	ps.TrackTopX = effectiveTopX(spec, s.topo)

	s.purgeVanished(ps, threads)

	if spec.Empty() {
		return nil
	}

	for tid, info := range threads {
		if ts, ok := ps.Threads[tid]; ok {
			ts.LastState = info.State
			ts.LastWaitReason = info.WaitReason
			ts.LastPriority = info.Priority
		}
	}

	candidates := selectCandidates(threads, candidateCap(spec, constants, ps.TrackTopX))

	var outcomes []outcome.Outcome
	var deltas []candidateDelta

	for _, tid := range candidates {
		ts, ok := ps.Threads[tid]
		if !ok {
			ts = &ThreadStats{TID: tid}
			ps.Threads[tid] = ts
		}
		ts.seen = true
		ts.unreachable = false

		if ts.handle == nil {
			h, err := s.host.OpenThread(pid, tid)
			if err != nil {
				ts.unreachable = true
				outcomes = append(outcomes, outcome.Failed(outcome.KindNotFound, err))
				continue
			}
			ts.handle = h
			if ts.StartAddress == 0 {
				ts.StartAddress = h.StartAddress()
			}
			if ts.ModuleName == "" && ts.StartAddress != 0 {
				ts.ModuleName = s.symbols.Resolve(pid, ts.StartAddress)
			}
		}

		cycles, err := ts.handle.CycleTime()
		if err != nil {
			ts.unreachable = true
			outcomes = append(outcomes, outcome.Failed(outcome.KindNotFound, err))
			continue
		}

		cd := candidateDelta{ts: ts}
		switch {
		case !ts.hasLastCycles:
			cd.delta = 0
			cd.measurable = true
			ts.hasLastCycles = true
		case cycles < ts.LastCycles:
			cd.measurable = false
		default:
			cd.delta = cycles - ts.LastCycles
			cd.measurable = true
			ts.CyclesAccumulated += cd.delta
		}
		ts.LastCycles = cycles
		deltas = append(deltas, cd)
	}

	var maxDelta uint64
	for _, cd := range deltas {
		if cd.measurable && cd.delta > maxDelta {
			maxDelta = cd.delta
		}
	}
	for i := range deltas {
		cd := &deltas[i]
		if !cd.measurable {
			continue
		}
		if maxDelta == 0 {
			cd.ratio = 0
		} else {
			cd.ratio = float64(cd.delta) / float64(maxDelta)
		}
		if cd.ratio >= constants.EntryThreshold {
			if cd.ts.ActiveStreak < constants.MinActiveStreak {
				cd.ts.ActiveStreak++
			}
		} else {
			cd.ts.ActiveStreak = 0
		}
	}

	promoOutcomes := s.applyPromotionsAndDemotions(ps, deltas, spec, constants)
	outcomes = append(outcomes, promoOutcomes...)

	return outcomes
}

func effectiveTopX(spec config.PrimeSpec, topo *topology.Topology) int {
	if spec.TopX > 0 {
		return spec.TopX
	}
	return 2 * topo.NumCPUs()
}

func candidateCap(spec config.PrimeSpec, constants config.Constants, effTopX int) int {
	byPrime := spec.NumPrimeCPUs() * constants.CandidateCapMultiplier
	if effTopX > byPrime {
		return effTopX
	}
	return byPrime
}

// selectCandidates sorts tids by kernel+user time descending and returns
// the top k (spec.md §4.5.1).
func selectCandidates(threads map[hostos.ThreadID]hostos.ThreadInfo, k int) []hostos.ThreadID {
	tids := make([]hostos.ThreadID, 0, len(threads))
	for tid := range threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool {
		ti, tj := threads[tids[i]], threads[tids[j]]
		si, sj := ti.KernelTime+ti.UserTime, tj.KernelTime+tj.UserTime
		if si != sj {
			return si > sj
		}
		return tids[i] < tids[j]
	})
	if k < len(tids) {
		tids = tids[:k]
	}
	return tids
}

// matchingSegment returns the first segment (in spec order) whose module
// filter matches moduleName, and whether it carries a priority override.
func matchingSegment(spec config.PrimeSpec, moduleName string) (seg config.Segment, override hostos.ThreadPriority, hasOverride bool, ok bool) {
	for _, seg := range spec.Segments {
		if matched, p, has := seg.MatchPriority(moduleName); matched {
			return seg, p, has, true
		}
	}
	return config.Segment{}, 0, false, false
}

func (s *Scheduler) applyPromotionsAndDemotions(ps *ProcessStats, deltas []candidateDelta, spec config.PrimeSpec, constants config.Constants) []outcome.Outcome {
	var outcomes []outcome.Outcome

	type eligible struct {
		cd      candidateDelta
		seg     config.Segment
		prio    hostos.ThreadPriority
		hasPrio bool
	}
	var elig []eligible

	for _, cd := range deltas {
		if cd.ts.unreachable || !cd.measurable {
			continue
		}
		if spec.MonitorOnly {
			continue
		}
		if cd.ts.ActiveStreak != constants.MinActiveStreak || cd.ratio < constants.EntryThreshold {
			continue
		}
		seg, prio, hasPrio, ok := matchingSegment(spec, cd.ts.ModuleName)
		if !ok {
			continue
		}
		elig = append(elig, eligible{cd: cd, seg: seg, prio: prio, hasPrio: hasPrio})
	}
	sort.Slice(elig, func(i, j int) bool { return elig[i].cd.delta > elig[j].cd.delta })

	nSlots := spec.NumPrimeCPUs()
	toPromote := map[hostos.ThreadID]eligible{}
	for i, e := range elig {
		if i >= nSlots {
			break
		}
		toPromote[e.cd.ts.TID] = e
	}

	for _, e := range toPromote {
		ts := e.cd.ts
		ids, err := s.topo.CPUSetIDsFromIndices(e.seg.CPUSpec.Indices)
		if err != nil {
			outcomes = append(outcomes, outcome.Failed(outcome.KindInvalidArgument, err))
			continue
		}
		priority := e.prio
		if !e.hasPrio {
			cur, err := ts.handle.Priority()
			if err != nil {
				outcomes = append(outcomes, outcome.Failed(outcome.KindNotFound, err))
				continue
			}
			priority = cur.Boosted()
		}
		if sameCPUSetIDs(ts.CPUSetIDs, ids) {
			outcomes = append(outcomes, outcome.Unchanged("promoted"))
			continue
		}
		if !ts.hasOriginalPriority {
			if cur, err := ts.handle.Priority(); err == nil {
				ts.OriginalPriority = cur
				ts.hasOriginalPriority = true
			}
		}
		if err := ts.handle.SetSelectedCPUSets(ids); err != nil {
			outcomes = append(outcomes, outcome.Failed(outcome.KindInvalidArgument, err))
			continue
		}
		if err := ts.handle.SetPriority(priority); err != nil {
			outcomes = append(outcomes, outcome.Failed(outcome.KindInvalidArgument, err))
			continue
		}
		if wasPromoted := ts.Promoted(); wasPromoted {
			s.closePromotionSpan(ts)
		}
		ts.CPUSetIDs = ids
		ts.promotedAtTick = s.tick
		outcomes = append(outcomes, outcome.Applied("observed", "promoted"))
	}

	for _, cd := range deltas {
		ts := cd.ts
		if !ts.Promoted() {
			continue
		}
		if _, stillPromoted := toPromote[ts.TID]; stillPromoted {
			continue
		}
		shouldDemote := spec.MonitorOnly
		if !shouldDemote {
			_, _, _, matched := matchingSegment(spec, ts.ModuleName)
			if !matched {
				shouldDemote = true
			} else if cd.measurable && cd.ratio < constants.KeepThreshold && ts.ActiveStreak == 0 {
				shouldDemote = true
			}
		}
		if !shouldDemote {
			continue
		}
		if ts.handle != nil {
			if err := ts.handle.SetSelectedCPUSets(nil); err != nil {
				outcomes = append(outcomes, outcome.Failed(outcome.KindInvalidArgument, err))
				continue
			}
			if ts.hasOriginalPriority {
				if err := ts.handle.SetPriority(ts.OriginalPriority); err != nil {
					outcomes = append(outcomes, outcome.Failed(outcome.KindInvalidArgument, err))
				}
			}
		}
		s.closePromotionSpan(ts)
		ts.CPUSetIDs = nil
		ts.hasOriginalPriority = false
		outcomes = append(outcomes, outcome.Applied("promoted", "observed"))
	}

	return outcomes
}

// closePromotionSpan records ts's current promotion window into the
// promotion history index, closing it at the current tick.
func (s *Scheduler) closePromotionSpan(ts *ThreadStats) {
	for _, id := range ts.CPUSetIDs {
		s.history.record(id, ts.TID, ts.promotedAtTick, s.tick)
	}
}

// purgeVanished closes and drops any ThreadStats whose tid is no longer
// present in this tick's snapshot (spec.md §3 invariant 3).
func (s *Scheduler) purgeVanished(ps *ProcessStats, threads map[hostos.ThreadID]hostos.ThreadInfo) {
	for tid, ts := range ps.Threads {
		if _, ok := threads[tid]; ok {
			continue
		}
		if ts.Promoted() {
			s.closePromotionSpan(ts)
		}
		if ts.handle != nil {
			ts.handle.Close()
		}
		delete(ps.Threads, tid)
	}
}

// GC removes and returns a post-mortem report for every ProcessStats not
// marked alive this tick, closing every thread handle it owned and
// releasing the pid's symbol context (spec.md §4.5.7, §4.6 step 6).
func (s *Scheduler) GC(alive map[hostos.ProcessID]bool) []PostMortemReport {
	var reports []PostMortemReport
	for pid, ps := range s.processes {
		if alive[pid] {
			continue
		}
		reports = append(reports, s.closeAndReport(ps))
		delete(s.processes, pid)
		s.symbols.Forget(pid)
	}
	return reports
}

// ShutdownTasks detaches every tracked ProcessStats and returns one cleanup
// closure per process: restore every promoted thread's original priority
// and close every open handle. Each closure touches only its own process's
// state, so the caller may run them concurrently (spec.md §5 "Cancellation
// / shutdown" bounds this work at N_tracked_threads syscalls, not at one
// syscall per tick, so overlapping them is safe and fast).
func (s *Scheduler) ShutdownTasks() []func() {
	tasks := make([]func(), 0, len(s.processes))
	for _, ps := range s.processes {
		ps := ps
		tasks = append(tasks, func() { s.closeAndReport(ps) })
	}
	s.processes = map[hostos.ProcessID]*ProcessStats{}
	return tasks
}

func (s *Scheduler) closeAndReport(ps *ProcessStats) PostMortemReport {
	report := PostMortemReport{PID: ps.PID, ProcessName: ps.ProcessName}
	var entries []PostMortemEntry
	for _, ts := range ps.Threads {
		if ts.Promoted() {
			s.closePromotionSpan(ts)
			if ts.handle != nil && ts.hasOriginalPriority {
				ts.handle.SetPriority(ts.OriginalPriority)
				ts.handle.SetSelectedCPUSets(nil)
			}
		}
		entries = append(entries, PostMortemEntry{
			TID:               ts.TID,
			CyclesAccumulated: ts.CyclesAccumulated,
			LastState:         ts.LastState,
			LastPriority:      ts.LastPriority,
			StartAddress:      ts.StartAddress,
			ModuleName:        ts.ModuleName,
		})
		if ts.handle != nil {
			ts.handle.Close()
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CyclesAccumulated > entries[j].CyclesAccumulated })
	if ps.TrackTopX > 0 && len(entries) > ps.TrackTopX {
		entries = entries[:ps.TrackTopX]
	}
	report.Threads = entries
	return report
}

// Stats returns the live ProcessStats for pid, if any, for introspection.
func (s *Scheduler) Stats(pid hostos.ProcessID) (*ProcessStats, bool) {
	ps, ok := s.processes[pid]
	return ps, ok
}

// AllStats returns every live ProcessStats, for the introspection surface.
func (s *Scheduler) AllStats() map[hostos.ProcessID]*ProcessStats {
	out := make(map[hostos.ProcessID]*ProcessStats, len(s.processes))
	for pid, ps := range s.processes {
		out[pid] = ps
	}
	return out
}
