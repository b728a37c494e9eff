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
// Package reconcile is the per-tick orchestrator (spec.md §4.6): reload the
// configuration if its backing files changed, take one snapshot, run the
// fixed-order action pipeline over every process with a matching rule, and
// garbage-collect per-pid state for processes no longer present. It owns no
// OS resources itself; everything it touches is borrowed from hostos,
// config, or scheduler for the span of one tick.
package reconcile

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/corepin/primed/internal/config"
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/outcome"
	"github.com/corepin/primed/internal/scheduler"
	"github.com/corepin/primed/internal/snapshot"
	"github.com/corepin/primed/internal/topology"
)

// Loop is the reconciliation loop of spec.md §4.6.
type Loop struct {
	host  hostos.Host
	topo  *topology.Topology
	sched *scheduler.Scheduler

	loader *config.Loader

	interval time.Duration

	modelMu sync.Mutex
	model   *config.Model

	// defaultCPUSets caches each process's last-applied default-cpu-set ids,
	// since winhost.DefaultCPUSets cannot query them back from the host
	// (spec.md §3 invariant 4). Read and written only from Tick's goroutine.
	defaultCPUSets map[hostos.ProcessID][]topology.CPUSetID
}

// New builds a Loop. loader supplies (and reloads) the configuration model;
// interval is the sleep between ticks.
func New(host hostos.Host, topo *topology.Topology, sched *scheduler.Scheduler, loader *config.Loader, interval time.Duration) *Loop {
	return &Loop{
		host:           host,
		topo:           topo,
		sched:          sched,
		loader:         loader,
		interval:       interval,
		defaultCPUSets: make(map[hostos.ProcessID][]topology.CPUSetID),
	}
}

// Model returns the currently active configuration, for wiring into
// internal/introspect's ModelSource. Safe to call from another goroutine
// while Tick is running: reloadIfChanged only ever replaces l.model
// wholesale under modelMu, never mutates one in place.
func (l *Loop) Model() *config.Model {
	l.modelMu.Lock()
	defer l.modelMu.Unlock()
	return l.model
}

func (l *Loop) setModel(m *config.Model) {
	l.modelMu.Lock()
	l.model = m
	l.modelMu.Unlock()
}

// Run executes ticks until ctx is canceled, then performs the shutdown
// cleanup of spec.md §5: restore every promoted thread's priority, close
// every open handle.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return l.shutdown(ctx)
		case <-time.After(l.interval):
		}
	}
}

// Tick runs exactly one pass of spec.md §4.6 steps 2-6. Step 1 (interval
// reconfiguration) is not performed: Loop.interval is fixed when New builds
// the Loop, and neither Tick nor Run changes it.
func (l *Loop) Tick(ctx context.Context) error {
	l.reloadIfChanged()
	l.sched.Advance()

	snap, err := snapshot.Take(ctx, l.host)
	if err != nil {
		return err
	}

	m := l.Model()
	alive := make(map[hostos.ProcessID]bool, len(snap.Processes))
	for pid, proc := range snap.Processes {
		rule, ok := m.Lookup(proc.ImageName)
		if !ok {
			continue
		}
		alive[pid] = true
		l.runPipeline(pid, proc, rule, m.Constants)
	}

	for pid := range l.defaultCPUSets {
		if !alive[pid] {
			delete(l.defaultCPUSets, pid)
		}
	}

	for _, report := range l.sched.GC(alive) {
		logPostMortem(report)
	}
	return nil
}

func (l *Loop) reloadIfChanged() {
	if l.Model() == nil {
		m, errs := l.loader.Load()
		if len(errs) > 0 {
			for _, e := range errs {
				log.Errorf("config: initial load: %v", e)
			}
			l.setModel(&config.Model{Constants: config.DefaultConstants(), Rules: map[string]config.Rule{}})
			return
		}
		l.setModel(m)
		return
	}
	if !l.loader.Changed() {
		return
	}
	m, errs := l.loader.Load()
	if len(errs) > 0 {
		for _, e := range errs {
			log.Errorf("config: reload rejected: %v", e)
		}
		return
	}
	log.Infof("config: reloaded, revision %s", m.Revision)
	l.setModel(m)
}

// runPipeline applies the fixed-order action pipeline of spec.md §4.6 step
// 5 to one matched process: priority, affinity, default-cpu-set, prime
// threads, io-priority, memory-priority. A NotFound outcome from any of the
// three process-level steps means the process vanished mid-tick; the
// remainder of its pipeline is abandoned for this tick (spec.md §7,
// "NotFound during pipeline: abort the remainder of this process's
// pipeline for this tick") rather than issued against a dead pid.
func (l *Loop) runPipeline(pid hostos.ProcessID, proc hostos.ProcessInfo, rule config.Rule, constants config.Constants) {
	o := applyPriorityClass(l.host, pid, rule.PriorityClass)
	logOutcome(pid, proc.ImageName, "priority_class", o)
	if o.Kind == outcome.KindNotFound {
		return
	}

	affinityMask, o := applyAffinity(l.host, l.topo, pid, rule.Affinity)
	logOutcome(pid, proc.ImageName, "affinity", o)
	if o.Kind == outcome.KindNotFound {
		return
	}

	var ids []topology.CPUSetID
	ids, o = applyDefaultCPUSet(l.host, l.topo, pid, rule.DefaultCPUSet, affinityMask, l.defaultCPUSets[pid])
	l.defaultCPUSets[pid] = ids
	logOutcome(pid, proc.ImageName, "default_cpu_set", o)
	if o.Kind == outcome.KindNotFound {
		return
	}

	if !rule.Prime.Empty() {
		for _, o := range l.sched.Tick(pid, proc.ImageName, proc.Threads, rule.Prime, constants) {
			logOutcome(pid, proc.ImageName, "prime_thread", o)
		}
	}

	o = applyIOPriority(l.host, pid, rule.IOPriority)
	logOutcome(pid, proc.ImageName, "io_priority", o)

	o = applyMemoryPriority(l.host, pid, rule.MemoryPriority)
	logOutcome(pid, proc.ImageName, "memory_priority", o)
}

func logOutcome(pid hostos.ProcessID, image, field string, o outcome.Outcome) {
	switch o.Status {
	case outcome.StatusApplied:
		log.Infof("pid=%d image=%s field=%s %s->%s", pid, image, field, o.Old, o.New)
	case outcome.StatusFailed:
		log.Warningf("pid=%d image=%s field=%s failed kind=%s: %v", pid, image, field, o.Kind, o.Err)
	}
}

func logPostMortem(r scheduler.PostMortemReport) {
	log.Infof("post-mortem pid=%d image=%s tracked_threads=%d", r.PID, r.ProcessName, len(r.Threads))
	for _, th := range r.Threads {
		log.Infof("  tid=%d cycles=%d priority=%s addr=0x%x module=%s", th.TID, th.CyclesAccumulated, th.LastPriority, th.StartAddress, th.ModuleName)
	}
}

// shutdown restores every promoted thread's priority and closes every open
// handle, bounded by the number of tracked threads (spec.md §5). Each
// process's cleanup touches only its own state, so they run concurrently,
// bounded to a modest fan-out rather than one goroutine per process.
func (l *Loop) shutdown(ctx context.Context) error {
	tasks := l.sched.ShutdownTasks()
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(shutdownConcurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			task()
			return nil
		})
	}
	return g.Wait()
}

// shutdownConcurrency bounds how many processes' cleanup run at once.
const shutdownConcurrency = 8
