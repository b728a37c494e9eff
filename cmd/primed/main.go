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
// Package main wires the daemon together: enumerate topology once at
// startup, build the reconciliation loop against the real Windows host, and
// serve the loopback introspection surface alongside it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	log "github.com/golang/glog"

	"github.com/corepin/primed/internal/config"
	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/hostos/winhost"
	"github.com/corepin/primed/internal/introspect"
	"github.com/corepin/primed/internal/reconcile"
	"github.com/corepin/primed/internal/scheduler"
	"github.com/corepin/primed/internal/symbols"
	"github.com/corepin/primed/internal/topology"
)

var (
	configPath     = flag.String("config", `C:\ProgramData\primed\rules.conf`, "The rule configuration file.")
	blacklistPath  = flag.String("blacklist", "", "Optional image-name blacklist file.")
	interval       = flag.Duration("interval", 2*time.Second, "The reconciliation tick interval.")
	introspectAddr = flag.String("introspect_addr", "127.0.0.1:7610", "The loopback address for the read-only introspection surface.")
	symbolCacheDir = flag.String("symbol_cache_dir", "", "Local directory for cached symbol files.")
	symbolUpstream = flag.String("symbol_upstream_url", "", "Optional upstream symbol server URL.")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		log.Exitf("primed: %v", err)
	}
}

func run(ctx context.Context) error {
	host := winhost.New()

	cpus, err := host.EnumerateCPUs(ctx)
	if err != nil {
		return err
	}
	topo := topology.New(cpus)

	loader := config.NewLoader(*configPath, *blacklistPath, topo)

	sym := symbols.New(host, hostos.SearchPath{
		LocalCacheDir: *symbolCacheDir,
		UpstreamURL:   *symbolUpstream,
	})

	sched := scheduler.New(host, sym, topo)
	loop := reconcile.New(host, topo, sched, loader, *interval)

	srv := introspect.New(sched, loop.Model, *introspectAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Errorf("introspect: %v", err)
		}
	}()

	log.Infof("primed: starting, %d logical cpus, tick interval %s", topo.NumCPUs(), *interval)
	return loop.Run(ctx)
}
