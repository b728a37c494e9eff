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
package config

import (
	"os"
	"time"

	"github.com/corepin/primed/internal/topology"
)

// Loader watches a configuration file and an optional blacklist file on
// disk and rebuilds a Model when either's modification time advances
// (spec.md §4.4 "Reload rule"). It never partially applies a bad reload:
// Load returns errors without mutating any state the caller hasn't already
// decided to discard.
type Loader struct {
	configPath    string
	blacklistPath string
	topo          *topology.Topology

	lastConfigMtime    time.Time
	lastBlacklistMtime time.Time
}

// NewLoader builds a Loader. blacklistPath may be empty, meaning no process
// is ever exempted.
func NewLoader(configPath, blacklistPath string, topo *topology.Topology) *Loader {
	return &Loader{configPath: configPath, blacklistPath: blacklistPath, topo: topo}
}

// Changed reports whether either backing file's modification time has
// advanced since the last successful Load.
func (l *Loader) Changed() bool {
	if mtime, err := statMtime(l.configPath); err == nil && mtime.After(l.lastConfigMtime) {
		return true
	}
	if l.blacklistPath != "" {
		if mtime, err := statMtime(l.blacklistPath); err == nil && mtime.After(l.lastBlacklistMtime) {
			return true
		}
	}
	return false
}

func statMtime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Load reads and parses the configuration (and blacklist, if configured).
// On success it records the files' modification times so a subsequent
// Changed() call reflects only further edits. On failure it leaves those
// recorded times untouched, so Changed() keeps reporting true and a
// persistently-broken file is loaded again on every later call until it
// parses.
func (l *Loader) Load() (*Model, []error) {
	configFile, err := os.Open(l.configPath)
	if err != nil {
		return nil, []error{err}
	}
	defer configFile.Close()

	var blacklistFile *os.File
	if l.blacklistPath != "" {
		blacklistFile, err = os.Open(l.blacklistPath)
		if err != nil {
			return nil, []error{err}
		}
		defer blacklistFile.Close()
	}

	var m *Model
	var errs []error
	if blacklistFile != nil {
		m, errs = Parse(configFile, blacklistFile, l.topo)
	} else {
		m, errs = Parse(configFile, nil, l.topo)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	if mtime, err := statMtime(l.configPath); err == nil {
		l.lastConfigMtime = mtime
	}
	if l.blacklistPath != "" {
		if mtime, err := statMtime(l.blacklistPath); err == nil {
			l.lastBlacklistMtime = mtime
		}
	}
	return m, nil
}
