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
	"strings"

	"github.com/google/uuid"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// Rule is one process's declarative configuration (spec.md §3 ProcessRule).
// Every field but ImageName is independently optional: a zero-value field
// means "leave this knob alone," matching the OS's current setting rather
// than forcing any particular one. Affinity and DefaultCPUSet are the
// exception: their "leave alone" form is CpuSpec{NoChange: true}, which is
// what Parse stores for an empty field; a zero CpuSpec names no CPUs.
type Rule struct {
	ImageName     string // lower-cased, the map key in Model.Rules
	PriorityClass hostos.ProcessPriorityClass
	Affinity      topology.CpuSpec
	DefaultCPUSet topology.CpuSpec
	Prime         PrimeSpec
	IOPriority    hostos.IOPriority
	MemoryPriority hostos.MemoryPriority
}

// Model is one fully-parsed, internally-consistent configuration: the
// tunable constants, the rule set keyed by lower-cased image name, the
// named CpuSpec aliases it was built with, and an image-name blacklist that
// exempts matching processes from every rule (spec.md §4.4).
type Model struct {
	Constants Constants
	Rules     map[string]Rule
	Aliases   map[string]topology.CpuSpec
	Blacklist map[string]bool
	// Revision is stamped fresh by Parse on every successful parse, so
	// callers (and the introspection surface) can detect whether a reload
	// actually produced a new configuration.
	Revision uuid.UUID
}

// Lookup returns the rule for imageName, if one exists and imageName is not
// blacklisted. Matching is case-insensitive.
func (m *Model) Lookup(imageName string) (Rule, bool) {
	key := strings.ToLower(imageName)
	if m.Blacklist[key] {
		return Rule{}, false
	}
	r, ok := m.Rules[key]
	return r, ok
}
