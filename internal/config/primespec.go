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
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// ModuleFilter is one prime-thread segment's optional module-name match,
// with an optional priority override (spec.md §3 PrimeSpec).
type ModuleFilter struct {
	// Prefix is a lower-cased, case-insensitive prefix of a resolved
	// module name. A segment with no filters at all matches every thread.
	Prefix string
	// Priority overrides the boosted priority normally applied on
	// promotion, when HasPriority is set.
	Priority    hostos.ThreadPriority
	HasPriority bool
}

// Matches reports whether moduleName (already resolved, not lower-cased)
// satisfies f.
func (f ModuleFilter) Matches(moduleName string) bool {
	return strings.HasPrefix(strings.ToLower(moduleName), f.Prefix)
}

// Segment binds one CpuSpec to the set of module filters that may be
// promoted onto it (spec.md §3 PrimeSpec).
type Segment struct {
	AliasName string
	CPUSpec   topology.CpuSpec
	Filters   []ModuleFilter
}

// MatchPriority reports whether moduleName matches this segment (true if
// the segment has no filters at all) and, if the matching filter carries an
// override, returns it.
func (s Segment) MatchPriority(moduleName string) (matched bool, override hostos.ThreadPriority, hasOverride bool) {
	if len(s.Filters) == 0 {
		return true, 0, false
	}
	for _, f := range s.Filters {
		if f.Matches(moduleName) {
			return true, f.Priority, f.HasPriority
		}
	}
	return false, 0, false
}

// PrimeSpec is a process rule's prime-thread configuration (spec.md §3).
// Tracked and MonitorOnly are the two orthogonal tracking booleans of the
// Design Notes: Tracked retains the post-mortem top-threads history;
// MonitorOnly additionally suppresses the OS-applying side effects of
// promotion and demotion, leaving the measurement and ranking machinery
// running so operators can see what the daemon *would* do.
type PrimeSpec struct {
	Tracked     bool
	MonitorOnly bool
	// TopX is the configured track_top_x value; zero means unconfigured,
	// in which case the scheduler falls back to its own default sizing.
	TopX     int
	Segments []Segment
}

// Empty reports whether this PrimeSpec does nothing at all.
func (p PrimeSpec) Empty() bool {
	return !p.Tracked && !p.MonitorOnly && len(p.Segments) == 0
}

// NumPrimeCPUs returns the number of distinct CPU indices named across all
// segments, used by the scheduler to size its candidate pool (spec.md
// §4.5.1).
func (p PrimeSpec) NumPrimeCPUs() int {
	seen := map[topology.CPUIndex]bool{}
	for _, seg := range p.Segments {
		for _, idx := range seg.CPUSpec.Indices {
			seen[idx] = true
		}
	}
	return len(seen)
}

// ParsePrimeSpec parses the field-5 PrimeSpec grammar of spec.md §3:
//
//	["??" | "?"] [digits] ("*" alias ("@" filter ["!" priority])* )*
//
// An empty raw string yields the zero PrimeSpec (no prime-thread behavior
// at all). aliases maps a lower-cased CpuSpec alias name to its resolved
// CpuSpec, as built by Parse's first pass over the alias lines.
func ParsePrimeSpec(raw string, topo *topology.Topology, aliases map[string]topology.CpuSpec) (PrimeSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PrimeSpec{}, nil
	}

	var spec PrimeSpec
	rest := raw
	switch {
	case strings.HasPrefix(rest, "??"):
		spec.Tracked = true
		spec.MonitorOnly = true
		rest = rest[2:]
	case strings.HasPrefix(rest, "?"):
		spec.Tracked = true
		rest = rest[1:]
	}

	if spec.Tracked {
		digits := rest
		end := 0
		for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
			end++
		}
		if end > 0 {
			n, err := strconv.Atoi(digits[:end])
			if err != nil {
				return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: invalid track_top_x in %q", raw)
			}
			spec.TopX = n
			rest = rest[end:]
		}
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return spec, nil
	}
	if !strings.HasPrefix(rest, "*") {
		return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: expected segment starting with '*' in %q", raw)
	}

	for _, chunk := range strings.Split(rest, "*")[1:] {
		if chunk == "" {
			return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: empty segment in %q", raw)
		}
		parts := strings.Split(chunk, "@")
		aliasName := strings.ToLower(strings.TrimSpace(parts[0]))
		if aliasName == "" {
			return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: segment missing CpuSpec alias in %q", raw)
		}
		cpuSpec, ok := aliases[aliasName]
		if !ok {
			return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: unknown cpuspec alias %q in %q", aliasName, raw)
		}

		seg := Segment{AliasName: aliasName, CPUSpec: cpuSpec}
		for _, filterRaw := range parts[1:] {
			prefix, prioName, hasOverride := strings.Cut(filterRaw, "!")
			prefix = strings.ToLower(strings.TrimSpace(prefix))
			if prefix == "" {
				return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: empty module filter in %q", raw)
			}
			f := ModuleFilter{Prefix: prefix}
			if hasOverride {
				p, ok := hostos.ParseThreadPriority(strings.TrimSpace(prioName))
				if !ok {
					return PrimeSpec{}, status.Errorf(codes.InvalidArgument, "primespec: unknown priority override %q in %q", prioName, raw)
				}
				f.Priority = p
				f.HasPriority = true
			}
			seg.Filters = append(seg.Filters, f)
		}
		spec.Segments = append(spec.Segments, seg)
	}
	return spec, nil
}
