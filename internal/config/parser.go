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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// Parse builds a Model from configText against topo, and, if blacklistText
// is non-nil, from a newline-delimited list of exempt image names (spec.md
// §4.4). It follows the teacher's own config-loading shape: collect every
// error found rather than stopping at the first one, so an operator sees
// every mistake in one pass. A nil *Model is returned whenever any error is
// reported, including when configText itself could not be read.
//
// Two passes are made over the file's lines: the first resolves every `@`
// constant and `*` alias definition, in file order, so that a rule line may
// reference an alias defined anywhere else in the file; the second parses
// rule lines against the now-complete alias table.
func Parse(configText io.Reader, blacklistText io.Reader, topo *topology.Topology) (*Model, []error) {
	lines, err := readLines(configText)
	if err != nil {
		return nil, []error{fmt.Errorf("config: reading configuration: %w", err)}
	}

	m := &Model{
		Constants: DefaultConstants(),
		Rules:     map[string]Rule{},
		Aliases:   map[string]topology.CpuSpec{},
		Blacklist: map[string]bool{},
	}

	var errs []error

	for i, raw := range lines {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "@"):
			if err := applyConstant(&m.Constants, line[1:]); err != nil {
				errs = append(errs, lineErr(i, err))
			}
		case strings.HasPrefix(line, "*"):
			name, spec, err := parseAliasLine(line, topo, m.Aliases)
			if err != nil {
				errs = append(errs, lineErr(i, err))
				continue
			}
			m.Aliases[name] = spec
		}
	}

	if err := m.Constants.Validate(); err != nil {
		errs = append(errs, err)
	}

	for i, raw := range lines {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "@") || strings.HasPrefix(line, "*") {
			continue
		}
		names, rule, err := parseRuleLine(line, topo, m.Aliases)
		if err != nil {
			errs = append(errs, lineErr(i, err))
			continue
		}
		for _, name := range names {
			r := rule
			r.ImageName = name
			m.Rules[name] = r
		}
	}

	if blacklistText != nil {
		blLines, err := readLines(blacklistText)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: reading blacklist: %w", err))
		} else {
			for _, raw := range blLines {
				name := strings.ToLower(strings.TrimSpace(stripComment(raw)))
				if name == "" {
					continue
				}
				m.Blacklist[name] = true
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	m.Revision = uuid.New()
	return m, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// stripComment drops a whole-line ';' comment and anything after a '#'. A
// ';' elsewhere on a line is kept, since it joins CpuSpec parts ("0-7;64-71").
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), ";") {
		return ""
	}
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	return line
}

func lineErr(i int, err error) error {
	return fmt.Errorf("line %d: %w", i+1, err)
}

func applyConstant(c *Constants, body string) error {
	name, value, ok := strings.Cut(body, "=")
	if !ok {
		return fmt.Errorf("malformed constant %q, expected name=value", body)
	}
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "min_active_streak":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("min_active_streak: invalid value %q", value)
		}
		c.MinActiveStreak = uint8(n)
	case "entry_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("entry_threshold: invalid value %q", value)
		}
		c.EntryThreshold = f
	case "keep_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("keep_threshold: invalid value %q", value)
		}
		c.KeepThreshold = f
	case "candidate_cap_multiplier":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("candidate_cap_multiplier: invalid value %q", value)
		}
		c.CandidateCapMultiplier = n
	default:
		return fmt.Errorf("unknown constant %q", name)
	}
	return nil
}

func parseAliasLine(line string, topo *topology.Topology, aliases map[string]topology.CpuSpec) (string, topology.CpuSpec, error) {
	body := strings.TrimPrefix(line, "*")
	name, value, ok := strings.Cut(body, "=")
	if !ok {
		return "", topology.CpuSpec{}, fmt.Errorf("malformed alias %q, expected *name=cpuspec", line)
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", topology.CpuSpec{}, fmt.Errorf("alias with empty name in %q", line)
	}
	spec, err := topology.ParseCpuSpec(strings.TrimSpace(value), topo, aliases)
	if err != nil {
		return "", topology.CpuSpec{}, fmt.Errorf("alias %q: %w", name, err)
	}
	return name, spec, nil
}

// parseRuleLine parses one rule line of the form
//
//	key : priority : affinity : default-cpu-set : primespec : io-priority : memory-priority
//
// where key is a bare image name or a brace-delimited, optionally-labeled
// group of image names, and every field after the key may be omitted
// (trailing fields default to "no change").
func parseRuleLine(line string, topo *topology.Topology, aliases map[string]topology.CpuSpec) ([]string, Rule, error) {
	fields := strings.SplitN(line, ":", 7)
	for len(fields) < 7 {
		fields = append(fields, "")
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	names, err := parseRuleKey(fields[0])
	if err != nil {
		return nil, Rule{}, err
	}

	var rule Rule
	if fields[1] != "" {
		pc, ok := hostos.ParseProcessPriorityClass(fields[1])
		if !ok {
			return nil, Rule{}, fmt.Errorf("unknown process priority class %q", fields[1])
		}
		rule.PriorityClass = pc
	}
	if fields[2] != "" {
		spec, err := topology.ParseCpuSpec(fields[2], topo, aliases)
		if err != nil {
			return nil, Rule{}, fmt.Errorf("affinity: %w", err)
		}
		rule.Affinity = spec
	} else {
		rule.Affinity = topology.CpuSpec{NoChange: true}
	}
	if fields[3] != "" {
		spec, err := topology.ParseCpuSpec(fields[3], topo, aliases)
		if err != nil {
			return nil, Rule{}, fmt.Errorf("default cpu set: %w", err)
		}
		rule.DefaultCPUSet = spec
	} else {
		rule.DefaultCPUSet = topology.CpuSpec{NoChange: true}
	}
	if fields[4] != "" {
		spec, err := ParsePrimeSpec(fields[4], topo, aliases)
		if err != nil {
			return nil, Rule{}, fmt.Errorf("prime spec: %w", err)
		}
		rule.Prime = spec
	}
	if fields[5] != "" {
		p, ok := hostos.ParseIOPriority(fields[5])
		if !ok {
			return nil, Rule{}, fmt.Errorf("unknown io priority %q", fields[5])
		}
		rule.IOPriority = p
	}
	if fields[6] != "" {
		p, ok := hostos.ParseMemoryPriority(fields[6])
		if !ok {
			return nil, Rule{}, fmt.Errorf("unknown memory priority %q", fields[6])
		}
		rule.MemoryPriority = p
	}
	return names, rule, nil
}

func parseRuleKey(key string) ([]string, error) {
	open := strings.Index(key, "{")
	if open < 0 {
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "" {
			return nil, fmt.Errorf("empty rule key")
		}
		return []string{name}, nil
	}
	closeIdx := strings.LastIndex(key, "}")
	if closeIdx < open {
		return nil, fmt.Errorf("unterminated group in %q", key)
	}
	body := key[open+1 : closeIdx]
	var names []string
	for _, part := range strings.Split(body, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("empty group in %q", key)
	}
	return names, nil
}
