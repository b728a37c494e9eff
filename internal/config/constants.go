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

import "google.golang.org/grpc/codes"
import "google.golang.org/grpc/status"

// Constants are the tunable knobs of spec.md §3's ConfigConstants, plus the
// candidate-cap multiplier spec.md §9 calls out as an Open Question this
// expansion resolves by keeping it configurable.
type Constants struct {
	// MinActiveStreak is the number of consecutive measurable ticks a
	// thread must meet EntryThreshold to become eligible for promotion.
	// Range [1, 255]; default 2.
	MinActiveStreak uint8
	// EntryThreshold is the minimum ratio of a thread's cycle delta to the
	// tick's maximum delta required to begin or continue a promotion
	// streak. Range (0, 1]; default 0.42.
	EntryThreshold float64
	// KeepThreshold is the minimum ratio required for a promoted thread to
	// retain its slot. Range (0, 1]; default 0.69; must be >= EntryThreshold.
	KeepThreshold float64
	// CandidateCapMultiplier scales the number of prime CPUs named in a
	// process's PrimeSpec into the candidate pool size (spec.md §4.5.1):
	// K = max(track_top_x, N_prime_cpus * CandidateCapMultiplier).
	CandidateCapMultiplier int
}

// DefaultConstants returns spec.md §3's documented defaults.
func DefaultConstants() Constants {
	return Constants{
		MinActiveStreak:        2,
		EntryThreshold:         0.42,
		KeepThreshold:          0.69,
		CandidateCapMultiplier: 2,
	}
}

// Validate checks the invariants of spec.md §3: MinActiveStreak in
// [1,255], both thresholds in (0,1], and EntryThreshold <= KeepThreshold.
func (c Constants) Validate() error {
	if c.MinActiveStreak < 1 {
		return status.Errorf(codes.InvalidArgument, "min_active_streak must be >= 1, got %d", c.MinActiveStreak)
	}
	if c.EntryThreshold <= 0 || c.EntryThreshold > 1 {
		return status.Errorf(codes.InvalidArgument, "entry_threshold must be in (0, 1], got %v", c.EntryThreshold)
	}
	if c.KeepThreshold <= 0 || c.KeepThreshold > 1 {
		return status.Errorf(codes.InvalidArgument, "keep_threshold must be in (0, 1], got %v", c.KeepThreshold)
	}
	if c.EntryThreshold > c.KeepThreshold {
		return status.Errorf(codes.InvalidArgument, "entry_threshold (%v) must be <= keep_threshold (%v)", c.EntryThreshold, c.KeepThreshold)
	}
	if c.CandidateCapMultiplier < 1 {
		return status.Errorf(codes.InvalidArgument, "candidate cap multiplier must be >= 1, got %d", c.CandidateCapMultiplier)
	}
	return nil
}
