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
package scheduler

import (
	"github.com/Workiva/go-datastructures/augmentedtree"

	"github.com/corepin/primed/internal/hostos"
	"github.com/corepin/primed/internal/topology"
)

// promotionSpan is one closed [promoted-at-tick, demoted-at-tick) window a
// thread spent applied to a cpu-set, recorded as an augmentedtree.Interval
// so it can be queried back out by tick.
type promotionSpan struct {
	id        uint64
	tid       hostos.ThreadID
	low, high int64
}

func (p *promotionSpan) LowAtDimension(d uint64) int64  { return p.low }
func (p *promotionSpan) HighAtDimension(d uint64) int64 { return p.high }

func (p *promotionSpan) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return p.HighAtDimension(d) >= j.LowAtDimension(d) && j.HighAtDimension(d) >= p.LowAtDimension(d)
}

func (p *promotionSpan) ID() uint64 { return p.id }

// PromotionHistory is a per-cpu-set-id interval index of every window a
// thread has ever spent promoted onto that cpu-set. It exists so invariant
// 5 ("at most one promotion per (pid,tid) in effect") and the hysteresis
// property of spec.md §8.1 can be queried and asserted directly, answering
// "what was prime at tick T." The introspection surface does not expose it.
type PromotionHistory struct {
	trees  map[topology.CPUSetID]augmentedtree.Tree
	nextID uint64
}

func newPromotionHistory() *PromotionHistory {
	return &PromotionHistory{trees: map[topology.CPUSetID]augmentedtree.Tree{}}
}

// record closes one promotion window for tid on setID, spanning
// [low, high) ticks.
func (h *PromotionHistory) record(setID topology.CPUSetID, tid hostos.ThreadID, low, high int64) {
	tree, ok := h.trees[setID]
	if !ok {
		tree = augmentedtree.New(1)
		h.trees[setID] = tree
	}
	h.nextID++
	tree.Add(&promotionSpan{id: h.nextID, tid: tid, low: low, high: high})
}

// ActiveAt returns every thread recorded as promoted onto setID at tick t.
func (h *PromotionHistory) ActiveAt(setID topology.CPUSetID, t int64) []hostos.ThreadID {
	tree, ok := h.trees[setID]
	if !ok {
		return nil
	}
	q := &promotionSpan{low: t, high: t}
	var out []hostos.ThreadID
	for _, iv := range tree.Query(q) {
		sp := iv.(*promotionSpan)
		if t >= sp.low && t < sp.high {
			out = append(out, sp.tid)
		}
	}
	return out
}
