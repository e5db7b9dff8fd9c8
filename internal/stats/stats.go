// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats implements the sufficient-statistics store of spec.md
// §4.9: per-(order, history, predicted) accumulated mass, held in one
// unsharded in-memory map, and rebuilt after every pruning pass so the
// E-M reestimation step (spec.md §4.7) always reflects the surviving
// topology.
package stats

import (
	"sort"

	"ngramlm/internal/eval"
	"ngramlm/pkg/lm"
)

// Store holds accumulated sufficient statistics keyed by order and
// history, restricted (after a rebuild) to whatever topology the current
// model supports.
type Store struct {
	byOrder map[lm.Order]map[string]map[lm.WordID]float64
}

// New returns an empty Store.
func New() *Store {
	return &Store{byOrder: map[lm.Order]map[string]map[lm.WordID]float64{}}
}

// Add accumulates one n-gram's mass into the store.
func (s *Store) Add(order lm.Order, h lm.History, w lm.WordID, mass float64) {
	byHist := s.byOrder[order]
	if byHist == nil {
		byHist = map[string]map[lm.WordID]float64{}
		s.byOrder[order] = byHist
	}
	key := eval.HistoryKey(h)
	byWord := byHist[key]
	if byWord == nil {
		byWord = map[lm.WordID]float64{}
		byHist[key] = byWord
	}
	byWord[w] += mass
}

// Get returns the accumulated mass for (order, h, w), or 0 if absent.
func (s *Store) Get(order lm.Order, h lm.History, w lm.WordID) float64 {
	byHist := s.byOrder[order]
	if byHist == nil {
		return 0
	}
	byWord := byHist[eval.HistoryKey(h)]
	if byWord == nil {
		return 0
	}
	return byWord[w]
}

// FromModel seeds a Store directly from a model's current float counts,
// e.g. as the starting point for accumulating expected counts during an
// E-M pass.
func FromModel(model eval.Model) *Store {
	s := New()
	for order, byHist := range model.States {
		for _, st := range byHist {
			for i, w := range st.Predicted {
				s.Add(order, st.History, w, st.Counts[i])
			}
		}
	}
	return s
}

// RebuildForTopology discards every stat entry whose (order, history,
// predicted) triple is no longer present in model — the "rebuild after
// pruning" step spec.md §4.9 requires so stale sufficient statistics from
// pruned-away n-grams never leak into a later E-M reestimation.
func (s *Store) RebuildForTopology(model eval.Model) {
	kept := map[lm.Order]map[string]map[lm.WordID]float64{}
	for order, byHist := range model.States {
		keptByHist := map[string]map[lm.WordID]float64{}
		for key, st := range byHist {
			wanted := map[lm.WordID]bool{}
			for _, w := range st.Predicted {
				wanted[w] = true
			}
			srcByWord := s.byOrder[order][key]
			keptByWord := map[lm.WordID]float64{}
			for w := range wanted {
				if srcByWord != nil {
					keptByWord[w] = srcByWord[w]
				}
			}
			keptByHist[key] = keptByWord
		}
		kept[order] = keptByHist
	}
	s.byOrder = kept
}

// Orders reports every order with at least one stat entry, ascending.
func (s *Store) Orders() []lm.Order {
	orders := make([]lm.Order, 0, len(s.byOrder))
	for o := range s.byOrder {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	return orders
}

// HistoryWords returns the sorted predicted-word ids that have a stat
// entry for (order, h); an entry's accumulated mass may be zero.
func (s *Store) HistoryWords(order lm.Order, h lm.History) []lm.WordID {
	byHist := s.byOrder[order]
	if byHist == nil {
		return nil
	}
	byWord := byHist[eval.HistoryKey(h)]
	ws := make([]lm.WordID, 0, len(byWord))
	for w := range byWord {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	return ws
}
