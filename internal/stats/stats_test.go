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

package stats

import (
	"testing"

	"ngramlm/internal/eval"
	"ngramlm/pkg/lm"
)

func TestAddAccumulatesAcrossCalls(t *testing.T) {
	s := New()
	s.Add(2, lm.History{1}, 2, 3)
	s.Add(2, lm.History{1}, 2, 4)
	if got := s.Get(2, lm.History{1}, 2); got != 7 {
		t.Errorf("Get after two Adds = %v, want 7", got)
	}
}

func TestGetMissingReturnsZero(t *testing.T) {
	s := New()
	if got := s.Get(3, lm.History{9, 9}, 1); got != 0 {
		t.Errorf("Get on empty store = %v, want 0", got)
	}
}

func TestFromModelSeedsFromCurrentCounts(t *testing.T) {
	states := []lm.HistoryState{
		{History: lm.History{1}, Order: 2, Predicted: []lm.WordID{2, 3}, Counts: []float64{5, 0.5}, Total: 5.5, BackoffWeight: 0.1},
	}
	model := eval.NewModel(states, []float64{0.5, 0.3, 0.2}, 2)
	s := FromModel(model)
	if got := s.Get(2, lm.History{1}, 2); got != 5 {
		t.Errorf("Get(w=2) = %v, want 5", got)
	}
	if got := s.Get(2, lm.History{1}, 3); got != 0.5 {
		t.Errorf("Get(w=3) = %v, want 0.5", got)
	}
}

func TestRebuildForTopologyDropsPrunedEntries(t *testing.T) {
	s := New()
	s.Add(2, lm.History{1}, 2, 5)
	s.Add(2, lm.History{1}, 3, 0.5) // will be "pruned away" below

	// Model topology now only lists predicted word 2 under history {1}: word
	// 3's stats must not survive a rebuild.
	states := []lm.HistoryState{
		{History: lm.History{1}, Order: 2, Predicted: []lm.WordID{2}, Counts: []float64{5}, Total: 5, BackoffWeight: 0.1},
	}
	model := eval.NewModel(states, []float64{0.5, 0.3, 0.2}, 2)
	s.RebuildForTopology(model)

	if got := s.Get(2, lm.History{1}, 2); got != 5 {
		t.Errorf("surviving entry Get(w=2) = %v, want 5", got)
	}
	if got := s.Get(2, lm.History{1}, 3); got != 0 {
		t.Errorf("pruned entry Get(w=3) = %v, want 0 after rebuild", got)
	}
	words := s.HistoryWords(2, lm.History{1})
	if len(words) != 1 || words[0] != 2 {
		t.Errorf("HistoryWords after rebuild = %v, want [2]", words)
	}
}

func TestOrdersReturnsSortedOrders(t *testing.T) {
	s := New()
	s.Add(3, lm.History{1, 2}, 1, 1)
	s.Add(1, lm.History{}, 1, 1)
	s.Add(2, lm.History{1}, 1, 1)
	orders := s.Orders()
	want := []lm.Order{1, 2, 3}
	if len(orders) != len(want) {
		t.Fatalf("Orders() = %v, want %v", orders, want)
	}
	for i := range want {
		if orders[i] != want[i] {
			t.Errorf("Orders()[%d] = %v, want %v", i, orders[i], want[i])
		}
	}
}
