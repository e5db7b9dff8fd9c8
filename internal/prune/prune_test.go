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

package prune

import (
	"testing"

	"ngramlm/internal/eval"
	"ngramlm/internal/stats"
	"ngramlm/pkg/lm"
)

func TestParseSchedule(t *testing.T) {
	steps, err := ParseSchedule("prune*0.25 EM EM EM prune*1.0 EM")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	want := []Step{
		{Kind: StepPrune, Factor: 0.25},
		{Kind: StepEM}, {Kind: StepEM}, {Kind: StepEM},
		{Kind: StepPrune, Factor: 1.0},
		{Kind: StepEM},
	}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(steps), len(want))
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %+v, want %+v", i, steps[i], want[i])
		}
	}
}

func TestParseScheduleRejectsUnknownToken(t *testing.T) {
	if _, err := ParseSchedule("prune*0.5 FOO"); err == nil {
		t.Fatalf("expected error for unrecognized token")
	}
}

// smallModel builds an order-2 model over a 3-word vocabulary with one
// history ({1}) that explicitly lists a rarely-seen word (predicted=3,
// count=0.01) alongside a well-supported one (predicted=2, count=5).
func smallModel() eval.Model {
	states := []lm.HistoryState{
		{
			History:       lm.History{1},
			Order:         2,
			Predicted:     []lm.WordID{2, 3},
			Counts:        []float64{5, 0.01},
			Total:         5.01,
			BackoffWeight: 0.1,
			BackoffTo:     lm.History{},
		},
	}
	unigram := []float64{0.2, 0.6, 0.2}
	return eval.NewModel(states, unigram, 2)
}

func TestPruneStepRemovesLowValueEntries(t *testing.T) {
	model := smallModel()
	res, err := PruneStep(model, 1.0, false)
	if err != nil {
		t.Fatalf("PruneStep: %v", err)
	}
	if res.EntriesRemoved == 0 {
		t.Fatalf("expected at least one low-value entry removed")
	}
	st := model.States[2][eval.HistoryKey(lm.History{1})]
	for _, w := range st.Predicted {
		if w == 3 {
			t.Errorf("expected the rarely-seen word 3 to have been pruned, still present: %+v", st)
		}
	}
}

func TestPruneStepNeverRemovesEverythingAtZeroThreshold(t *testing.T) {
	model := smallModel()
	res, err := PruneStep(model, 0, false)
	if err != nil {
		t.Fatalf("PruneStep: %v", err)
	}
	if res.EntriesRemoved != 0 {
		t.Errorf("threshold 0 should remove nothing (metric < 0 is never true), removed %d", res.EntriesRemoved)
	}
}

func TestEMStepRedistributesFromStats(t *testing.T) {
	model := smallModel()
	store := stats.New()
	store.Add(2, lm.History{1}, 2, 8)
	store.Add(2, lm.History{1}, 3, 0.02)

	EMStep(model, store)

	st := model.States[2][eval.HistoryKey(lm.History{1})]
	if st.Total != 8.02 {
		t.Errorf("Total after EM = %v, want 8.02", st.Total)
	}
}

func TestProtectedSetMarksBackoffTargets(t *testing.T) {
	states := []lm.HistoryState{
		{History: lm.History{1, 2}, Order: 3, Predicted: []lm.WordID{4}, Counts: []float64{1}, Total: 1, BackoffWeight: 0.2, BackoffTo: lm.History{2}},
	}
	model := eval.NewModel(states, []float64{0.5, 0.5}, 3)
	protected := ProtectedSet(model)
	if !protected[2][eval.HistoryKey(lm.History{2})] {
		t.Errorf("expected history {2} at order 2 to be protected as a back-off target")
	}
}
