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

package pipeline

import (
	"io"
	"testing"

	"ngramlm/internal/eval"
	"ngramlm/internal/merge"
	"ngramlm/pkg/lm"
)

type sliceIntegerCounts struct {
	recs []lm.IntegerCount
	i    int
}

func (s *sliceIntegerCounts) Next() (lm.IntegerCount, error) {
	if s.i >= len(s.recs) {
		return lm.IntegerCount{}, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}

func twoOrderSources() sourcesByOrder {
	return sourcesByOrder{
		2: {
			{Source: 1, Scale: 1.0, Counts: &sliceIntegerCounts{recs: []lm.IntegerCount{
				{History: lm.History{1}, Predicted: 2, Count: 8},
				{History: lm.History{1}, Predicted: 3, Count: 2},
			}}},
		},
	}
}

func testMeta() lm.Metaparameters {
	return lm.Metaparameters{
		NumSources: 1,
		MaxOrder:   2,
		Scale:      []float64{0.5},
		Discount:   []lm.OrderDiscount{{D1: 0.9, D2: 0.7, D3: 0.5, D4: 0.2}},
	}
}

func TestForwardProducesQueryableModel(t *testing.T) {
	model, inter, err := Forward(twoOrderSources(), testMeta(), 3)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if inter == nil {
		t.Fatalf("expected non-nil Intermediate")
	}
	st, ok := model.States[2][eval.HistoryKey(lm.History{1})]
	if !ok {
		t.Fatalf("expected a history state for {1} at order 2")
	}
	if st.Total <= 0 {
		t.Errorf("Total = %v, want > 0", st.Total)
	}
	if st.BackoffWeight < 0 || st.BackoffWeight >= 1 {
		t.Errorf("BackoffWeight = %v, want in [0,1)", st.BackoffWeight)
	}

	p, err := model.Prob(2, lm.History{1}, 2)
	if err != nil {
		t.Fatalf("Prob: %v", err)
	}
	if p <= 0 || p >= 1 {
		t.Errorf("Prob = %v, want in (0,1)", p)
	}
}

func TestForwardRejectsInvalidMetaparameters(t *testing.T) {
	bad := testMeta()
	bad.Scale[0] = 1.5 // out of (0,1)
	if _, _, err := Forward(twoOrderSources(), bad, 3); err == nil {
		t.Fatalf("expected an error for infeasible metaparameters")
	}
}

func TestBackwardMirrorsForwardShapes(t *testing.T) {
	meta := testMeta()
	model, inter, err := Forward(twoOrderSources(), meta, 3)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	dev := map[lm.Order][]lm.IntegerCount{
		2: {{History: lm.History{1}, Predicted: 2, Count: 4}},
	}
	_, _, derivs, err := eval.Evaluate(model, dev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	scaleGrad, discGrad, err := Backward(inter, meta, derivs)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if len(scaleGrad) != int(meta.NumSources) {
		t.Errorf("scaleGrad length = %d, want %d", len(scaleGrad), meta.NumSources)
	}
	if _, ok := discGrad[2]; !ok {
		t.Errorf("expected a discount gradient entry for order 2")
	}
}

// manyHistorySources spans enough distinct order-2 histories that a 4-shard
// partition actually splits the work across more than one shard.
func manyHistorySources() sourcesByOrder {
	return sourcesByOrder{
		2: {
			{Source: 1, Scale: 1.0, Counts: &sliceIntegerCounts{recs: []lm.IntegerCount{
				{History: lm.History{1}, Predicted: 2, Count: 8},
				{History: lm.History{1}, Predicted: 3, Count: 2},
				{History: lm.History{2}, Predicted: 1, Count: 5},
				{History: lm.History{2}, Predicted: 3, Count: 1},
				{History: lm.History{3}, Predicted: 1, Count: 4},
				{History: lm.History{3}, Predicted: 2, Count: 4},
				{History: lm.History{4}, Predicted: 1, Count: 3},
				{History: lm.History{4}, Predicted: 2, Count: 6},
			}}},
		},
	}
}

// TestShardedForwardMatchesUnshardedForward checks spec.md property P4:
// sharded forward then merge yields bit-identical float counts to an
// unsharded run.
func TestShardedForwardMatchesUnshardedForward(t *testing.T) {
	meta := testMeta()
	unsharded, _, err := ShardedForward(manyHistorySources(), meta, 4, 1)
	if err != nil {
		t.Fatalf("ShardedForward(shards=1): %v", err)
	}
	sharded, _, err := ShardedForward(manyHistorySources(), meta, 4, 4)
	if err != nil {
		t.Fatalf("ShardedForward(shards=4): %v", err)
	}

	if sharded.UnigramTotal != unsharded.UnigramTotal {
		t.Errorf("UnigramTotal = %v, want %v", sharded.UnigramTotal, unsharded.UnigramTotal)
	}
	for i := range unsharded.Unigram {
		if sharded.Unigram[i] != unsharded.Unigram[i] {
			t.Errorf("Unigram[%d] = %v, want %v", i, sharded.Unigram[i], unsharded.Unigram[i])
		}
	}
	for key, wantByHist := range unsharded.States[2] {
		gotByHist, ok := sharded.States[2][key]
		if !ok {
			t.Fatalf("sharded model missing history state %q", key)
		}
		if gotByHist.Total != wantByHist.Total {
			t.Errorf("history %v: Total = %v, want %v", gotByHist.History, gotByHist.Total, wantByHist.Total)
		}
		if gotByHist.BackoffWeight != wantByHist.BackoffWeight {
			t.Errorf("history %v: BackoffWeight = %v, want %v", gotByHist.History, gotByHist.BackoffWeight, wantByHist.BackoffWeight)
		}
		for i := range wantByHist.Counts {
			if gotByHist.Counts[i] != wantByHist.Counts[i] {
				t.Errorf("history %v: Counts[%d] = %v, want %v", gotByHist.History, i, gotByHist.Counts[i], wantByHist.Counts[i])
			}
		}
	}
}

func TestBackwardErrorsOnMismatchedIntermediate(t *testing.T) {
	meta := testMeta()
	model, inter, err := Forward(twoOrderSources(), meta, 3)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	dev := map[lm.Order][]lm.IntegerCount{
		2: {{History: lm.History{1}, Predicted: 2, Count: 4}},
	}
	_, _, derivs, err := eval.Evaluate(model, dev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// Corrupt the intermediate state to simulate a mismatched Backward call.
	delete(inter.work, 2)
	if _, _, err := Backward(inter, meta, derivs); err == nil {
		t.Fatalf("expected an error when Intermediate state is missing an order")
	}
}
