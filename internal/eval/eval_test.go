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

package eval

import (
	"math"
	"testing"

	"ngramlm/internal/discount"
	"ngramlm/pkg/lm"
)

// twoWordModel builds a tiny order-2 model over a 2-word vocabulary: the
// bigram history {1} explicitly lists word 2 and backs off 40% of its
// mass to the unigram.
func twoWordModel() Model {
	states := []lm.HistoryState{
		{
			History:       lm.History{1},
			Order:         2,
			Predicted:     []lm.WordID{2},
			Counts:        []float64{0.6},
			Total:         0.6,
			BackoffWeight: 0.4,
			BackoffTo:     lm.History{},
		},
	}
	unigram := []float64{0.3, 0.7}
	return NewModel(states, unigram, 2)
}

func TestProbSumsToOneOverVocabulary(t *testing.T) {
	m := twoWordModel()
	var total float64
	for w := lm.WordID(1); w <= 2; w++ {
		p, err := m.Prob(2, lm.History{1}, w)
		if err != nil {
			t.Fatalf("Prob(%v): %v", w, err)
		}
		total += p
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("probabilities under history {1} sum to %v, want 1", total)
	}
}

func TestProbExplicitWord(t *testing.T) {
	m := twoWordModel()
	p, err := m.Prob(2, lm.History{1}, 2)
	if err != nil {
		t.Fatalf("Prob: %v", err)
	}
	want := 0.6/0.6*(1-0.4) + 0.4*0.7 // Counts[w]/Total * (1-BW) + BW * unigram[1]
	if math.Abs(p-want) > 1e-12 {
		t.Errorf("Prob(explicit) = %v, want %v", p, want)
	}
}

func TestProbBacksOffForUnseenWord(t *testing.T) {
	m := twoWordModel()
	p, err := m.Prob(2, lm.History{1}, 1)
	if err != nil {
		t.Fatalf("Prob: %v", err)
	}
	want := 0.4 * 0.3 // BW * unigram[0]
	if math.Abs(p-want) > 1e-12 {
		t.Errorf("Prob(backoff) = %v, want %v", p, want)
	}
}

func TestProbUnknownHistoryTreatedAsFullBackoff(t *testing.T) {
	m := twoWordModel()
	p, err := m.Prob(2, lm.History{99}, 1)
	if err != nil {
		t.Fatalf("Prob: %v", err)
	}
	if math.Abs(p-0.3) > 1e-12 {
		t.Errorf("Prob under unknown history = %v, want the raw unigram 0.3", p)
	}
}

func TestEvaluateComputesLogLikelihood(t *testing.T) {
	m := twoWordModel()
	dev := map[lm.Order][]lm.IntegerCount{
		2: {{History: lm.History{1}, Predicted: 2, Count: 5}},
	}
	n, ll, derivs, err := Evaluate(m, dev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if n != 5 {
		t.Errorf("numDevWords = %d, want 5", n)
	}
	want := 5 * math.Log(0.6/0.6*(1-0.4)+0.4*0.7)
	if math.Abs(ll-want) > 1e-9 {
		t.Errorf("log-likelihood = %v, want %v", ll, want)
	}
	if derivs.CountsDeriv[2][HistoryKey(lm.History{1})] == nil {
		t.Errorf("expected a non-nil counts derivative for history {1}")
	}
}

// TestUnigramProbabilitiesSumToOneEndToEnd runs discount.Unigram's raw
// (unnormalized) output straight into eval.NewModel, the way
// internal/pipeline wires the two together, and checks property P1 holds
// at the closed-vocabulary unigram level itself.
func TestUnigramProbabilitiesSumToOneEndToEnd(t *testing.T) {
	stream := []float64{3, 7, 2} // raw discounted mass arriving per word, sums to 12
	uni, err := discount.Unigram(stream, len(stream), discount.DefaultUnigramSmoothing)
	if err != nil {
		t.Fatalf("discount.Unigram: %v", err)
	}
	m := NewModel(nil, uni.Counts, 1)

	var total float64
	for w := lm.WordID(1); w <= 3; w++ {
		p, err := m.Prob(1, lm.History{}, w)
		if err != nil {
			t.Fatalf("Prob(%v): %v", w, err)
		}
		total += p
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("unigram probabilities sum to %v, want 1 (raw counts summed to %v, not 1)", total, uni.Total)
	}
}

// TestEvaluateUnigramDerivMatchesFiniteDifference checks dL/d(Unigram[k])
// against a central difference on the raw (unnormalized) unigram counts,
// including the cross-entry correction from the shared normalization
// total.
func TestEvaluateUnigramDerivMatchesFiniteDifference(t *testing.T) {
	raw := []float64{3, 7, 2}
	dev := map[lm.Order][]lm.IntegerCount{
		1: {
			{History: lm.History{}, Predicted: 1, Count: 4},
			{History: lm.History{}, Predicted: 3, Count: 1},
		},
	}
	_, _, derivs, err := Evaluate(NewModel(nil, raw, 1), dev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	const eps = 1e-6
	for k := range raw {
		plus := append([]float64(nil), raw...)
		plus[k] += eps
		minus := append([]float64(nil), raw...)
		minus[k] -= eps
		_, llPlus, _, err := Evaluate(NewModel(nil, plus, 1), dev)
		if err != nil {
			t.Fatalf("Evaluate (+eps): %v", err)
		}
		_, llMinus, _, err := Evaluate(NewModel(nil, minus, 1), dev)
		if err != nil {
			t.Fatalf("Evaluate (-eps): %v", err)
		}
		numeric := (llPlus - llMinus) / (2 * eps)
		if math.Abs(numeric-derivs.UnigramDeriv[k]) > 1e-3 {
			t.Errorf("dL/dUnigram[%d]: numeric=%v analytic=%v", k, numeric, derivs.UnigramDeriv[k])
		}
	}
}

func TestEvaluateRejectsOutOfVocabularyWord(t *testing.T) {
	m := twoWordModel()
	dev := map[lm.Order][]lm.IntegerCount{
		2: {{History: lm.History{1}, Predicted: 99, Count: 1}},
	}
	if _, _, _, err := Evaluate(m, dev); err == nil {
		t.Fatalf("expected error for out-of-vocabulary predicted word")
	}
}
