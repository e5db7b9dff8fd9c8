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

// Package eval implements the probability and objective evaluator of
// spec.md §4.4: given a complete float-count model and dev-set integer
// counts, it computes the total dev log-likelihood and the per-order
// float-count derivatives needed by the backward pipeline.
//
// Probability convention. For a history state h with explicit predicted
// words Counts summing to Total(h) and back-off weight BW(h), the
// probability of a word w interpolates the explicit mass with the
// (order-1) suffix history's distribution, recursively:
//
//	P(w|h) = Counts[w]/Total(h) * (1 - BW(h)) + BW(h) * P(w|suffix(h))
//
// where Counts[w] is taken as 0 for a word not explicit under h, so that
//
//	P(w|h) = BW(h) * P(w|suffix(h))   for w not explicit under h
//
// so that sum_w P(w|h) == 1 whenever the recursive chain below h also
// integrates to 1 (spec.md property P1). A history with no matching model
// state is treated as BW=1 (fully back off, no explicit mass) so the
// chain always resolves at the closed-vocabulary unigram level, where
// P(w|unigram) = Unigram[w-1]/UnigramTotal follows the same Counts/Total
// convention (BW is implicitly 0, so the chain terminates there).
package eval

import (
	"fmt"
	"math"

	"ngramlm/pkg/lm"
)

// Model is the queryable, in-memory form of a complete float-count model:
// one HistoryState per (order, history), plus the order-1 vector.
type Model struct {
	// States maps order -> historyKey(history) -> *lm.HistoryState.
	States   map[lm.Order]map[string]*lm.HistoryState
	Unigram  []float64 // raw Counts[w-1], w=1..NumWords; BW is implicitly 0
	// UnigramTotal is sum(Unigram); P(w|unigram) = Unigram[w-1]/UnigramTotal,
	// the same Counts/Total convention every order>=2 history uses.
	UnigramTotal float64
	NumWords     int
	MaxOrder     lm.Order
}

// HistoryKey is the canonical map key for a history: a fixed-width
// encoding of its word ids (4 big-endian bytes each), safe to use as a Go
// map key.
func HistoryKey(h lm.History) string {
	b := make([]byte, 0, len(h)*4)
	for _, w := range h {
		b = append(b, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
	}
	return string(b)
}

// NewModel builds a Model from a flat slice of history states spanning
// every order from 2..maxOrder, plus the order-1 vector.
func NewModel(states []lm.HistoryState, unigram []float64, maxOrder lm.Order) Model {
	var total float64
	for _, c := range unigram {
		total += c
	}
	m := Model{
		States:       map[lm.Order]map[string]*lm.HistoryState{},
		Unigram:      unigram,
		UnigramTotal: total,
		NumWords:     len(unigram),
		MaxOrder:     maxOrder,
	}
	for i := range states {
		hs := &states[i]
		if m.States[hs.Order] == nil {
			m.States[hs.Order] = map[string]*lm.HistoryState{}
		}
		m.States[hs.Order][HistoryKey(hs.History)] = hs
	}
	return m
}

func (m Model) lookup(order lm.Order, h lm.History) *lm.HistoryState {
	byHist := m.States[order]
	if byHist == nil {
		return nil
	}
	return byHist[HistoryKey(h)]
}

// level is one rung of the back-off chain resolved while computing a dev
// n-gram's probability, ordered from the queried order down to order 1.
type level struct {
	order   lm.Order
	history lm.History
	state   *lm.HistoryState // nil if this history has no model entry (BW treated as 1)
	idx     int              // index of the target word in state.Predicted, or -1
	total   float64          // sum(state.Counts), 0 if state is nil
	bw      float64          // back-off weight used at this level
	prob    float64          // resolved P(w | this level's history)
}

// resolve walks the back-off chain for (order, history, word) top-down.
func (m Model) resolve(order lm.Order, h lm.History, w lm.WordID) ([]level, error) {
	levels := make([]level, 0, order)
	cur := h
	for o := order; o >= 2; o-- {
		st := m.lookup(o, cur)
		lv := level{order: o, history: cur, idx: -1}
		if st != nil {
			lv.state = st
			lv.total = st.Total
			lv.bw = st.BackoffWeight
			for i, p := range st.Predicted {
				if p == w {
					lv.idx = i
					break
				}
			}
		} else {
			lv.bw = 1
		}
		levels = append(levels, lv)
		if len(cur) == 0 {
			return nil, fmt.Errorf("eval: history ran out before reaching order 1 for word %v", w)
		}
		cur = cur[1:]
	}
	if int(w) < 1 || int(w) > m.NumWords {
		return nil, fmt.Errorf("eval: word id %v outside closed vocabulary [1,%d]", w, m.NumWords)
	}
	levels = append(levels, level{order: 1, idx: int(w) - 1, total: m.UnigramTotal})

	var prob float64
	if m.UnigramTotal > 0 {
		prob = m.Unigram[w-1] / m.UnigramTotal
	}
	levels[len(levels)-1].prob = prob
	for i := len(levels) - 2; i >= 0; i-- {
		lv := &levels[i]
		var explicit float64
		if lv.idx >= 0 {
			explicit = lv.state.Counts[lv.idx] / lv.total * (1 - lv.bw)
		}
		lv.prob = explicit + lv.bw*prob
		prob = lv.prob
	}
	return levels, nil
}

// Prob returns P(w|h) at the given order, resolving the full back-off
// chain. Used by the entropy pruner (internal/prune) to score candidate
// removals without duplicating the back-off recursion.
func (m Model) Prob(order lm.Order, h lm.History, w lm.WordID) (float64, error) {
	levels, err := m.resolve(order, h, w)
	if err != nil {
		return 0, err
	}
	return levels[0].prob, nil
}

// Derivs accumulates the per-order float-count derivatives produced by
// Evaluate: dL/dCounts[w,h] and dL/dBackoffWeight[h], plus dL/dUnigram.
type Derivs struct {
	// CountsDeriv[order][historyKey] is aligned with the corresponding
	// lm.HistoryState.Predicted/Counts slices.
	CountsDeriv map[lm.Order]map[string][]float64
	// BackoffWeightDeriv[order][historyKey] is dL/dBackoffWeight(h).
	BackoffWeightDeriv map[lm.Order]map[string]float64
	UnigramDeriv       []float64
}

func newDerivs(model Model) Derivs {
	d := Derivs{
		CountsDeriv:        map[lm.Order]map[string][]float64{},
		BackoffWeightDeriv: map[lm.Order]map[string]float64{},
		UnigramDeriv:       make([]float64, model.NumWords),
	}
	for order, byHist := range model.States {
		d.CountsDeriv[order] = map[string][]float64{}
		d.BackoffWeightDeriv[order] = map[string]float64{}
		for key, st := range byHist {
			d.CountsDeriv[order][key] = make([]float64, len(st.Counts))
		}
	}
	return d
}

// accumulate adds one dev n-gram's contribution to the running
// log-likelihood and derivative accumulators, given its resolved chain
// and dL/dP (the reciprocal-count weight) at the top of the chain. It
// returns this record's contribution to the shared unigram-normalization
// correction (see Evaluate), since P(w|unigram) = Unigram[w-1]/UnigramTotal
// depends on every unigram entry, not just the observed word's.
func accumulate(derivs Derivs, levels []level, g float64) float64 {
	var unigramCorrection float64
	for i := 0; i < len(levels); i++ {
		lv := levels[i]
		if lv.order == 1 {
			if lv.total > 0 {
				// P(w|unigram) = Unigram[w-1]/total, so d/d(Unigram[w-1])
				// is g/total and, since total = sum(Unigram), every entry
				// (including w-1 itself) additionally receives
				// -g*prob/total via d(total)/d(Unigram[k]) = 1.
				derivs.UnigramDeriv[lv.idx] += g / lv.total
				unigramCorrection += g * lv.prob / lv.total
			}
			break
		}
		var nextProb float64
		if i+1 < len(levels) {
			nextProb = levels[i+1].prob
		}
		if lv.state != nil {
			key := HistoryKey(lv.history)
			total := lv.total
			if lv.idx >= 0 {
				countVal := lv.state.Counts[lv.idx]
				cd := derivs.CountsDeriv[lv.order][key]
				for wIdx := range lv.state.Counts {
					var indicator float64
					if wIdx == lv.idx {
						indicator = 1
					}
					cd[wIdx] += g * (1 - lv.bw) * (indicator/total - countVal/(total*total))
				}
				derivs.BackoffWeightDeriv[lv.order][key] += g * (nextProb - countVal/total)
			} else {
				derivs.BackoffWeightDeriv[lv.order][key] += g * nextProb
			}
		}
		g *= lv.bw
	}
	return unigramCorrection
}

// Evaluate computes the total dev log-likelihood and per-order
// derivatives for a set of dev integer-count records, grouped by order.
// Records within each order must already be sorted as produced by
// iosrc.IntegerCountReader; Evaluate folds over orders ascending and,
// within an order, over each stream in its natural order, so repeated
// runs over the same inputs reproduce the same floating-point sum.
func Evaluate(model Model, devByOrder map[lm.Order][]lm.IntegerCount) (numDevWords uint64, totalLogLikelihood float64, derivs Derivs, err error) {
	derivs = newDerivs(model)
	var unigramCorrection float64

	for o := lm.Order(1); o <= model.MaxOrder; o++ {
		recs, ok := devByOrder[o]
		if !ok {
			continue
		}
		for _, rec := range recs {
			levels, lerr := model.resolve(o, rec.History, rec.Predicted)
			if lerr != nil {
				return 0, 0, Derivs{}, fmt.Errorf("eval: resolving dev record (order %d, history %v, predicted %v): %w", o, rec.History, rec.Predicted, lerr)
			}
			p := levels[0].prob
			if p <= 0 {
				return 0, 0, Derivs{}, fmt.Errorf("eval: non-positive probability %v for dev record (order %d, history %v, predicted %v)", p, o, rec.History, rec.Predicted)
			}
			n := float64(rec.Count)
			totalLogLikelihood += n * math.Log(p)
			numDevWords += rec.Count

			unigramCorrection += accumulate(derivs, levels, n/p)
		}
	}

	// Every unigram entry shares the same -g*prob/total correction term
	// from d(UnigramTotal)/d(Unigram[k])=1; apply it once here instead of
	// once per dev record touching the unigram level.
	if unigramCorrection != 0 {
		for k := range derivs.UnigramDeriv {
			derivs.UnigramDeriv[k] -= unigramCorrection
		}
	}

	return numDevWords, totalLogLikelihood, derivs, nil
}
