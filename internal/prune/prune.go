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

// Package prune implements the entropy pruner of spec.md §4.7: a
// removal criterion over individual (history, predicted) n-gram entries,
// a protected-set-gated zero-removal sweep, and an E-M reestimation step,
// driven by a small step language {prune*f, EM} so a schedule like
// "prune*0.25 EM EM EM prune*0.5 EM EM EM" can be expressed as a plain
// string.
//
// Removal criterion. Removing one explicit entry (h, w) folds its mass
// into h's back-off weight; a history's raw total mass (Traw =
// Total/(1-BackoffWeight)) is unaffected, so every OTHER explicit word w'
// under h keeps its explicit share Counts[w']/Traw, while its interpolated
// back-off share BackoffWeight*P(w'|suffix) grows with the new weight. The
// criterion scores only the change in (h, w)'s own probability, in closed
// form and without re-running the evaluator, as its contribution to the
// dev-independent, training-weighted model log-likelihood. It ignores the
// shift in the other words' back-off shares and the cascading effect on
// ancestors that back off through h, the same locality classic entropy
// pruning (Stolcke 1998) relies on.
package prune

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"ngramlm/internal/eval"
	"ngramlm/internal/stats"
	"ngramlm/pkg/lm"
)

// StepKind distinguishes the two tokens of the pruning schedule language.
type StepKind int

const (
	StepPrune StepKind = iota
	StepEM
)

// Step is one token of a parsed schedule.
type Step struct {
	Kind   StepKind
	Factor float64 // threshold multiplier, meaningful only for StepPrune
}

// ParseSchedule parses a whitespace-separated schedule string such as
// "prune*0.25 EM EM EM prune*0.5 EM EM EM prune*1.0 EM EM EM".
func ParseSchedule(s string) ([]Step, error) {
	fields := strings.Fields(s)
	steps := make([]Step, 0, len(fields))
	for _, f := range fields {
		if strings.EqualFold(f, "EM") {
			steps = append(steps, Step{Kind: StepEM})
			continue
		}
		name, factorStr, ok := strings.Cut(f, "*")
		if !ok || !strings.EqualFold(name, "prune") {
			return nil, fmt.Errorf("prune: unrecognized schedule token %q", f)
		}
		factor, err := strconv.ParseFloat(factorStr, 64)
		if err != nil {
			return nil, fmt.Errorf("prune: bad prune factor in token %q: %w", f, err)
		}
		steps = append(steps, Step{Kind: StepPrune, Factor: factor})
	}
	return steps, nil
}

// candidateMetric scores removing the idx'th predicted word under
// history h at the given order, returning the absolute training-weighted
// log-likelihood change. ok is false when the entry carries no explicit
// mass to remove (already fully backed off).
func candidateMetric(model eval.Model, order lm.Order, h lm.History, st *lm.HistoryState, idx int) (metric float64, ok bool, err error) {
	total := st.Total
	bw := st.BackoffWeight
	if total <= 0 || bw >= 1 {
		return 0, false, nil
	}
	c := st.Counts[idx]
	w := st.Predicted[idx]
	traw := total / (1 - bw)

	newBW := bw + c/traw

	suffix := h[1:]
	pSuffix, err := model.Prob(order-1, suffix, w)
	if err != nil {
		return 0, false, fmt.Errorf("prune: scoring candidate (order %d, history %v, word %v): %w", order, h, w, err)
	}
	pBefore := c/total*(1-bw) + bw*pSuffix
	pAfter := newBW * pSuffix
	if pBefore <= 0 || pAfter <= 0 {
		return 0, false, nil
	}
	delta := math.Log(pAfter) - math.Log(pBefore)
	return math.Abs(delta) * c, true, nil
}

// ProtectedSet reports, per order, the history keys that are some
// higher-order history's BackoffTo target and therefore must not be
// entirely deleted by a zero-removal sweep (even if their own explicit
// mass has fallen to zero, they may still be addressed again once a
// later E-M pass redistributes mass).
func ProtectedSet(model eval.Model) map[lm.Order]map[string]bool {
	protected := map[lm.Order]map[string]bool{}
	for order, byHist := range model.States {
		if order <= 2 {
			continue
		}
		for _, st := range byHist {
			if st.BackoffWeight >= 1 {
				continue
			}
			below := order - 1
			if protected[below] == nil {
				protected[below] = map[string]bool{}
			}
			protected[below][eval.HistoryKey(st.BackoffTo)] = true
		}
	}
	return protected
}

// Result reports how many explicit entries and whole history states a
// PruneStep removed.
type Result struct {
	EntriesRemoved int
	HistoriesEmpty int
}

// PruneStep evaluates every explicit (history, predicted) candidate at
// order 2..model.MaxOrder against threshold under the ORIGINAL model (so
// the sweep is order-independent within itself, matching spec.md's "after
// all candidates are considered, recompute" framing), then applies every
// removal at once.
func PruneStep(model eval.Model, threshold float64, zeroRemoval bool) (Result, error) {
	var res Result
	type removal struct {
		order lm.Order
		key   string
		idx   int
	}
	var toRemove []removal

	for order := lm.Order(2); order <= model.MaxOrder; order++ {
		byHist := model.States[order]
		for key, st := range byHist {
			for idx := range st.Predicted {
				metric, ok, err := candidateMetric(model, order, st.History, st, idx)
				if err != nil {
					return Result{}, err
				}
				if ok && metric < threshold {
					toRemove = append(toRemove, removal{order: order, key: key, idx: idx})
				}
			}
		}
	}

	byHistIdx := map[lm.Order]map[string]map[int]bool{}
	for _, r := range toRemove {
		if byHistIdx[r.order] == nil {
			byHistIdx[r.order] = map[string]map[int]bool{}
		}
		if byHistIdx[r.order][r.key] == nil {
			byHistIdx[r.order][r.key] = map[int]bool{}
		}
		byHistIdx[r.order][r.key][r.idx] = true
	}

	for order, byKey := range byHistIdx {
		byHist := model.States[order]
		for key, idxSet := range byKey {
			st := byHist[key]
			traw := st.Total
			if st.BackoffWeight < 1 {
				traw = st.Total / (1 - st.BackoffWeight)
			}
			var removedMass float64
			predicted := make([]lm.WordID, 0, len(st.Predicted))
			counts := make([]float64, 0, len(st.Counts))
			for i, w := range st.Predicted {
				if idxSet[i] {
					removedMass += st.Counts[i]
					res.EntriesRemoved++
					continue
				}
				predicted = append(predicted, w)
				counts = append(counts, st.Counts[i])
			}
			st.Predicted = predicted
			st.Counts = counts
			st.Total -= removedMass
			if traw > 0 {
				st.BackoffWeight = 1 - st.Total/traw
			}
			if st.BackoffWeight < 0 {
				st.BackoffWeight = 0
			}
		}
	}

	if zeroRemoval {
		protected := ProtectedSet(model)
		for order, byHist := range model.States {
			if order < 2 {
				continue
			}
			for key, st := range byHist {
				if len(st.Predicted) == 0 && !protected[order][key] {
					delete(byHist, key)
					res.HistoriesEmpty++
				}
			}
		}
	}

	return res, nil
}

// EMStep reestimates every history state's explicit counts from freshly
// accumulated sufficient statistics (st), holding the state's topology
// (which words remain explicit) and raw total mass (Traw) fixed — the
// reestimation spec.md §4.7 calls for between pruning rounds, implemented
// as a closed-form update rather than a full rerun of the forward
// pipeline's merge/discount cascade, since pruning never changes which
// sources contributed mass, only which entries are allowed to stay
// explicit.
func EMStep(model eval.Model, st *stats.Store) {
	for order, byHist := range model.States {
		if order < 2 {
			continue
		}
		for _, hs := range byHist {
			if hs.BackoffWeight >= 1 || len(hs.Predicted) == 0 {
				continue
			}
			traw := hs.Total / (1 - hs.BackoffWeight)
			var sumNew float64
			newCounts := make([]float64, len(hs.Predicted))
			for i, w := range hs.Predicted {
				c := st.Get(order, hs.History, w)
				newCounts[i] = c
				sumNew += c
			}
			hs.Counts = newCounts
			hs.Total = sumNew
			if traw > 0 {
				hs.BackoffWeight = 1 - sumNew/traw
			}
			if hs.BackoffWeight < 0 {
				hs.BackoffWeight = 0
			}
		}
	}
}

// RunSchedule executes a parsed schedule against model in place, using
// finalThreshold*step.Factor as each prune step's threshold and rebuilding
// the sufficient-statistics store for the surviving topology before every
// E-M step.
func RunSchedule(model eval.Model, steps []Step, finalThreshold float64, zeroRemoval bool) ([]Result, error) {
	results := make([]Result, 0, len(steps))
	store := stats.FromModel(model)
	for _, s := range steps {
		switch s.Kind {
		case StepPrune:
			r, err := PruneStep(model, finalThreshold*s.Factor, zeroRemoval)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
			store.RebuildForTopology(model)
		case StepEM:
			EMStep(model, store)
			results = append(results, Result{})
		}
	}
	return results, nil
}
