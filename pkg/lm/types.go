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

// Package lm defines the stable, dependency-light data types shared by every
// stage of the n-gram language model estimation pipeline: word ids, integer
// and float n-gram count records, history states, and metaparameters.
//
// Types in this package carry no behavior beyond ordering and validation;
// the merge, discount, eval, optimize and prune packages operate on them.
package lm

import "fmt"

// WordID identifies a vocabulary entry. Id 0 ("epsilon") never appears in
// data. Ids 1, 2, 3 are reserved for BOS, EOS and UNK respectively.
type WordID uint32

const (
	Epsilon WordID = 0
	BOS     WordID = 1
	EOS     WordID = 2
	UNK     WordID = 3
)

// Order is an n-gram order, 1-based (unigram = 1).
type Order int

// SourceID identifies a training source, 1-based.
type SourceID int

// History is an ordered sequence of word ids forming the conditioning
// context of an n-gram. len(History) == int(order) - 1.
type History []WordID

// Equal reports whether two histories contain the same word ids in the
// same order.
func (h History) Equal(other History) bool {
	if len(h) != len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

// Less implements the canonical lexicographic ordering over histories used
// by every sorted record stream (spec invariant: strictly sorted, no
// duplicate (history, predicted) within one file).
func (h History) Less(other History) bool {
	n := len(h)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return len(h) < len(other)
}

// IntegerCount is one record of an integer-count stream: a raw observed
// count of `predicted` following `History`, contributed by a single
// training source at a fixed order.
type IntegerCount struct {
	History   History
	Predicted WordID
	Count     uint64
}

// FloatCount is one n-gram record of the estimated model: the retained
// explicit mass for (History, Predicted) after discounting. It carries no
// back-off weight; that is HistoryState.BackoffWeight.
type FloatCount struct {
	History   History
	Predicted WordID
	Count     float64
}

// HistoryState is the canonical in-memory representation of one history's
// n-gram distribution: every (predicted, float count) pair sharing that
// history, plus the aggregate total and the back-off link to the
// (order-1)-length suffix history that receives the undistributed mass.
//
// Predicted entries must be kept sorted ascending by WordID; this is the
// "predicted ascending" half of the canonical ordering in spec.md's data
// model.
type HistoryState struct {
	History      History
	Order        Order
	Predicted    []WordID
	Counts       []float64
	Total        float64
	BackoffTo    History // suffix history receiving the back-off mass
	BackoffWeight float64
}

// Validate checks the structural invariants of a HistoryState: Predicted
// and Counts are the same length, Predicted is strictly ascending, and no
// count is negative.
func (hs *HistoryState) Validate() error {
	if len(hs.Predicted) != len(hs.Counts) {
		return fmt.Errorf("lm: history state %v has %d predicted words but %d counts", hs.History, len(hs.Predicted), len(hs.Counts))
	}
	for i, c := range hs.Counts {
		if c < 0 {
			return fmt.Errorf("lm: history state %v has negative float count %v for predicted word %v", hs.History, c, hs.Predicted[i])
		}
	}
	for i := 1; i < len(hs.Predicted); i++ {
		if hs.Predicted[i-1] >= hs.Predicted[i] {
			return fmt.Errorf("lm: history state %v predicted words not strictly ascending at index %d (%v >= %v)", hs.History, i, hs.Predicted[i-1], hs.Predicted[i])
		}
	}
	return nil
}

// Metaparameters holds the free variables of the estimation: per-source
// count scales and, for each order 2..N, the four modified Kneser-Ney
// discount constants. All fields are stored in their constrained
// (feasible-region) form; see internal/metaparam for the unconstrained
// reparameterization used by the optimizer.
type Metaparameters struct {
	NumSources SourceID
	MaxOrder   Order
	Scale      []float64     // len == NumSources, each in (0,1)
	Discount   []OrderDiscount // len == MaxOrder-1, indexed by order-2
}

// OrderDiscount holds the four modified Kneser-Ney discount constants for
// one order o >= 2. Feasibility requires 1 > D1 > D2 > D3 > D4 > 0.
type OrderDiscount struct {
	D1, D2, D3, D4 float64
}

// Valid reports whether d satisfies the strict-ordering feasibility
// invariant (spec.md I4 / §7 InfeasibleMetaparameters).
func (d OrderDiscount) Valid() bool {
	return 1 > d.D1 && d.D1 > d.D2 && d.D2 > d.D3 && d.D3 > d.D4 && d.D4 > 0
}

// Dim returns the dimension of the unconstrained optimization vector this
// set of metaparameters maps to: one scale per source plus four discounts
// per order above 1.
func (m Metaparameters) Dim() int {
	return int(m.NumSources) + 4*(int(m.MaxOrder)-1)
}

// Validate checks every scale is in (0,1) and every order's discounts
// satisfy the strict ordering invariant.
func (m Metaparameters) Validate() error {
	if len(m.Scale) != int(m.NumSources) {
		return fmt.Errorf("lm: expected %d source scales, got %d", m.NumSources, len(m.Scale))
	}
	for i, s := range m.Scale {
		if s <= 0 || s >= 1 {
			return fmt.Errorf("lm: source scale %d out of (0,1): %v", i+1, s)
		}
	}
	if len(m.Discount) != int(m.MaxOrder)-1 {
		return fmt.Errorf("lm: expected %d discount orders, got %d", int(m.MaxOrder)-1, len(m.Discount))
	}
	for i, d := range m.Discount {
		if !d.Valid() {
			return fmt.Errorf("lm: order %d discounts infeasible: %+v", i+2, d)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (m Metaparameters) Clone() Metaparameters {
	out := m
	out.Scale = append([]float64(nil), m.Scale...)
	out.Discount = append([]OrderDiscount(nil), m.Discount...)
	return out
}
