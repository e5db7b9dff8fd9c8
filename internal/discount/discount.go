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

// Package discount implements the per-order modified Kneser-Ney discounter
// of spec.md §4.2 (orders o > 1) and the closed-vocabulary unigram
// discounter of §4.3 (order 1).
package discount

import (
	"fmt"
	"sort"

	"ngramlm/internal/merge"
	"ngramlm/pkg/lm"
)

// Band reports which of the four piecewise discount bands a raw count c
// falls into, matching spec.md §4.2's thresholds at c=1,2,3.
func Band(c float64) int {
	switch {
	case c <= 1:
		return 1
	case c <= 2:
		return 2
	case c <= 3:
		return 3
	default:
		return 4
	}
}

// discountAmount returns the total mass subtracted from a raw count c
// under discount constants d, following the piecewise rule of spec.md
// §4.2. It is continuous in c across band boundaries but not smooth
// (Design Notes' documented open question): derivatives at a boundary are
// evaluated as the sum of band contributions from the left, i.e. using
// the band that contains c rather than the adjacent band.
func discountAmount(c float64, d lm.OrderDiscount) float64 {
	switch Band(c) {
	case 1:
		return d.D1 * c
	case 2:
		return d.D1 + d.D2*(c-1)
	case 3:
		return d.D1 + d.D2 + d.D3*(c-2)
	default:
		return d.D1 + d.D2 + d.D3 + d.D4*(c-3)
	}
}

// discountAmountDeriv returns d(discountAmount)/d(D1), d/d(D2), d/d(D3),
// d/d(D4), and d(discountAmount)/d(c), for the band containing c. Within a
// band, amt is affine in c with slope equal to that band's discount
// constant (amt = D1*c in band 1, amt = D1+D2*(c-1) in band 2, etc.), so
// d(amt)/dc is that band's D.
func discountAmountDeriv(c float64, band int, d lm.OrderDiscount) (dD1, dD2, dD3, dD4, dC float64) {
	switch band {
	case 1:
		return c, 0, 0, 0, d.D1
	case 2:
		return 1, c - 1, 0, 0, d.D2
	case 3:
		return 1, 1, c - 2, 0, d.D3
	default:
		return 1, 1, 1, c - 3, d.D4
	}
}

// Retained is one order-o float count record surviving discounting.
type Retained struct {
	History   lm.History
	Predicted lm.WordID
	Value     float64
	RawCount  float64 // the pre-discount merged value, needed by Backward
	Band      int
}

// Pushed is one discounted-mass contribution sent to the (order-1)
// suffix history.
type Pushed struct {
	History   lm.History // suffix history, length = len(original)-1
	Predicted lm.WordID
	Value     float64
}

// Result is the full forward output of Discount: the retained float
// counts at this order (already sorted by the merger's input order) and
// the discount stream for the lower order, aggregated and sorted by
// (suffix history, predicted) as spec.md §4.2 requires.
type Result struct {
	Retained []Retained
	Pushed   []Pushed
	// Protected holds every suffix history that received back-off mass:
	// spec.md I3 requires each to be marked protected at order o-1.
	Protected map[string]lm.History
}

func historyKey(h lm.History) string {
	b := make([]byte, 0, len(h)*5)
	for _, w := range h {
		b = append(b, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
		b = append(b, '|')
	}
	return string(b)
}

// Discount runs the forward discounting pass over merged records at order
// o (o > 1), given that order's four discount constants.
func Discount(records []merge.Record, d lm.OrderDiscount) (Result, error) {
	if !d.Valid() {
		return Result{}, fmt.Errorf("discount: infeasible discounts %+v", d)
	}

	res := Result{
		Retained:  make([]Retained, 0, len(records)),
		Protected: map[string]lm.History{},
	}

	type pushKey struct {
		hist string
		pred lm.WordID
	}
	pushed := map[pushKey]*Pushed{}

	for _, rec := range records {
		c := rec.Value
		amt := discountAmount(c, d)
		retained := c - amt
		band := Band(c)
		res.Retained = append(res.Retained, Retained{
			History:   rec.History,
			Predicted: rec.Predicted,
			Value:     retained,
			RawCount:  c,
			Band:      band,
		})

		if len(rec.History) == 0 {
			return Result{}, fmt.Errorf("discount: order > 1 record has empty history")
		}
		suffix := rec.History[1:]
		res.Protected[historyKey(suffix)] = suffix

		key := pushKey{hist: historyKey(suffix), pred: rec.Predicted}
		if p, ok := pushed[key]; ok {
			p.Value += amt
		} else {
			pushed[key] = &Pushed{History: suffix, Predicted: rec.Predicted, Value: amt}
		}
	}

	res.Pushed = make([]Pushed, 0, len(pushed))
	for _, p := range pushed {
		res.Pushed = append(res.Pushed, *p)
	}
	sort.Slice(res.Pushed, func(i, j int) bool {
		a, b := res.Pushed[i], res.Pushed[j]
		if !a.History.Equal(b.History) {
			return a.History.Less(b.History)
		}
		return a.Predicted < b.Predicted
	})

	return res, nil
}

// DerivIn is the backward input for Discount: per retained-order-o
// record, the upstream derivative of the objective w.r.t. its retained
// float count, and per pushed-to-lower-order record, the upstream
// derivative w.r.t. the pushed mass (as produced by the lower order's
// merge.Backward).
type DerivIn struct {
	RetainedDeriv []float64          // aligned with Result.Retained
	PushedDeriv   map[string]float64 // keyed by historyKey(suffix)+"\x00"+predicted, see pushedDerivKey
}

func pushedDerivKey(h lm.History, p lm.WordID) string {
	return historyKey(h) + "\x00" + historyKey(lm.History{p})
}

// PutPushedDeriv stores the upstream derivative for one pushed record; use
// with pushedDerivKey-compatible lookups built from Result.Pushed.
func (d *DerivIn) PutPushedDeriv(h lm.History, p lm.WordID, v float64) {
	if d.PushedDeriv == nil {
		d.PushedDeriv = map[string]float64{}
	}
	d.PushedDeriv[pushedDerivKey(h, p)] = v
}

// BackwardOut accumulates the derivative w.r.t. this order's four discount
// constants and, per original (pre-discount) record, the derivative to
// pass back to the merger at this order.
type BackwardOut struct {
	DDiscount     lm.OrderDiscount // gradient, reusing the struct shape as a 4-vector
	MergedDeriv   []float64        // aligned with the `records` Discount was called with
}

// Backward runs the backward pass of Discount. `records` and `retained`
// must be the same slices (in the same order) that were passed to / were
// returned by the matching forward Discount call. d must be the same
// discount constants used by that forward call.
func Backward(records []merge.Record, retained []Retained, in DerivIn, d lm.OrderDiscount) (BackwardOut, error) {
	if len(records) != len(retained) || len(retained) != len(in.RetainedDeriv) {
		return BackwardOut{}, fmt.Errorf("discount: backward: length mismatch records=%d retained=%d derivs=%d",
			len(records), len(retained), len(in.RetainedDeriv))
	}

	out := BackwardOut{MergedDeriv: make([]float64, len(records))}

	for i, rec := range records {
		ret := retained[i]
		dRetained := in.RetainedDeriv[i]

		if len(rec.History) == 0 {
			return BackwardOut{}, fmt.Errorf("discount: backward: order > 1 record has empty history")
		}
		suffix := rec.History[1:]
		dPushed := in.PushedDeriv[pushedDerivKey(suffix, rec.Predicted)]

		// retained = c - amt(c, D)  =>  d(retained)/dc = 1 - d(amt)/dc
		// amt is itself pushed downstream, so d(amt)/dc also matters via dPushed.
		dD1, dD2, dD3, dD4, dAmtDc := discountAmountDeriv(ret.RawCount, ret.Band, d)

		// Chain rule: upstream flows into amt from two places — the
		// explicit discount constants (D1..D4) and, through amt's
		// dependence on c, back into the merged count c.
		out.DDiscount.D1 += dRetained*(-dD1) + dPushed*dD1
		out.DDiscount.D2 += dRetained*(-dD2) + dPushed*dD2
		out.DDiscount.D3 += dRetained*(-dD3) + dPushed*dD3
		out.DDiscount.D4 += dRetained*(-dD4) + dPushed*dD4

		dC := dRetained*(1-dAmtDc) + dPushed*dAmtDc
		out.MergedDeriv[i] = dC
	}

	return out, nil
}
