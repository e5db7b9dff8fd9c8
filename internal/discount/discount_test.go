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

package discount

import (
	"math"
	"testing"

	"ngramlm/internal/merge"
	"ngramlm/pkg/lm"
)

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		c    float64
		want int
	}{
		{0.5, 1}, {1, 1}, {1.5, 2}, {2, 2}, {2.5, 3}, {3, 3}, {3.5, 4}, {100, 4},
	}
	for _, tc := range cases {
		if got := Band(tc.c); got != tc.want {
			t.Errorf("Band(%v) = %d, want %d", tc.c, got, tc.want)
		}
	}
}

func TestDiscountAmountContinuousAtBoundaries(t *testing.T) {
	d := lm.OrderDiscount{D1: 0.6, D2: 0.4, D3: 0.3, D4: 0.1}
	boundaries := []float64{1, 2, 3}
	for _, b := range boundaries {
		left := discountAmount(b, d)
		right := discountAmount(b+1e-9, d)
		if math.Abs(left-right) > 1e-6 {
			t.Errorf("discountAmount discontinuous at c=%v: left=%v right=%v", b, left, right)
		}
	}
}

func TestDiscountRetainsLessThanRaw(t *testing.T) {
	d := lm.OrderDiscount{D1: 0.6, D2: 0.4, D3: 0.3, D4: 0.1}
	records := []merge.Record{
		{History: lm.History{10}, Predicted: 1, Value: 5},
		{History: lm.History{10}, Predicted: 2, Value: 1},
	}
	res, err := Discount(records, d)
	if err != nil {
		t.Fatalf("Discount: %v", err)
	}
	if len(res.Retained) != 2 {
		t.Fatalf("expected 2 retained records, got %d", len(res.Retained))
	}
	for i, r := range res.Retained {
		if r.Value >= records[i].Value {
			t.Errorf("retained[%d].Value = %v, want strictly less than raw %v", i, r.Value, records[i].Value)
		}
		if r.Value < 0 {
			t.Errorf("retained[%d].Value = %v, want non-negative", i, r.Value)
		}
	}
	if len(res.Pushed) != 2 {
		t.Fatalf("expected 2 pushed records (one per predicted word), got %d", len(res.Pushed))
	}
	if _, ok := res.Protected[historyKey(lm.History{})]; !ok {
		t.Errorf("expected the empty suffix history to be protected")
	}
}

func TestDiscountRejectsInfeasibleConstants(t *testing.T) {
	d := lm.OrderDiscount{D1: 0.1, D2: 0.2, D3: 0.3, D4: 0.4} // not strictly decreasing
	if _, err := Discount(nil, d); err == nil {
		t.Fatalf("expected error for infeasible discount constants")
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	d := lm.OrderDiscount{D1: 0.6, D2: 0.4, D3: 0.3, D4: 0.1}
	records := []merge.Record{
		{History: lm.History{10}, Predicted: 1, Value: 5},
	}
	res, err := Discount(records, d)
	if err != nil {
		t.Fatalf("Discount: %v", err)
	}

	in := DerivIn{RetainedDeriv: []float64{1}}
	out, err := Backward(records, res.Retained, in, d)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	const eps = 1e-6
	dPlus := d
	dPlus.D1 += eps
	resPlus, err := Discount(records, dPlus)
	if err != nil {
		t.Fatalf("Discount (perturbed): %v", err)
	}
	numeric := (resPlus.Retained[0].Value - res.Retained[0].Value) / eps
	if math.Abs(numeric-out.DDiscount.D1) > 1e-3 {
		t.Errorf("dRetained/dD1: numeric=%v analytic=%v", numeric, out.DDiscount.D1)
	}
}

// TestBackwardMergedDerivMatchesFiniteDifference checks d(retained)/dc
// (MergedDeriv under a pure RetainedDeriv upstream gradient) against a
// central difference on the raw merged count c, in each of the four
// discount bands.
func TestBackwardMergedDerivMatchesFiniteDifference(t *testing.T) {
	d := lm.OrderDiscount{D1: 0.6, D2: 0.4, D3: 0.3, D4: 0.1}
	const eps = 1e-6
	for _, c := range []float64{0.5, 1.5, 2.5, 5} {
		records := []merge.Record{{History: lm.History{10}, Predicted: 1, Value: c}}
		res, err := Discount(records, d)
		if err != nil {
			t.Fatalf("Discount: %v", err)
		}
		out, err := Backward(records, res.Retained, DerivIn{RetainedDeriv: []float64{1}}, d)
		if err != nil {
			t.Fatalf("Backward: %v", err)
		}

		plus, err := Discount([]merge.Record{{History: lm.History{10}, Predicted: 1, Value: c + eps}}, d)
		if err != nil {
			t.Fatalf("Discount (c+eps): %v", err)
		}
		minus, err := Discount([]merge.Record{{History: lm.History{10}, Predicted: 1, Value: c - eps}}, d)
		if err != nil {
			t.Fatalf("Discount (c-eps): %v", err)
		}
		numeric := (plus.Retained[0].Value - minus.Retained[0].Value) / (2 * eps)
		if math.Abs(numeric-out.MergedDeriv[0]) > 1e-3 {
			t.Errorf("c=%v: dRetained/dc numeric=%v analytic=%v", c, numeric, out.MergedDeriv[0])
		}
	}
}

// TestBackwardMergedDerivIncludesPushedChannel checks that MergedDeriv
// correctly blends a non-zero upstream PushedDeriv via the c-dependence
// of amt, not just RetainedDeriv.
func TestBackwardMergedDerivIncludesPushedChannel(t *testing.T) {
	d := lm.OrderDiscount{D1: 0.6, D2: 0.4, D3: 0.3, D4: 0.1}
	records := []merge.Record{{History: lm.History{10}, Predicted: 1, Value: 1.5}} // band 2
	res, err := Discount(records, d)
	if err != nil {
		t.Fatalf("Discount: %v", err)
	}
	in := DerivIn{RetainedDeriv: []float64{0}}
	in.PutPushedDeriv(lm.History{}, 1, 1)
	out, err := Backward(records, res.Retained, in, d)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	// Band 2: d(amt)/dc = D2, so with dRetained=0, dPushed=1, dC should equal D2.
	if math.Abs(out.MergedDeriv[0]-d.D2) > 1e-9 {
		t.Errorf("MergedDeriv = %v, want d.D2 = %v", out.MergedDeriv[0], d.D2)
	}
}
