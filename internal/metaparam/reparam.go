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

// Package metaparam implements the unconstrained reparameterization of
// lm.Metaparameters used by the BFGS optimizer, and the (de)serialization
// of metaparameters and inverse-Hessian files described in spec.md §6.
//
// The reparameterization moves optimization from the constrained feasible
// region (scales in (0,1), per-order discounts strictly ordered
// 1 > D1 > D2 > D3 > D4 > 0) to unconstrained R^d, guaranteeing feasibility
// by construction so the optimizer never has to reject a step.
package metaparam

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"ngramlm/pkg/lm"
)

// sigmoid is the logistic function used by both the scale and discount
// reparameterizations.
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// sigmoidInverse is the logit function, the left inverse of sigmoid on
// (0,1).
func sigmoidInverse(y float64) float64 {
	return math.Log(y / (1 - y))
}

// ToConstrained maps an unconstrained vector x of length m.Dim() to a
// feasible lm.Metaparameters with the given shape. Layout: the first
// NumSources entries are per-source scale pre-images; the remaining
// entries are grouped in fours per order, order 2 first.
func ToConstrained(x []float64, numSources lm.SourceID, maxOrder lm.Order) lm.Metaparameters {
	m := lm.Metaparameters{NumSources: numSources, MaxOrder: maxOrder}
	m.Scale = make([]float64, numSources)
	for n := 0; n < int(numSources); n++ {
		m.Scale[n] = sigmoid(x[n])
	}
	m.Discount = make([]lm.OrderDiscount, maxOrder-1)
	off := int(numSources)
	for o := 0; o < int(maxOrder)-1; o++ {
		s1 := sigmoid(x[off+4*o+0])
		s2 := sigmoid(x[off+4*o+1])
		s3 := sigmoid(x[off+4*o+2])
		s4 := sigmoid(x[off+4*o+3])
		m.Discount[o] = lm.OrderDiscount{
			D1: s1,
			D2: s1 * s2,
			D3: s1 * s2 * s3,
			D4: s1 * s2 * s3 * s4,
		}
	}
	return m
}

// ToUnconstrained maps feasible metaparameters back to the unconstrained
// domain. It is the approximate left inverse of ToConstrained: composing
// the two is the identity on the interior of the feasible region (spec.md
// property P6).
func ToUnconstrained(m lm.Metaparameters) []float64 {
	x := make([]float64, m.Dim())
	for n, s := range m.Scale {
		x[n] = sigmoidInverse(s)
	}
	off := int(m.NumSources)
	for o, d := range m.Discount {
		s1 := d.D1
		s2 := d.D2 / d.D1
		s3 := d.D3 / d.D2
		s4 := d.D4 / d.D3
		x[off+4*o+0] = sigmoidInverse(s1)
		x[off+4*o+1] = sigmoidInverse(s2)
		x[off+4*o+2] = sigmoidInverse(s3)
		x[off+4*o+3] = sigmoidInverse(s4)
	}
	return x
}

// ChainRule holds d(constrained)/d(unconstrained) for a single scale or a
// single order's four discounts, so the backward pass (internal/optimize)
// can convert d L / d (scale, D1..D4) into d L / d x without re-deriving
// the sigmoid algebra at every call site.
type ChainRule struct{}

// ScaleGrad returns d(scale)/d(x) for a single source's pre-image x given
// the already-computed scale = sigmoid(x).
func (ChainRule) ScaleGrad(scale float64) float64 {
	return scale * (1 - scale)
}

// DiscountGrad returns the 4x4 Jacobian d(D1..D4)/d(x1..x4) for one
// order's four discount pre-images, given the already-computed sigmoids
// s1..s4 (so D1=s1, D2=s1 s2, D3=s1 s2 s3, D4=s1 s2 s3 s4).
//
// Returned as row-major [4][4]float64 where row i is d(D_{i+1})/d(x1..x4).
func (ChainRule) DiscountGrad(s1, s2, s3, s4 float64) [4][4]float64 {
	ds1 := s1 * (1 - s1)
	ds2 := s2 * (1 - s2)
	ds3 := s3 * (1 - s3)
	ds4 := s4 * (1 - s4)

	var j [4][4]float64
	// D1 = s1
	j[0][0] = ds1
	// D2 = s1*s2
	j[1][0] = ds1 * s2
	j[1][1] = s1 * ds2
	// D3 = s1*s2*s3
	j[2][0] = ds1 * s2 * s3
	j[2][1] = s1 * ds2 * s3
	j[2][2] = s1 * s2 * ds3
	// D4 = s1*s2*s3*s4
	j[3][0] = ds1 * s2 * s3 * s4
	j[3][1] = s1 * ds2 * s3 * s4
	j[3][2] = s1 * s2 * ds3 * s4
	j[3][3] = s1 * s2 * s3 * ds4
	return j
}

// WriteMetaparameters serializes m in the ASCII "name value" format of
// spec.md §6: count_scale_1..count_scale_K, then for o=2..N,
// order_o_D1..order_o_D4, one per line, 15 decimal digits, flooring
// near-zero values so the reparameterization never has to invert exactly
// 0 or 1.
func WriteMetaparameters(w io.Writer, m lm.Metaparameters) error {
	bw := bufio.NewWriter(w)
	floor := func(v float64) float64 {
		const eps = 1e-12
		if v < eps {
			return eps
		}
		if v > 1-eps {
			return 1 - eps
		}
		return v
	}
	for n, s := range m.Scale {
		if _, err := fmt.Fprintf(bw, "count_scale_%d %.15f\n", n+1, floor(s)); err != nil {
			return err
		}
	}
	for i, d := range m.Discount {
		o := i + 2
		vals := []struct {
			name string
			v    float64
		}{
			{"D1", d.D1}, {"D2", d.D2}, {"D3", d.D3}, {"D4", d.D4},
		}
		for _, v := range vals {
			if _, err := fmt.Fprintf(bw, "order_%d_%s %.15f\n", o, v.name, floor(v.v)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadMetaparameters parses the format written by WriteMetaparameters. The
// number of sources and the max order are inferred from how many
// count_scale_ and order_*_D* lines are present.
func ReadMetaparameters(r io.Reader) (lm.Metaparameters, error) {
	scanner := bufio.NewScanner(r)
	values := map[string]float64{}
	var order []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return lm.Metaparameters{}, fmt.Errorf("metaparam: malformed line %q: expected 2 fields, got %d", line, len(fields))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return lm.Metaparameters{}, fmt.Errorf("metaparam: malformed value in line %q: %w", line, err)
		}
		values[fields[0]] = v
		order = append(order, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return lm.Metaparameters{}, err
	}

	var numSources lm.SourceID
	for {
		key := fmt.Sprintf("count_scale_%d", numSources+1)
		if _, ok := values[key]; !ok {
			break
		}
		numSources++
	}
	if numSources == 0 {
		return lm.Metaparameters{}, fmt.Errorf("metaparam: no count_scale_ entries found")
	}

	maxOrder := lm.Order(1)
	for {
		key := fmt.Sprintf("order_%d_D1", maxOrder+1)
		if _, ok := values[key]; !ok {
			break
		}
		maxOrder++
	}

	m := lm.Metaparameters{NumSources: numSources, MaxOrder: maxOrder}
	m.Scale = make([]float64, numSources)
	for n := 0; n < int(numSources); n++ {
		m.Scale[n] = values[fmt.Sprintf("count_scale_%d", n+1)]
	}
	m.Discount = make([]lm.OrderDiscount, maxOrder-1)
	for i := range m.Discount {
		o := i + 2
		get := func(name string) (float64, error) {
			key := fmt.Sprintf("order_%d_%s", o, name)
			v, ok := values[key]
			if !ok {
				return 0, fmt.Errorf("metaparam: missing field %q", key)
			}
			return v, nil
		}
		d1, err := get("D1")
		if err != nil {
			return lm.Metaparameters{}, err
		}
		d2, err := get("D2")
		if err != nil {
			return lm.Metaparameters{}, err
		}
		d3, err := get("D3")
		if err != nil {
			return lm.Metaparameters{}, err
		}
		d4, err := get("D4")
		if err != nil {
			return lm.Metaparameters{}, err
		}
		m.Discount[i] = lm.OrderDiscount{D1: d1, D2: d2, D3: d3, D4: d4}
	}
	if err := m.Validate(); err != nil {
		return lm.Metaparameters{}, fmt.Errorf("metaparam: %w", err)
	}
	return m, nil
}

// WriteInverseHessian writes a d x d matrix in row-major ASCII order (d =
// K + 4*(N-1)), matching spec.md §6's inverse Hessian file format.
func WriteInverseHessian(w io.Writer, h [][]float64) error {
	bw := bufio.NewWriter(w)
	for _, row := range h {
		for i, v := range row {
			if i > 0 {
				if _, err := bw.WriteString(" "); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(bw, "%.15f", v); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString("\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadInverseHessian parses the format written by WriteInverseHessian and
// validates the matrix is square with dimension d.
func ReadInverseHessian(r io.Reader, d int) ([][]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	h := make([][]float64, 0, d)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != d {
			return nil, fmt.Errorf("metaparam: inverse Hessian row %d has %d entries, want %d", len(h), len(fields), d)
		}
		row := make([]float64, d)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("metaparam: inverse Hessian row %d col %d: %w", len(h), i, err)
			}
			row[i] = v
		}
		h = append(h, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(h) != d {
		return nil, fmt.Errorf("metaparam: inverse Hessian has %d rows, want %d (dimension mismatch on warm start)", len(h), d)
	}
	return h, nil
}

// WriteVector writes a flat float64 vector as one ASCII line, used for
// checkpointing the optimizer's unconstrained parameter vector alongside
// its inverse Hessian.
func WriteVector(w io.Writer, v []float64) error {
	bw := bufio.NewWriter(w)
	for i, x := range v {
		if i > 0 {
			if _, err := bw.WriteString(" "); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, "%.15f", x); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadVector parses the format written by WriteVector, validating the
// vector has exactly dim entries.
func ReadVector(r io.Reader, dim int) ([]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("metaparam: vector line missing")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != dim {
		return nil, fmt.Errorf("metaparam: vector has %d entries, want %d", len(fields), dim)
	}
	v := make([]float64, dim)
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("metaparam: vector entry %d: %w", i, err)
		}
		v[i] = x
	}
	return v, nil
}
