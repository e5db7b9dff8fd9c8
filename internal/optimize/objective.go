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

package optimize

import (
	"fmt"

	"ngramlm/internal/eval"
	"ngramlm/internal/merge"
	"ngramlm/internal/metaparam"
	"ngramlm/internal/pipeline"
	"ngramlm/pkg/lm"
)

// SourceOpener reopens one training source's integer-count stream for a
// given order; the forward pipeline re-walks every source from scratch on
// each objective evaluation, so this is called once per evaluation rather
// than once per run.
type SourceOpener func() (merge.IntegerCountIterator, error)

// Source is one training source's contribution to a single order.
type Source struct {
	ID    lm.SourceID
	Open  SourceOpener
	Order lm.Order
}

// DevSet supplies the held-out integer counts the evaluator scores
// against, grouped by order.
type DevSet interface {
	DevCounts() (map[lm.Order][]lm.IntegerCount, error)
}

// NewObjective builds an optimize.Func that runs the full forward
// pipeline, scores it against dev, and runs the full backward pipeline to
// recover the gradient in unconstrained (x) coordinates — the function
// BFGS minimizes per spec.md §4.6, wired to §4.1-§4.5. numShards partitions
// each forward pass per spec.md §4.5's Parallelism note (internal/pipeline's
// ShardedForward); numShards <= 1 runs a single unsharded pass.
func NewObjective(sources []Source, dev DevSet, numSources lm.SourceID, maxOrder lm.Order, numWords int, numShards int) Func {
	return func(x []float64) (float64, []float64, error) {
		meta := metaparam.ToConstrained(x, numSources, maxOrder)
		if err := meta.Validate(); err != nil {
			return 0, nil, fmt.Errorf("optimize: objective: %w", err)
		}

		byOrder := map[lm.Order][]merge.SourceInput{}
		for _, s := range sources {
			it, err := s.Open()
			if err != nil {
				return 0, nil, fmt.Errorf("optimize: objective: opening source %d order %d: %w", s.ID, s.Order, err)
			}
			if int(s.ID) < 1 || int(s.ID) > int(numSources) {
				return 0, nil, fmt.Errorf("optimize: objective: source id %d out of range [1,%d]", s.ID, numSources)
			}
			byOrder[s.Order] = append(byOrder[s.Order], merge.SourceInput{
				Source: s.ID,
				Scale:  meta.Scale[s.ID-1],
				Counts: it,
			})
		}

		model, inter, err := pipeline.ShardedForward(byOrder, meta, numWords, numShards)
		if err != nil {
			return 0, nil, fmt.Errorf("optimize: objective: forward: %w", err)
		}

		devCounts, err := dev.DevCounts()
		if err != nil {
			return 0, nil, fmt.Errorf("optimize: objective: dev counts: %w", err)
		}
		numDevWords, logLikelihood, derivs, err := eval.Evaluate(model, devCounts)
		if err != nil {
			return 0, nil, fmt.Errorf("optimize: objective: evaluate: %w", err)
		}
		if numDevWords == 0 {
			return 0, nil, fmt.Errorf("optimize: objective: empty dev set")
		}

		scaleGrad, discGrad, err := pipeline.Backward(inter, meta, derivs)
		if err != nil {
			return 0, nil, fmt.Errorf("optimize: objective: backward: %w", err)
		}

		grad := gradToUnconstrained(meta, scaleGrad, discGrad)

		// BFGS minimizes normalized negative log-likelihood per dev word,
		// matching spec.md §4.4/§4.6.
		objective := -logLikelihood / float64(numDevWords)
		for i := range grad {
			grad[i] = -grad[i] / float64(numDevWords)
		}
		return objective, grad, nil
	}
}

// gradToUnconstrained applies the reparameterization's chain rule
// (internal/metaparam) to convert constrained-space derivatives (w.r.t.
// scale[n] and D1..D4 per order) into the unconstrained x the optimizer
// actually walks.
func gradToUnconstrained(meta lm.Metaparameters, scaleGrad []float64, discGrad pipeline.DiscountGradients) []float64 {
	chain := metaparam.ChainRule{}
	grad := make([]float64, meta.Dim())

	for n := 0; n < int(meta.NumSources); n++ {
		grad[n] = scaleGrad[n] * chain.ScaleGrad(meta.Scale[n])
	}

	offset := int(meta.NumSources)
	for oi, d := range meta.Discount {
		order := lm.Order(oi + 2)
		g := discGrad[order]

		s1 := d.D1
		var s2, s3, s4 float64
		if d.D1 != 0 {
			s2 = d.D2 / d.D1
		}
		if d.D2 != 0 {
			s3 = d.D3 / d.D2
		}
		if d.D3 != 0 {
			s4 = d.D4 / d.D3
		}
		jac := chain.DiscountGrad(s1, s2, s3, s4)
		for row := 0; row < 4; row++ {
			grad[offset+row] = g.D1*jac[0][row] + g.D2*jac[1][row] + g.D3*jac[2][row] + g.D4*jac[3][row]
		}
		offset += 4
	}

	return grad
}
