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

// Package sizetarget implements the size-targeting controller of
// spec.md §4.8: given a caller-supplied "measure the pruned model's size
// at this threshold" function, it drives a log-log power-law model of
// size-vs-threshold, inverted in closed form for each next threshold, to
// land within tolerance of a target size, without requiring the caller to
// guess a threshold by hand.
package sizetarget

import (
	"fmt"
	"math"
)

// SizeFunc measures the model's entry count after pruning at threshold.
// Implementations typically run internal/prune.PruneStep against a fresh
// copy of the unpruned model and count surviving entries.
type SizeFunc func(threshold float64) (size int, err error)

// Point records one (threshold, observed size) measurement, plus the
// controller's state at the time it was taken.
type Point struct {
	Threshold            float64
	XObserved            float64
	XModeled             float64
	XIntermediateTarget  float64
	StartingStepIndex int
}

// Options configures the controller; zero values fall back to the
// defaults below.
type Options struct {
	Tolerance float64 // fractional tolerance on target size; default 0.02
	MaxIters  int     // hard stop; default 20
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = 0.02
	}
	if o.MaxIters <= 0 {
		o.MaxIters = 20
	}
	return o
}

// Controller drives the search for a threshold producing a model of
// approximately target entries.
type Controller struct {
	target   int
	opts     Options
	pPrev    float64 // exponent relating successive thresholds; starts 0.5, capped at 1
	pThr     float64 // exponent of the log-log size~threshold power law; starts -1
	history  []Point
}

// New creates a controller targeting the given entry count; the search's
// starting threshold is passed to Run.
func New(target int, opts Options) *Controller {
	return &Controller{
		target: target,
		opts:   opts.withDefaults(),
		pPrev:  0.5,
		pThr:   -1,
	}
}

// History returns every measurement taken so far, in order.
func (c *Controller) History() []Point { return c.history }

// modeledSize evaluates the log-log power-law model X(tau) anchored at the
// most recent measurement, with pThr as the slope; the slope is not fit
// from earlier measurements. Before any measurement it returns the target.
func (c *Controller) modeledSize(tau float64) float64 {
	if len(c.history) == 0 {
		return float64(c.target)
	}
	last := c.history[len(c.history)-1]
	if last.Threshold <= 0 || tau <= 0 {
		return last.XObserved
	}
	return last.XObserved * math.Pow(tau/last.Threshold, c.pThr)
}

// nextThreshold inverts modeledSize for a desired intermediate target
// size via the power law, then clamps the step ratio to [1, 4] (the
// binary-search bracket spec.md §4.8 specifies: tau in [tauCur, 4*tauCur]).
func (c *Controller) nextThreshold(tauCur, xIntermediateTarget float64) float64 {
	last := c.history[len(c.history)-1]
	if last.XObserved <= 0 || xIntermediateTarget <= 0 || c.pThr == 0 {
		return tauCur * 2
	}
	ratio := math.Pow(xIntermediateTarget/last.XObserved, 1/c.pThr)
	if ratio < 1 {
		ratio = 1
	}
	if ratio > 4 {
		ratio = 4
	}
	return tauCur * ratio
}

// intermediateTarget implements spec.md §4.8's three-case formula for how
// aggressively to step toward the target size on this iteration, based on
// how far the most recent observation is from it.
func (c *Controller) intermediateTarget(xCur float64) float64 {
	target := float64(c.target)
	switch {
	case xCur > 1.5*target:
		// Far overshoot: step by pPrev's exponent of the ratio, capped so a
		// single step never aims below a quarter of xCur.
		return xCur * math.Max(0.25, math.Pow(target/xCur, c.pPrev))
	case xCur > 1.15*target:
		return target * 1.1
	default:
		return target
	}
}

// Run drives the controller to convergence, calling measure at each
// candidate threshold. It returns the final (threshold, size) pair once
// size is within tolerance of target, or an error if maxIters is
// exhausted first.
func (c *Controller) Run(tauInitial float64, measure SizeFunc) (threshold float64, size int, err error) {
	tau := tauInitial
	tauInitialFixed := tauInitial

	for iter := 0; iter < c.opts.MaxIters; iter++ {
		x, merr := measure(tau)
		if merr != nil {
			return 0, 0, fmt.Errorf("sizetarget: measuring threshold %v: %w", tau, merr)
		}
		xObserved := float64(x)
		modeled := c.modeledSize(tau)
		target := float64(c.target)

		if math.Abs(xObserved-target) <= c.opts.Tolerance*target {
			c.history = append(c.history, Point{Threshold: tau, XObserved: xObserved, XModeled: modeled, XIntermediateTarget: target, StartingStepIndex: iter})
			return tau, x, nil
		}

		// Overshoot: pruned too aggressively on the very first attempt at
		// this run's initial threshold. Per spec.md §4.8, retry starting
		// from a quarter of the initial threshold instead of continuing the
		// power-law search from a degenerate point.
		if iter == 0 && tau == tauInitialFixed && xObserved < target {
			c.history = append(c.history, Point{Threshold: tau, XObserved: xObserved, XModeled: modeled, XIntermediateTarget: target, StartingStepIndex: iter})
			tau = tauInitialFixed / 4
			c.pThr *= 1.2
			continue
		}

		c.history = append(c.history, Point{Threshold: tau, XObserved: xObserved, XModeled: modeled, XIntermediateTarget: c.intermediateTarget(xObserved), StartingStepIndex: iter})

		if len(c.history) >= 2 {
			c.pPrev = math.Min(1, c.pPrev*1.05)
		}

		xTarget := c.intermediateTarget(xObserved)
		tau = c.nextThreshold(tau, xTarget)
	}

	return 0, 0, fmt.Errorf("sizetarget: exceeded %d iterations without reaching target %d within tolerance; raise the initial threshold and retry", c.opts.MaxIters, c.target)
}
