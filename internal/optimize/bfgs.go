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

// Package optimize implements the constrained BFGS outer loop of
// spec.md §4.6: standard BFGS (Nocedal & Wright, ch. 6) with the
// two-step strong-Wolfe line search (Alg. 3.5-3.6), running over the
// unconstrained reparameterization in internal/metaparam so every point
// in R^d is feasible by construction.
//
// There is no third-party linear-algebra dependency here: the
// optimization vector is a handful of per-source scales plus four
// discounts per order, rarely more than a few dozen dimensions, so the
// vector/matrix arithmetic BFGS needs (dot products, outer products, a
// dense inverse-Hessian update) is cheaper to hand-roll than to pull in
// a general-purpose matrix library for.
package optimize

import (
	"fmt"
	"log"
	"math"
)

// Func evaluates the objective and its gradient at x.
type Func func(x []float64) (value float64, grad []float64, err error)

// Options configures one BFGS run.
type Options struct {
	GradientTolerance         float64 // default 1.25e-4
	ProgressTolerance         float64
	ProgressToleranceNumIters int // default 3
	InitInvHessian            [][]float64
	Verbose                   bool
}

// DefaultOptions returns the spec.md §4.6 defaults.
func DefaultOptions() Options {
	return Options{
		GradientTolerance:         1.25e-4,
		ProgressTolerance:         1.0e-6,
		ProgressToleranceNumIters: 3,
	}
}

// Result is the outcome of a Minimize call.
type Result struct {
	X          []float64
	Value      float64
	Grad       []float64
	InvHessian [][]float64
	Iterations int
	Restarts   int
}

type cachedEval struct {
	x     []float64
	value float64
	grad  []float64
}

type bfgs struct {
	dim  int
	f    Func
	opts Options

	c1, c2 float64

	x     [][]float64
	value []float64
	deriv [][]float64

	invHessian [][]float64
	p          []float64

	numRestarts int
	cache       []cachedEval
}

// Minimize runs BFGS from x0 to convergence, per the termination rule of
// spec.md §4.6: gradient norm below tolerance, OR amortized objective
// progress over the last ProgressToleranceNumIters iterations below
// ProgressTolerance, OR a second restart (after a failed line search or a
// failed curvature condition; the two restarts need not be consecutive).
func Minimize(x0 []float64, f Func, opts Options) (Result, error) {
	if opts.ProgressToleranceNumIters <= 0 {
		opts.ProgressToleranceNumIters = 3
	}
	b := &bfgs{
		dim:  len(x0),
		f:    f,
		opts: opts,
		c1:   1.0e-4,
		c2:   0.9,
	}
	if opts.InitInvHessian != nil {
		if len(opts.InitInvHessian) != b.dim {
			return Result{}, fmt.Errorf("optimize: warm-start inverse Hessian has dimension %d, want %d", len(opts.InitInvHessian), b.dim)
		}
		b.invHessian = cloneMatrix(opts.InitInvHessian)
	} else {
		b.invHessian = identity(b.dim)
	}

	value0, deriv0, err := b.valueAndDeriv(x0)
	if err != nil {
		return Result{}, fmt.Errorf("optimize: initial point: %w", err)
	}
	b.x = [][]float64{append([]float64(nil), x0...)}
	b.value = []float64{value0}
	b.deriv = [][]float64{deriv0}

	if opts.Verbose {
		log.Printf("optimize: iteration 0, value=%.6f grad-norm=%.6f", value0, norm(deriv0))
	}

	for !b.converged() {
		if err := b.iterate(); err != nil {
			return Result{}, err
		}
	}

	return Result{
		X:          b.x[len(b.x)-1],
		Value:      b.value[len(b.value)-1],
		Grad:       b.deriv[len(b.deriv)-1],
		InvHessian: b.invHessian,
		Iterations: len(b.x) - 1,
		Restarts:   b.numRestarts,
	}, nil
}

func (b *bfgs) converged() bool {
	g := b.deriv[len(b.deriv)-1]
	if norm(g) < b.opts.GradientTolerance {
		if b.opts.Verbose {
			log.Printf("optimize: converged on iteration %d, grad-norm %.6f < tolerance %.6f", len(b.x)-1, norm(g), b.opts.GradientTolerance)
		}
		return true
	}
	if b.numRestarts > 1 {
		if b.opts.Verbose {
			log.Printf("optimize: restarted twice, declaring convergence to avoid a loop")
		}
		return true
	}
	n := b.opts.ProgressToleranceNumIters
	if len(b.x) > n {
		cur := b.value[len(b.value)-1]
		prev := b.value[len(b.value)-1-n]
		amortized := (prev - cur) / float64(n)
		if amortized < b.opts.ProgressTolerance {
			if b.opts.Verbose {
				log.Printf("optimize: converged on iteration %d, amortized progress %.8f < tolerance %.8f", len(b.x)-1, amortized, b.opts.ProgressTolerance)
			}
			return true
		}
	}
	return false
}

func (b *bfgs) iterate() error {
	cur := b.deriv[len(b.deriv)-1]
	b.p = negMatVec(b.invHessian, cur)

	alpha, err := b.lineSearch()
	if err != nil {
		return fmt.Errorf("optimize: line search: %w", err)
	}
	if alpha == nil {
		log.Printf("optimize: restarting with unit inverse Hessian; line search failed")
		b.invHessian = identity(b.dim)
		b.numRestarts++
		return nil
	}

	curX := b.x[len(b.x)-1]
	nextX := addScaled(curX, b.p, *alpha)
	nextValue, nextDeriv, err := b.valueAndDeriv(nextX)
	if err != nil {
		return fmt.Errorf("optimize: evaluating next point: %w", err)
	}
	if b.opts.Verbose {
		log.Printf("optimize: iteration %d, value=%.6f grad-norm=%.6f", len(b.x), nextValue, norm(nextDeriv))
	}

	sK := scale(b.p, *alpha)
	yK := sub(nextDeriv, cur)
	b.x = append(b.x, nextX)
	b.value = append(b.value, nextValue)
	b.deriv = append(b.deriv, nextDeriv)

	ysDot := dot(sK, yK)
	if ysDot <= 0 {
		log.Printf("optimize: restarting with unit inverse Hessian; curvature condition failed")
		b.invHessian = identity(b.dim)
		b.numRestarts++
		return nil
	}
	rho := 1.0 / ysDot

	// BFGS inverse-Hessian update, eq. 6.17 in Nocedal & Wright:
	//   H_{k+1} = H_k + (rho^2)(s.s)(ys + y.H.y) - rho(z.s^T + s.z^T),  z = H_k y
	z := matVec(b.invHessian, yK)
	yHz := dot(yK, z)
	for i := 0; i < b.dim; i++ {
		for j := 0; j < b.dim; j++ {
			b.invHessian[i][j] += rho*rho*sK[i]*sK[j]*(ysDot+yHz) - rho*(z[i]*sK[j]+sK[i]*z[j])
		}
	}
	return nil
}

// lineSearch implements Nocedal & Wright Algorithm 3.5 (the "bracketing"
// outer loop) followed by Zoom (Algorithm 3.6). It returns nil (not an
// error) when the search fails and the caller should restart BFGS.
func (b *bfgs) lineSearch() (*float64, error) {
	const alphaMax = 1.0e10
	alpha0 := b.defaultAlpha()
	if alpha0 == nil {
		return nil, nil
	}

	phi0, phiDash0, err := b.valueAndDerivForAlpha(0)
	if err != nil {
		return nil, err
	}
	if phiDash0 >= 0 {
		log.Printf("optimize: line search failed: search direction is not a descent direction")
		return nil, nil
	}

	alphas := []float64{0, *alpha0}
	phis := []float64{phi0}
	phiDashes := []float64{phiDash0}
	increaseFactor := 2.0

	for {
		i := len(phis)
		alphaI := alphas[len(alphas)-1]
		phiI, phiDashI, err := b.valueAndDerivForAlpha(alphaI)
		if err != nil {
			return nil, err
		}
		phis = append(phis, phiI)
		phiDashes = append(phiDashes, phiDashI)

		if phiI > phi0+b.c1*alphaI*phiDash0 || (i > 1 && phiI >= phis[len(phis)-2]) {
			return b.zoom(alphas[len(alphas)-2], alphaI)
		}
		if math.Abs(phiDashI) <= -b.c2*phiDash0 {
			return &alphaI, nil
		}
		if phiDashI >= 0 {
			return b.zoom(alphaI, alphas[len(alphas)-2])
		}

		nextAlpha := alphaI * increaseFactor
		increaseFactor = 4.0
		if nextAlpha > alphaMax {
			log.Printf("optimize: line search failed: alpha grew past %.0e", alphaMax)
			return nil, nil
		}
		for nextAlpha > alphaI*1.2 && !b.isFiniteForAlpha(nextAlpha) {
			nextAlpha *= 0.9
		}
		for nextAlpha > alphaI*1.02 && !b.isFiniteForAlpha(nextAlpha) {
			nextAlpha *= 0.99
		}
		alphas = append(alphas, nextAlpha)
	}
}

// zoom implements Nocedal & Wright Algorithm 3.6. The bracket's high end
// (alphaHi) only ever needs to be compared against, never read back, so
// unlike alphaLo/phiLo it carries no phi value of its own here.
func (b *bfgs) zoom(alphaLo, alphaHi float64) (*float64, error) {
	phi0, phiDash0, err := b.valueAndDerivForAlpha(0)
	if err != nil {
		return nil, err
	}
	phiLo, _, err := b.valueAndDerivForAlpha(alphaLo)
	if err != nil {
		return nil, err
	}

	minDiff := 1.0e-10 / math.Max(1.0, norm(b.p))

	for {
		if math.Abs(alphaLo-alphaHi) < minDiff {
			log.Printf("optimize: line search failed: bracket [%v,%v] too small", alphaLo, alphaHi)
			return nil, nil
		}

		alphaJ := alphaLo + 0.3333*(alphaHi-alphaLo)
		phiJ, phiDashJ, err := b.valueAndDerivForAlpha(alphaJ)
		if err != nil {
			return nil, err
		}

		if phiJ > phi0+b.c1*alphaJ*phiDash0 || phiJ >= phiLo {
			alphaHi = alphaJ
		} else {
			if math.Abs(phiDashJ) <= -b.c2*phiDash0 {
				return &alphaJ, nil
			}
			if phiDashJ*(alphaHi-alphaLo) >= 0 {
				alphaHi = alphaLo
			}
			alphaLo, phiLo = alphaJ, phiJ
		}
	}
}

// defaultAlpha normally returns 1.0, reduced geometrically by 0.9 until
// evaluating at 1.5*alpha stays finite.
func (b *bfgs) defaultAlpha() *float64 {
	const factor = 1.5
	const minAlpha = 1.0e-10
	alpha := 1.0
	for alpha > minAlpha && !b.isFiniteForAlpha(alpha*factor) {
		alpha *= 0.9
	}
	if alpha <= minAlpha {
		return nil
	}
	return &alpha
}

func (b *bfgs) isFiniteForAlpha(alpha float64) bool {
	x := addScaled(b.x[len(b.x)-1], b.p, alpha)
	_, _, err := b.valueAndDeriv(x)
	return err == nil
}

func (b *bfgs) valueAndDerivForAlpha(alpha float64) (phi, phiDash float64, err error) {
	x := addScaled(b.x[len(b.x)-1], b.p, alpha)
	value, deriv, err := b.valueAndDeriv(x)
	if err != nil {
		return 0, 0, err
	}
	return value, dot(b.p, deriv), nil
}

// valueAndDeriv evaluates f(x), memoized by exact vector equality per
// spec.md §4.6's caching requirement.
func (b *bfgs) valueAndDeriv(x []float64) (float64, []float64, error) {
	for _, c := range b.cache {
		if vecEqual(c.x, x) {
			return c.value, c.grad, nil
		}
	}
	value, grad, err := b.f(x)
	if err != nil {
		return 0, nil, err
	}
	b.cache = append(b.cache, cachedEval{x: append([]float64(nil), x...), value: value, grad: grad})
	return value, grad, nil
}
