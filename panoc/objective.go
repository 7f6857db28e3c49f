// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panoc

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Oracle wrappers. A panicking oracle must not unwind through the solver:
// the recovery poisons the result with NaN so the non-finite machinery
// terminates the iteration, and marks the workspace so the final status
// reads EvalPanic instead of NotFinite.

func (d *iterDriver) callF(x []float64) (v float64) {
	defer func() {
		if r := recover(); r != nil {
			d.ctx.evalPanic = true
			v = math.NaN()
		}
	}()
	d.ctx.evals.F++
	return d.spec.prob.F(x)
}

func (d *iterDriver) callGradF(x, grad []float64) {
	defer func() {
		if r := recover(); r != nil {
			d.ctx.evalPanic = true
			fillNaN(grad)
		}
	}()
	d.ctx.evals.GradF++
	d.spec.prob.GradF(x, grad)
}

func (d *iterDriver) callG(x, gx []float64) {
	defer func() {
		if r := recover(); r != nil {
			d.ctx.evalPanic = true
			fillNaN(gx)
		}
	}()
	d.ctx.evals.G++
	d.spec.prob.G(x, gx)
}

func (d *iterDriver) callGradG(x, v, out []float64) {
	defer func() {
		if r := recover(); r != nil {
			d.ctx.evalPanic = true
			fillNaN(out)
		}
	}()
	d.ctx.evals.GradG++
	d.spec.prob.GradG(x, v, out)
}

// calcYHat computes ŷ(x) into yhat and returns dᵀΣd where
//
//	ζ = g(x) + Σ⁻¹y, d = ζ - Π_D(ζ), ŷ = Σd
//
// so that ψ(x) = f(x) + ½ dᵀΣd. ŷ is the shifted multiplier estimate that
// feeds ∇ψ through the chain rule. f is not evaluated here.
func (d *iterDriver) calcYHat(x, yhat []float64) (dSd float64) {
	m := d.spec.m
	if m == 0 {
		return zero
	}
	y, sigma := d.yMul, d.sigma
	if m > len(y) || m > len(sigma) || m > len(yhat) {
		panic("bound check error")
	}
	box := d.spec.prob.D
	d.callG(x, yhat) // yhat = g(x)
	for i := 0; i < m; i++ {
		zeta := yhat[i] + y[i]/sigma[i]
		di := zeta - clamp(zeta, box.Lower[i], box.Upper[i])
		dSd += di * sigma[i] * di
		yhat[i] = sigma[i] * di
	}
	return dSd
}

// calcPsiYHat computes ψ(x) = f(x) + ½ dist²_Σ(g(x)+Σ⁻¹y, D) and ŷ(x).
func (d *iterDriver) calcPsiYHat(x, yhat []float64) float64 {
	dSd := d.calcYHat(x, yhat)
	return d.callF(x) + 0.5*dSd
}

// calcGradPsiFromYHat computes ∇ψ(x) = ∇f(x) + (∇g(x))ᵀŷ from a cached ŷ.
func (d *iterDriver) calcGradPsiFromYHat(x, yhat, grad []float64) {
	d.callGradF(x, grad)
	if d.spec.m > 0 {
		d.callGradG(x, yhat, d.ctx.workN)
		floats.Add(grad, d.ctx.workN)
	}
}

// calcPsiGradPsi computes ψ(x) and ∇ψ(x), reusing ŷ internally.
func (d *iterDriver) calcPsiGradPsi(x, grad []float64) float64 {
	psi := d.calcPsiYHat(x, d.ctx.workM)
	d.calcGradPsiFromYHat(x, d.ctx.workM, grad)
	return psi
}

// calcGradPsi computes ∇ψ(x) without materializing ψ; f is never evaluated.
func (d *iterDriver) calcGradPsi(x, grad []float64) {
	d.calcYHat(x, d.ctx.workM)
	d.calcGradPsiFromYHat(x, d.ctx.workM, grad)
}

// calcZErr computes the slack ẑ = Π_D(g(x̂)+Σ⁻¹y) and the slack error
// g(x̂) - ẑ into the caller's output buffers. Used on exit only.
func (d *iterDriver) calcZErr(xhat []float64) {
	m := d.spec.m
	if m == 0 {
		return
	}
	y, sigma, z, errZ := d.yMul, d.sigma, d.z, d.errZ
	if m > len(y) || m > len(sigma) || m > len(z) || m > len(errZ) {
		panic("bound check error")
	}
	box := d.spec.prob.D
	d.callG(xhat, errZ) // errZ = g(x̂)
	for i := 0; i < m; i++ {
		z[i] = clamp(errZ[i]+y[i]/sigma[i], box.Lower[i], box.Upper[i])
		errZ[i] -= z[i]
	}
}
