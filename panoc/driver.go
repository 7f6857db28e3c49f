// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panoc

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// iterDriver walks one solve through the PANOC iteration, owning the
// caller's in/out buffers for its duration.
type iterDriver struct {
	spec *iterSpec
	ctx  *iterCtx

	xOut  []float64 // caller's x: initial guess in, x̂ₖ out
	yMul  []float64 // caller's y: multiplier estimate in, ŷ(x̂ₖ) out
	z     []float64 // out: ẑ = Π_D(g(x̂)+Σ⁻¹y)
	errZ  []float64 // out: g(x̂) - ẑ
	sigma []float64 // penalty weights Σ
	eps   float64   // stopping tolerance

	start time.Time

	lsFailures    int
	lbfgsFailures int
	lbfgsRejected int
}

// lineVals bundles the scalars tied to one iterate. The invariants
// γ = LGammaFactor/L at the bootstrap and σ = γ(1-γL)/2 are maintained by
// halving γ and σ whenever L doubles, so γL < 1 and σ > 0 throughout.
type lineVals struct {
	L, gamma, sig     float64 // Lipschitz estimate, prox step, FBE decrease coefficient
	psi, psiHat       float64 // ψ(x), ψ(x̂)
	gradDotP, normSqP float64 // ∇ψ(x)ᵀp, ‖p‖²
}

// fitUpperBound doubles L (halving γ and σ) until the quadratic upper bound
//
//	ψ(x̂) ≤ ψ(x) + ∇ψ(x)ᵀp + ½L‖p‖²
//
// holds at the fresh projected step, recomputing (x̂, p), ψ(x̂) and ŷ(x̂)
// after every shrink. The loop terminates because L grows geometrically;
// it exits once L is no longer finite, and a NaN in the bound ends it at
// once (the comparison is false). An infinite ψ(x̂) keeps shrinking the
// step. Non-finite values left over are caught by the tests that follow.
func (d *iterDriver) fitUpperBound(v *lineVals, x, grad, xhat, p, yhat []float64, flush bool) {
	c := d.spec.prob.C
	for v.psiHat > v.psi+v.gradDotP+0.5*v.L*v.normSqP {
		if !finite(v.L) {
			break
		}
		v.L *= 2
		v.sig /= 2
		v.gamma /= 2

		// The plain L-BFGS memory is built at a fixed γ; flush it.
		if flush {
			d.ctx.buf.reset()
		}

		proxStep(c, v.gamma, x, grad, xhat, p)
		v.gradDotP = floats.Dot(grad, p)
		v.normSqP = floats.Dot(p, p)
		v.psiHat = d.calcPsiYHat(xhat, yhat)
	}
}

// stoppingResidual computes εₖ = ‖(1/γ)p + (∇ψ(x̂) - ∇ψ(x))‖∞.
// The gradient difference is evaluated before mixing in p/γ; regrouping
// the terms cancels catastrophically when p is small.
func stoppingResidual(p []float64, gamma float64, gradHat, grad []float64) float64 {
	n := len(p)
	if n > len(gradHat) || n > len(grad) {
		panic("bound check error")
	}
	inv := one / gamma
	norm := zero
	for i := 0; i < n; i++ {
		e := inv*p[i] + (gradHat[i] - grad[i])
		norm = math.Max(norm, math.Abs(e))
	}
	return norm
}

// mainLoop runs the PANOC iteration until one of the termination tests
// fires: tolerance reached, iteration or time budget exhausted, a
// non-finite residual, or the caller's stop flag.
func (d *iterDriver) mainLoop() (stats Stats) {

	d.start = time.Now()
	spec, ctx := d.spec, d.ctx
	prm := &spec.params
	c := spec.prob.C

	// Estimate the Lipschitz constant of ∇ψ by a finite difference with
	// perturbation hᵢ = max(δ, ε|xᵢ|).
	copy(ctx.x, d.xOut)
	lp := prm.Lipschitz
	hNormSq := zero
	for i, xi := range ctx.x {
		h := math.Max(lp.Delta, lp.Eps*math.Abs(xi))
		ctx.xNext[i] = xi + h
		hNormSq += h * h
	}
	d.calcGradPsi(ctx.xNext, ctx.gradNext) // ∇ψ(x₀+h)

	var cur lineVals
	cur.psi = d.calcPsiGradPsi(ctx.x, ctx.grad) // ψ(x₀), ∇ψ(x₀)

	cur.L = floats.Distance(ctx.gradNext, ctx.grad, 2) / math.Sqrt(hNormSq)
	if cur.L < epsmch {
		cur.L = epsmch
	} else if !finite(cur.L) {
		stats.Status = NotFinite
		if ctx.evalPanic {
			stats.Status = EvalPanic
		}
		stats.Epsilon = math.NaN()
		stats.Elapsed = time.Since(d.start)
		stats.Evals = ctx.evals
		d.printExit(&stats)
		return stats
	}
	cur.gamma = lp.LGammaFactor / cur.L
	cur.sig = cur.gamma * (1 - cur.gamma*cur.L) / 2

	// x̂₀, p₀ and the first forward-backward envelope value
	//   φ = ψ(x) + ∇ψ(x)ᵀp + ‖p‖²/2γ
	proxStep(c, cur.gamma, ctx.x, ctx.grad, ctx.xhat, ctx.p)
	cur.psiHat = d.calcPsiYHat(ctx.xhat, ctx.yhat)
	cur.gradDotP = floats.Dot(ctx.grad, ctx.p)
	cur.normSqP = floats.Dot(ctx.p, ctx.p)
	phi := cur.psi + cur.normSqP/(2*cur.gamma) + cur.gradDotP

	for k := 0; k <= prm.MaxIter; k++ {

		// Decrease the step size until the quadratic upper bound holds.
		// With the in-search Lipschitz update enabled this only runs at
		// k = 0; the line search refits every candidate itself.
		if k == 0 || prm.FixedLipschitzInSearch {
			d.fitUpperBound(&cur, ctx.x, ctx.grad, ctx.xhat, ctx.p, ctx.yhat,
				k > 0 && !prm.SpecializedLBFGS)
		}

		if prm.SpecializedLBFGS && k == 0 {
			ctx.sbuf.initialize(ctx.x, ctx.grad)
		}

		// ∇ψ(x̂ₖ) via the cached ŷ(x̂ₖ)
		d.calcGradPsiFromYHat(ctx.xhat, ctx.yhat, ctx.gradHat)

		epsK := stoppingResidual(ctx.p, cur.gamma, ctx.gradHat, ctx.grad)

		d.printIter(k, &cur, epsK)

		elapsed := time.Since(d.start)
		outOfTime := prm.MaxTime > 0 && elapsed > prm.MaxTime
		switch {
		case epsK <= d.eps || k == prm.MaxIter || outOfTime:
			status := Converged
			if epsK > d.eps {
				if outOfTime {
					status = ExceedMaxTime
				} else {
					status = ExceedMaxIter
				}
			}
			return d.finish(k, epsK, status)
		case !finite(epsK) || !finite(cur.psi) || !finite(cur.psiHat):
			d.printNotFinite(k, &cur)
			return d.finish(k, epsK, NotFinite)
		case ctx.stop.CompareAndSwap(true, false):
			return d.finish(k, epsK, Interrupted)
		}

		// Quasi-Newton step qₖ = Hₖpₖ. No Newton component on the first
		// iteration; a non-finite direction flushes the memory and falls
		// back to the pure prox step.
		tau := one
		if k == 0 {
			tau = zero
		} else {
			copy(ctx.q, ctx.p)
			if prm.SpecializedLBFGS {
				ctx.sbuf.apply(ctx.q)
			} else {
				ctx.buf.apply(ctx.q)
			}
			if !allFinite(ctx.q) {
				tau = zero
				d.lbfgsFailures++
				if prm.SpecializedLBFGS {
					ctx.sbuf.reset()
				} else {
					ctx.buf.reset()
				}
			}
		}

		// Line search on the FBE: accept xₖ₊₁ = xₖ + (1-τ)pₖ + τqₖ once
		//   φₖ₊₁ ≤ φₖ - σₖ‖pₖ‖²/γₖ²
		// halving τ after every trial and falling back to the pure prox
		// step (guaranteed descent) when τ underruns TauMin.
		sigTerm := cur.sig * cur.normSqP / (cur.gamma * cur.gamma)
		var next lineVals
		var phiNext float64
		for {
			next = cur
			if tau/2 < prm.TauMin {
				copy(ctx.xNext, ctx.xhat) // safe prox step
			} else {
				for i := range ctx.xNext {
					ctx.xNext[i] = ctx.x[i] + (1-tau)*ctx.p[i] + tau*ctx.q[i]
				}
			}

			next.psi = d.calcPsiGradPsi(ctx.xNext, ctx.gradNext)
			proxStep(c, next.gamma, ctx.xNext, ctx.gradNext, ctx.xhatNext, ctx.pNext)
			next.psiHat = d.calcPsiYHat(ctx.xhatNext, ctx.yhatNext)
			next.gradDotP = floats.Dot(ctx.gradNext, ctx.pNext)
			next.normSqP = floats.Dot(ctx.pNext, ctx.pNext)

			if !prm.FixedLipschitzInSearch {
				d.fitUpperBound(&next, ctx.xNext, ctx.gradNext, ctx.xhatNext, ctx.pNext, ctx.yhatNext,
					!prm.SpecializedLBFGS)
			}

			phiNext = next.psi + next.normSqP/(2*next.gamma) + next.gradDotP
			tau /= 2

			if lsCond := phiNext - (phi - sigTerm); lsCond <= 0 || tau < prm.TauMin {
				break
			}
		}
		// τ underran TauMin: the prox fallback was accepted instead.
		if tau < prm.TauMin && k != 0 {
			d.lsFailures++
		}

		// Secant update with s = xₖ₊₁ - xₖ and y = pₖ - pₖ₊₁.
		if prm.SpecializedLBFGS {
			if !ctx.sbuf.update(ctx.xNext, ctx.gradNext, ctx.xhatNext, c, next.gamma) {
				d.lbfgsRejected++
			}
		} else {
			for i := range ctx.sWork {
				ctx.sWork[i] = ctx.xNext[i] - ctx.x[i]
				ctx.yWork[i] = ctx.p[i] - ctx.pNext[i]
			}
			if !ctx.buf.update(ctx.sWork, ctx.yWork) {
				d.lbfgsRejected++
			}
		}

		// Advance: swap the shadow buffers into place.
		cur = next
		phi = phiNext
		ctx.x, ctx.xNext = ctx.xNext, ctx.x
		ctx.xhat, ctx.xhatNext = ctx.xhatNext, ctx.xhat
		ctx.yhat, ctx.yhatNext = ctx.yhatNext, ctx.yhat
		ctx.p, ctx.pNext = ctx.pNext, ctx.p
		ctx.grad, ctx.gradNext = ctx.gradNext, ctx.grad
	}
	panic("panoc: iteration fell through the termination tests")
}

// finish computes the exit slack (ẑ, errZ), writes the refined iterate and
// multiplier back to the caller and fills the statistics.
func (d *iterDriver) finish(k int, epsK float64, status Status) Stats {
	ctx := d.ctx
	if status == NotFinite && ctx.evalPanic {
		status = EvalPanic
	}

	d.calcZErr(ctx.xhat)
	copy(d.xOut, ctx.xhat)
	copy(d.yMul, ctx.yhat)

	stats := Stats{
		Status:             status,
		Iterations:         k,
		Epsilon:            epsK,
		Elapsed:            time.Since(d.start),
		LinesearchFailures: d.lsFailures,
		LBFGSFailures:      d.lbfgsFailures,
		LBFGSRejected:      d.lbfgsRejected,
		Evals:              ctx.evals,
	}
	d.printExit(&stats)
	return stats
}

func (d *iterDriver) printIter(k int, v *lineVals, epsK float64) {
	log, prm := &d.spec.logger, &d.spec.params
	if prm.PrintInterval == 0 || !log.enable(LogIter) || k%prm.PrintInterval != 0 {
		return
	}
	log.log("[PANOC] %6d: ψ = %13.6e, ‖∇ψ‖ = %13.6e, ‖p‖ = %13.6e, γ = %13.6e, εₖ = %13.6e\n",
		k, v.psi, floats.Norm(d.ctx.grad, 2), math.Sqrt(v.normSqP), v.gamma, epsK)
}

func (d *iterDriver) printNotFinite(k int, v *lineVals) {
	log := &d.spec.logger
	if !log.enable(LogExit) {
		return
	}
	log.log("[PANOC] inf/NaN detected at iteration %d\n", k)
	if log.enable(LogVerbose) {
		ctx := d.ctx
		d.dumpVec("q:    ", ctx.q)
		d.dumpVec("x:    ", ctx.x)
		d.dumpVec("x̂:    ", ctx.xhat)
		d.dumpVec("ŷ:    ", ctx.yhat)
		d.dumpVec("p:    ", ctx.p)
		d.dumpVec("∇ψ:   ", ctx.grad)
		d.dumpVec("∇ψ(x̂):", ctx.gradHat)
		log.log("γ:     %.16e\n", v.gamma)
	}
}

func (d *iterDriver) printExit(stats *Stats) {
	log := &d.spec.logger
	if !log.enable(LogExit) {
		return
	}
	log.log("[PANOC] %v: %d iterations, ε = %.3e, elapsed = %s\n",
		stats.Status, stats.Iterations, stats.Epsilon, stats.Elapsed)
	if log.enable(LogVerbose) {
		d.dumpVec("x̂:    ", d.ctx.xhat)
		d.dumpVec("∇ψ:   ", d.ctx.grad)
	}
}

func (d *iterDriver) dumpVec(name string, v []float64) {
	log := &d.spec.logger
	log.log("%s", name)
	for i, x := range v {
		log.log(" %.6e", x)
		if (i+1)%6 == 0 && i+1 < len(v) {
			log.log("\n      ")
		}
	}
	log.log("\n")
}
