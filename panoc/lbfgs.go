// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panoc

import (
	"gonum.org/v1/gonum/floats"
)

// lbfgsBuffer is a circular buffer of the mem most recent secant pairs
// (sᵢ, yᵢ, ρᵢ = 1/sᵢᵀyᵢ) approximating the inverse Hessian of ψ.
//
// The caller's sign convention is s = xₖ₊₁ - xₖ and y = pₖ - pₖ₊₁.
// Every stored pair satisfies the curvature condition sᵀy > 0.
type lbfgsBuffer struct {
	n, mem      int
	count, head int       // head is the next write slot
	s, y        []float64 // mem rows of length n
	rho         []float64
	alpha       []float64 // two-loop scratch
}

func (l *lbfgsBuffer) init(n, mem int) {
	l.n, l.mem = n, mem
	l.s = make([]float64, mem*n)
	l.y = make([]float64, mem*n)
	l.rho = make([]float64, mem)
	l.alpha = make([]float64, mem)
}

func (l *lbfgsBuffer) reset() {
	l.count, l.head = 0, 0
}

func (l *lbfgsBuffer) row(buf []float64, i int) []float64 {
	return buf[i*l.n : (i+1)*l.n]
}

// update pushes a secant pair, evicting the oldest at capacity.
// The pair is rejected (not stored) when either vector carries a
// non-finite entry or the curvature condition
//
//	sᵀy > εₘ·‖y‖₂·‖s‖₂
//
// fails; storing such a pair would destroy positive definiteness of the
// implied inverse Hessian.
func (l *lbfgsBuffer) update(s, y []float64) bool {
	if !allFinite(s) || !allFinite(y) {
		return false
	}
	sy := floats.Dot(s, y)
	if !(sy > epsmch*floats.Norm(y, 2)*floats.Norm(s, 2)) {
		return false
	}
	copy(l.row(l.s, l.head), s)
	copy(l.row(l.y, l.head), y)
	l.rho[l.head] = one / sy
	l.head = (l.head + 1) % l.mem
	if l.count < l.mem {
		l.count++
	}
	return true
}

// apply runs the two-loop recursion in place, turning q = p into an
// approximate quasi-Newton step H·p. An empty buffer leaves q untouched.
func (l *lbfgsBuffer) apply(q []float64) {
	if l.count == 0 {
		return
	}

	// Newest to oldest: αᵢ = ρᵢ sᵢᵀq, q ← q - αᵢyᵢ
	for k := 0; k < l.count; k++ {
		i := ((l.head-1-k)%l.mem + l.mem) % l.mem
		ai := l.rho[i] * floats.Dot(l.row(l.s, i), q)
		l.alpha[i] = ai
		floats.AddScaled(q, -ai, l.row(l.y, i))
	}

	// Scale by the most recent pair: q ← (sᵀy / yᵀy)·q
	nw := ((l.head-1)%l.mem + l.mem) % l.mem
	yNew := l.row(l.y, nw)
	floats.Scale((one/l.rho[nw])/floats.Dot(yNew, yNew), q)

	// Oldest to newest: βᵢ = ρᵢ yᵢᵀq, q ← q + (αᵢ - βᵢ)sᵢ
	for k := l.count - 1; k >= 0; k-- {
		i := ((l.head-1-k)%l.mem + l.mem) % l.mem
		bi := l.rho[i] * floats.Dot(l.row(l.y, i), q)
		floats.AddScaled(q, l.alpha[i]-bi, l.row(l.s, i))
	}
}

// specializedLBFGS derives its secant pairs from projected quantities.
// Against the previous point (x₋, ∇ψ(x₋)) it forms, at the current step
// size γ,
//
//	s = x - x₋
//	y = p₋(γ) - p        with p₋(γ)ᵢ = clamp(-γ∇ψ(x₋)ᵢ, lᵢ-x₋ᵢ, uᵢ-x₋ᵢ)
//	                      and p = x̂ - x
//
// Recomputing p₋ at the new γ keeps the pair consistent when the step
// size shrinks, which is why this variant survives γ changes that flush
// the plain buffer.
type specializedLBFGS struct {
	lbfgsBuffer
	prevX, prevGrad []float64
	pPrev, pCur     []float64
	warm            bool
}

func (sl *specializedLBFGS) init(n, mem int) {
	sl.lbfgsBuffer.init(n, mem)
	sl.prevX = make([]float64, n)
	sl.prevGrad = make([]float64, n)
	sl.pPrev = make([]float64, n)
	sl.pCur = make([]float64, n)
}

// initialize seeds the previous-point memory before the first update.
func (sl *specializedLBFGS) initialize(x, grad []float64) {
	copy(sl.prevX, x)
	copy(sl.prevGrad, grad)
	sl.warm = true
}

// update advances the previous-point memory to (x, grad) and pushes the
// derived pair, subject to the same curvature rejection as the plain
// buffer. Reports whether the pair was stored.
func (sl *specializedLBFGS) update(x, grad, xhat []float64, c Box, gamma float64) bool {
	if !sl.warm {
		sl.initialize(x, grad)
		return false
	}

	n := sl.n
	if n > len(x) || n > len(xhat) || n > len(sl.prevX) {
		panic("bound check error")
	}

	// s = x - x₋, p₋ recomputed at the current γ, p = x̂ - x
	proxStep(c, gamma, sl.prevX, sl.prevGrad, sl.pCur, sl.pPrev)
	s, y := sl.pCur, sl.pPrev // reuse: pCur holds s below, pPrev holds y
	for i := 0; i < n; i++ {
		s2 := x[i] - sl.prevX[i]
		y[i] -= xhat[i] - x[i]
		s[i] = s2
	}
	ok := sl.lbfgsBuffer.update(s, y)

	copy(sl.prevX, x)
	copy(sl.prevGrad, grad)
	return ok
}
