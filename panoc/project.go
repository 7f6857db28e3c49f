// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panoc

import "math"

// Box is a closed rectangular set { v : Lower ≤ v ≤ Upper } with ±Inf allowed.
// The zero value (nil slices) denotes the whole space once normalized by New.
type Box struct {
	Lower, Upper []float64
}

// NewBox returns an unbounded box of dimension n.
func NewBox(n int) Box {
	lo, up := make([]float64, n), make([]float64, n)
	for i := range lo {
		lo[i] = math.Inf(-1)
		up[i] = math.Inf(1)
	}
	return Box{Lower: lo, Upper: up}
}

func (b Box) dim() int { return len(b.Lower) }

// clamp projects a single component onto [lo, up].
func clamp(v, lo, up float64) float64 {
	if v < lo {
		return lo
	}
	if v > up {
		return up
	}
	return v
}

// project writes Π(v) componentwise into out. out may alias v.
func (b Box) project(v, out []float64) {
	lo, up := b.Lower, b.Upper
	if len(v) > len(lo) || len(v) > len(up) || len(v) > len(out) {
		panic("bound check error")
	}
	for i, vi := range v {
		out[i] = clamp(vi, lo[i], up[i])
	}
}

// projectingDifference writes v - Π(v) into out. out may alias v.
func (b Box) projectingDifference(v, out []float64) {
	lo, up := b.Lower, b.Upper
	if len(v) > len(lo) || len(v) > len(up) || len(v) > len(out) {
		panic("bound check error")
	}
	for i, vi := range v {
		out[i] = vi - clamp(vi, lo[i], up[i])
	}
}

// proxStep performs the projected gradient step
//
//	x̂ = Π(x - γ∇ψ(x)), p = x̂ - x
//
// using the fused form
//
//	pᵢ = clamp(-γ∇ψᵢ, lᵢ-xᵢ, uᵢ-xᵢ), x̂ = x + p
//
// which stays accurate when the step is tiny relative to x; projecting
// x - γ∇ψ first and subtracting x afterwards cancels catastrophically there.
//
// The returned flag reports whether any progress was made,
// i.e. ‖x̂ - x‖/‖x‖ exceeds the machine epsilon. Termination does not
// depend on it; the stopping residual εₖ governs.
func proxStep(b Box, gamma float64, x, grad, xhat, p []float64) bool {
	lo, up := b.Lower, b.Upper
	n := len(x)
	if n > len(lo) || n > len(up) || n > len(grad) || n > len(xhat) || n > len(p) {
		panic("bound check error")
	}
	normSqP, normSqX := zero, zero
	for i := 0; i < n; i++ {
		xi := x[i]
		pi := -gamma * grad[i]
		if d := lo[i] - xi; pi < d {
			pi = d
		}
		if d := up[i] - xi; pi > d {
			pi = d
		}
		p[i] = pi
		xhat[i] = xi + pi
		normSqP += pi * pi
		normSqX += xi * xi
	}
	return math.Sqrt(normSqP/normSqX) > epsmch
}

// infNorm computes ‖v‖∞.
func infNorm(v []float64) float64 {
	norm := zero
	for _, vi := range v {
		norm = math.Max(norm, math.Abs(vi))
	}
	return norm
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(v []float64) bool {
	for _, vi := range v {
		if !finite(vi) {
			return false
		}
	}
	return true
}

func fillNaN(v []float64) {
	for i := range v {
		v[i] = math.NaN()
	}
}
