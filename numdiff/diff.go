// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff approximates derivatives by finite differences.
//
// It builds the gradient and transposed-Jacobian-product oracles a solver
// needs from function values alone, and serves as an independent check of
// analytic derivatives in tests.
package numdiff

import (
	"errors"
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

// Method selects the finite difference scheme.
type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// step computes the absolute perturbation for one component:
// h = RelStep·sign(x)·max(1,|x|), or AbsStep when provided, falling back to
// the method's machine-epsilon power when the perturbation vanishes in x.
func step(m Method, abs, rel, x float64) float64 {
	eps := sqrtEps
	if m == Central {
		eps = cubeEps
	}
	h := abs
	if h == 0 {
		if rel == 0 {
			rel = eps
		}
		h = math.Copysign(rel, x) * math.Max(1.0, math.Abs(x))
	}
	if (x+h)-x == 0 {
		h = math.Copysign(eps, x) * math.Max(1.0, math.Abs(x))
	}
	return h
}

// GradientSpec approximates the gradient of a scalar function.
type GradientSpec struct {
	N int
	// F is the function of which to estimate the gradient.
	F func(x []float64) float64
	// Method selects the difference scheme.
	Method Method
	// RelStep overrides the automatic relative step size.
	RelStep float64
	// AbsStep overrides the step size entirely.
	AbsStep float64
}

func (gs *GradientSpec) check(x, grad []float64) error {
	switch {
	case gs.N <= 0:
		return errors.New("negative dimensions")
	case gs.Method != Forward && gs.Method != Central:
		return errors.New("unknown method")
	case gs.F == nil:
		return errors.New("object function is required")
	case gs.N != len(x) || gs.N != len(grad):
		return errors.New("invalid vector dimensions")
	}
	return nil
}

// Gradient estimates ∇F(x) into grad. x is perturbed in place and restored.
func (gs *GradientSpec) Gradient(x, grad []float64) error {
	if err := gs.check(x, grad); err != nil {
		return err
	}
	var f0 float64
	if gs.Method == Forward {
		f0 = gs.F(x)
	}
	for i := range x {
		t := x[i]
		h := step(gs.Method, gs.AbsStep, gs.RelStep, t)
		if gs.Method == Forward {
			x[i] = t + h
			grad[i] = (gs.F(x) - f0) / h
		} else {
			x[i] = t - h
			f1 := gs.F(x)
			x[i] = t + h
			grad[i] = (gs.F(x) - f1) / (2 * h)
		}
		x[i] = t
	}
	return nil
}

// JacobianSpec approximates products with the transposed Jacobian of a
// vector function G : Rⁿ → Rᵐ.
type JacobianSpec struct {
	N, M int
	// G evaluates the function into an m-vector.
	G func(x, gx []float64)
	// Method selects the difference scheme.
	Method Method
	// RelStep overrides the automatic relative step size.
	RelStep float64
	// AbsStep overrides the step size entirely.
	AbsStep float64

	g0, g1 []float64
}

func (js *JacobianSpec) check(x, v, out []float64) error {
	switch {
	case js.N <= 0 || js.M <= 0:
		return errors.New("negative dimensions")
	case js.Method != Forward && js.Method != Central:
		return errors.New("unknown method")
	case js.G == nil:
		return errors.New("object function is required")
	case js.N != len(x) || js.M != len(v) || js.N != len(out):
		return errors.New("invalid vector dimensions")
	}
	if len(js.g0) != js.M {
		js.g0 = make([]float64, js.M)
		js.g1 = make([]float64, js.M)
	}
	return nil
}

// TransProd estimates (∇G(x))ᵀv into out, one difference per column of the
// Jacobian. x is perturbed in place and restored.
func (js *JacobianSpec) TransProd(x, v, out []float64) error {
	if err := js.check(x, v, out); err != nil {
		return err
	}
	if js.Method == Forward {
		js.G(x, js.g0)
	}
	for i := range x {
		t := x[i]
		h := step(js.Method, js.AbsStep, js.RelStep, t)
		d := 1 / h
		if js.Method == Forward {
			x[i] = t + h
			js.G(x, js.g1)
		} else {
			x[i] = t - h
			js.G(x, js.g0)
			x[i] = t + h
			js.G(x, js.g1)
			d = 1 / (2 * h)
		}
		x[i] = t
		// (∇Gᵀv)ᵢ = ∑ⱼ vⱼ ∂Gⱼ/∂xᵢ
		dot := 0.0
		for j, vj := range v {
			dot += vj * (js.g1[j] - js.g0[j])
		}
		out[i] = dot * d
	}
	return nil
}
