// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/proximal/numdiff"
)

// penalizedProblem is f(x) = x₁²+x₂² with g(x) = x₁+x₂ forced onto D = {1}.
func penalizedProblem() Problem {
	return Problem{
		N: 2, M: 1,
		F: func(x []float64) float64 { return x[0]*x[0] + x[1]*x[1] },
		GradF: func(x, grad []float64) {
			grad[0], grad[1] = 2*x[0], 2*x[1]
		},
		G: func(x, gx []float64) { gx[0] = x[0] + x[1] },
		GradG: func(x, v, out []float64) {
			out[0], out[1] = v[0], v[0]
		},
		D: Box{Lower: []float64{1}, Upper: []float64{1}},
	}
}

func newTestDriver(t *testing.T, p Problem, y, sigma []float64) *iterDriver {
	t.Helper()
	s, err := p.New(Params{}, nil)
	require.NoError(t, err)
	w := s.Init()
	return &iterDriver{
		spec:  &s.iterSpec,
		ctx:   &w.iterCtx,
		yMul:  y,
		sigma: sigma,
		z:     make([]float64, p.M),
		errZ:  make([]float64, p.M),
	}
}

func TestPsiYHat(t *testing.T) {
	d := newTestDriver(t, penalizedProblem(), []float64{0}, []float64{100})

	// At x = (0.3, 0.3): g = 0.6, d = 0.6-1 = -0.4,
	// ψ = 0.18 + ½·100·0.16 = 8.18, ŷ = 100·(-0.4) = -40
	x := []float64{0.3, 0.3}
	yhat := make([]float64, 1)
	psi := d.calcPsiYHat(x, yhat)
	assert.InDelta(t, 8.18, psi, 1e-12)
	assert.InDelta(t, -40.0, yhat[0], 1e-12)

	// ∇ψ = 2x + ŷ·(1,1)
	grad := make([]float64, 2)
	d.calcGradPsiFromYHat(x, yhat, grad)
	assert.InDelta(t, 0.6-40, grad[0], 1e-12)
	assert.InDelta(t, 0.6-40, grad[1], 1e-12)
}

func TestPsiGradPsiConsistent(t *testing.T) {
	d := newTestDriver(t, penalizedProblem(), []float64{2}, []float64{100})

	x := []float64{-0.2, 0.7}
	yhat := make([]float64, 1)
	grad1 := make([]float64, 2)
	grad2 := make([]float64, 2)

	psi1 := d.calcPsiYHat(x, yhat)
	d.calcGradPsiFromYHat(x, yhat, grad1)

	psi2 := d.calcPsiGradPsi(x, grad2)
	assert.Equal(t, psi1, psi2)
	assert.Equal(t, grad1, grad2)

	// grad_psi alone must agree without evaluating f.
	evalF := d.ctx.evals.F
	grad3 := make([]float64, 2)
	d.calcGradPsi(x, grad3)
	assert.Equal(t, grad1, grad3)
	assert.Equal(t, evalF, d.ctx.evals.F)
}

func TestGradPsiMatchesFiniteDifference(t *testing.T) {
	d := newTestDriver(t, penalizedProblem(), []float64{3}, []float64{50})

	x := []float64{0.4, -0.1}
	grad := make([]float64, 2)
	d.calcGradPsi(x, grad)

	yhatScratch := make([]float64, 1)
	gs := numdiff.GradientSpec{
		N:      2,
		Method: numdiff.Central,
		F: func(v []float64) float64 {
			return d.calcPsiYHat(v, yhatScratch)
		},
	}
	approx := make([]float64, 2)
	require.NoError(t, gs.Gradient(x, approx))
	assert.InDeltaSlice(t, grad, approx, 1e-5)
}

func TestZAndErr(t *testing.T) {
	d := newTestDriver(t, penalizedProblem(), []float64{0}, []float64{100})

	// At x̂ = (0.3, 0.3): g = 0.6, ẑ = Π_{1}(0.6) = 1, errZ = -0.4
	d.calcZErr([]float64{0.3, 0.3})
	assert.InDelta(t, 1.0, d.z[0], 1e-15)
	assert.InDelta(t, -0.4, d.errZ[0], 1e-15)
}

func TestUnconstrainedReducesToF(t *testing.T) {
	// With D the whole space the projecting difference vanishes and ψ ≡ f.
	p := penalizedProblem()
	p.D = Box{}
	d := newTestDriver(t, p, []float64{0}, []float64{1})

	x := []float64{1.5, -2.5}
	yhat := make([]float64, 1)
	psi := d.calcPsiYHat(x, yhat)
	assert.Equal(t, x[0]*x[0]+x[1]*x[1], psi)
	assert.Equal(t, 0.0, yhat[0])
}
