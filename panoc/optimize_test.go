// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package panoc

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// rosenbrock is the classic banana valley with an identity g so the
// augmented term stays inactive (D unbounded).
func rosenbrock() Problem {
	return Problem{
		N: 2, M: 2,
		F: func(x []float64) float64 {
			a, b := 1-x[0], x[1]-x[0]*x[0]
			return a*a + 100*b*b
		},
		GradF: func(x, grad []float64) {
			b := x[1] - x[0]*x[0]
			grad[0] = -2*(1-x[0]) - 400*x[0]*b
			grad[1] = 200 * b
		},
		G:     func(x, gx []float64) { copy(gx, x) },
		GradG: func(x, v, out []float64) { copy(out, v) },
	}
}

// diagQuadratic is f(x) = ½xᵀAx - bᵀx with A = diag(1, 10, 100), b = 1.
func diagQuadratic(c Box) Problem {
	a := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 10, 0,
		0, 0, 100,
	})
	b := mat.NewVecDense(3, []float64{1, 1, 1})
	return Problem{
		N: 3,
		F: func(x []float64) float64 {
			xv := mat.NewVecDense(3, x)
			var ax mat.VecDense
			ax.MulVec(a, xv)
			return 0.5*mat.Dot(&ax, xv) - mat.Dot(b, xv)
		},
		GradF: func(x, grad []float64) {
			xv := mat.NewVecDense(3, x)
			gv := mat.NewVecDense(3, grad)
			gv.MulVec(a, xv)
			gv.SubVec(gv, b)
		},
		C: c,
	}
}

func solve(t *testing.T, p Problem, prm Params, x []float64, eps float64) ([]float64, []float64, []float64, Stats) {
	t.Helper()
	s, err := p.New(prm, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := s.Init()
	y := make([]float64, p.M)
	z := make([]float64, p.M)
	errZ := make([]float64, p.M)
	sigma := make([]float64, p.M)
	for i := range sigma {
		sigma[i] = 1
	}
	stats := s.Solve(x, z, y, errZ, sigma, eps, w)
	return y, z, errZ, stats
}

func TestRosenbrock(t *testing.T) {
	x := []float64{-1.2, 1.0}
	_, _, _, stats := solve(t, rosenbrock(), Params{MaxIter: 1000}, x, 1e-8)

	switch {
	case stats.Status != Converged:
		t.Fatalf("TestRosenbrock: Not Converge: %v", stats.Status)
	case math.Abs(x[0]-1) > 1e-4 || math.Abs(x[1]-1) > 1e-4:
		t.Fatalf("TestRosenbrock: Minimizer Too Far: %v", x)
	case stats.Epsilon > 1e-8:
		t.Fatal("TestRosenbrock: Residual Too Large")
	}
}

func TestQuadratic(t *testing.T) {
	x := []float64{0, 0, 0}
	_, _, _, stats := solve(t, diagQuadratic(Box{}), Params{}, x, 1e-9)

	want := []float64{1, 0.1, 0.01} // A⁻¹b
	switch {
	case stats.Status != Converged:
		t.Fatalf("TestQuadratic: Not Converge: %v", stats.Status)
	case math.Abs(x[0]-want[0]) > 1e-6 || math.Abs(x[1]-want[1]) > 1e-6 || math.Abs(x[2]-want[2]) > 1e-6:
		t.Fatalf("TestQuadratic: Minimizer Too Far: %v", x)
	case stats.Iterations > 60:
		t.Fatalf("TestQuadratic: Too Many Iterations: %d", stats.Iterations)
	}
}

func TestQuadraticBoxed(t *testing.T) {
	box := Box{Lower: []float64{0, 0, 0}, Upper: []float64{0.5, 0.5, 0.5}}
	x := []float64{3, 3, 3} // outside C, first projected step pulls it in
	_, _, _, stats := solve(t, diagQuadratic(box), Params{}, x, 1e-9)

	want := []float64{0.5, 0.1, 0.01} // clamp(A⁻¹b, 0, 0.5)
	switch {
	case stats.Status != Converged:
		t.Fatalf("TestQuadraticBoxed: Not Converge: %v", stats.Status)
	case math.Abs(x[0]-want[0]) > 1e-6 || math.Abs(x[1]-want[1]) > 1e-6 || math.Abs(x[2]-want[2]) > 1e-6:
		t.Fatalf("TestQuadraticBoxed: Minimizer Too Far: %v", x)
	}

	// The returned iterate is x̂ₖ and must sit inside the box.
	for i, v := range x {
		if v < box.Lower[i]-1e-12 || v > box.Upper[i]+1e-12 {
			t.Fatalf("TestQuadraticBoxed: Iterate Out Of Box: %v", x)
		}
	}
}

func TestPenalizedConstraint(t *testing.T) {
	p := penalizedProblem()
	s, err := p.New(Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := s.Init()

	x := []float64{0, 0}
	y := []float64{0}
	z := make([]float64, 1)
	errZ := make([]float64, 1)
	stats := s.Solve(x, z, y, errZ, []float64{100}, 1e-8, w)

	switch {
	case stats.Status != Converged:
		t.Fatalf("TestPenalizedConstraint: Not Converge: %v", stats.Status)
	case math.Abs(x[0]-0.5) > 0.02 || math.Abs(x[1]-0.5) > 0.02:
		t.Fatalf("TestPenalizedConstraint: Minimizer Too Far: %v", x)
	case math.Abs(errZ[0]) > 0.05:
		t.Fatalf("TestPenalizedConstraint: Slack Error Too Large: %v", errZ[0])
	case y[0] >= 0:
		// ŷ = Σ·(g(x̂)-ẑ) with g(x̂) < 1 must come back negative
		t.Fatalf("TestPenalizedConstraint: Multiplier Sign: %v", y[0])
	}
}

func TestNotFiniteOracle(t *testing.T) {
	evals := 0
	p := diagQuadratic(Box{})
	f, gradF := p.F, p.GradF
	p.F = func(x []float64) float64 {
		if evals++; evals > 5 {
			return math.NaN()
		}
		return f(x)
	}
	p.GradF = func(x, grad []float64) {
		if evals++; evals > 5 {
			fillNaN(grad)
			return
		}
		gradF(x, grad)
	}

	x := []float64{0, 0, 0}
	_, _, _, stats := solve(t, p, Params{}, x, 1e-9)
	if stats.Status != NotFinite {
		t.Fatalf("TestNotFiniteOracle: Status %v", stats.Status)
	}
}

func TestInterrupt(t *testing.T) {
	p := diagQuadratic(Box{})
	s, err := p.New(Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := s.Init()
	w.Interrupt() // raised before the first iteration completes

	x := []float64{0, 0, 0}
	stats := s.Solve(x, nil, nil, nil, nil, 1e-12, w)

	switch {
	case stats.Status != Interrupted:
		t.Fatalf("TestInterrupt: Status %v", stats.Status)
	case stats.Iterations != 0:
		t.Fatalf("TestInterrupt: Iterations %d", stats.Iterations)
	case !allFinite(x):
		t.Fatalf("TestInterrupt: Invalid Iterate %v", x)
	case !(stats.Epsilon > 0):
		t.Fatalf("TestInterrupt: Residual Not Reported")
	}

	// The flag was consumed; the same workspace solves to completion now.
	stats = s.Solve(x, nil, nil, nil, nil, 1e-9, w)
	if stats.Status != Converged {
		t.Fatalf("TestInterrupt: Resolve Status %v", stats.Status)
	}
}

func TestEvalPanic(t *testing.T) {
	p := diagQuadratic(Box{})
	f := p.F
	evals := 0
	p.F = func(x []float64) float64 {
		if evals++; evals > 3 {
			panic("oracle blew up")
		}
		return f(x)
	}
	gradF := p.GradF
	p.GradF = func(x, grad []float64) {
		if evals > 3 {
			panic("oracle blew up")
		}
		gradF(x, grad)
	}

	x := []float64{0, 0, 0}
	_, _, _, stats := solve(t, p, Params{}, x, 1e-9)
	if stats.Status != EvalPanic {
		t.Fatalf("TestEvalPanic: Status %v", stats.Status)
	}
}

func TestSpecializedEquivalence(t *testing.T) {
	xPlain := []float64{0.2, -0.3, 0.4}
	_, _, _, plain := solve(t, diagQuadratic(Box{}), Params{}, xPlain, 1e-10)

	xSpec := []float64{0.2, -0.3, 0.4}
	_, _, _, spec := solve(t, diagQuadratic(Box{}), Params{SpecializedLBFGS: true}, xSpec, 1e-10)

	switch {
	case plain.Status != Converged || spec.Status != Converged:
		t.Fatalf("TestSpecializedEquivalence: Not Converge: %v %v", plain.Status, spec.Status)
	}
	for i := range xPlain {
		if math.Abs(xPlain[i]-xSpec[i]) > 1e-6 {
			t.Fatalf("TestSpecializedEquivalence: Minimizers Differ: %v %v", xPlain, xSpec)
		}
	}
}

func TestFixedLipschitz(t *testing.T) {
	x := []float64{-1.2, 1.0}
	_, _, _, stats := solve(t, rosenbrock(), Params{MaxIter: 2000, FixedLipschitzInSearch: true}, x, 1e-8)
	switch {
	case stats.Status != Converged:
		t.Fatalf("TestFixedLipschitz: Not Converge: %v", stats.Status)
	case math.Abs(x[0]-1) > 1e-4 || math.Abs(x[1]-1) > 1e-4:
		t.Fatalf("TestFixedLipschitz: Minimizer Too Far: %v", x)
	}
}

func TestMaxIter(t *testing.T) {
	x := []float64{-1.2, 1.0}
	_, _, _, stats := solve(t, rosenbrock(), Params{MaxIter: 3}, x, 1e-12)
	switch {
	case stats.Status != ExceedMaxIter:
		t.Fatalf("TestMaxIter: Status %v", stats.Status)
	case stats.Iterations != 3:
		t.Fatalf("TestMaxIter: Iterations %d", stats.Iterations)
	}
}

func TestValidation(t *testing.T) {
	cases := []Problem{
		{N: 0, M: 0, F: func([]float64) float64 { return 0 }, GradF: func(_, _ []float64) {}},
		{N: 2, M: 0}, // missing oracles
		{N: 2, M: 1, F: func([]float64) float64 { return 0 }, GradF: func(_, _ []float64) {}}, // missing g
		{N: 1, M: 0, F: func([]float64) float64 { return 0 }, GradF: func(_, _ []float64) {},
			C: Box{Lower: []float64{1}, Upper: []float64{0}}}, // empty box
	}
	for i := range cases {
		if _, err := cases[i].New(Params{}, nil); err == nil {
			t.Fatalf("TestValidation: Case %d Accepted", i)
		}
	}

	bad := Problem{N: 1, F: func([]float64) float64 { return 0 }, GradF: func(_, _ []float64) {}}
	if _, err := bad.New(Params{Lipschitz: LipschitzParams{LGammaFactor: 1.5}}, nil); err == nil {
		t.Fatal("TestValidation: Step Factor Accepted")
	}
}

func TestProgressOutput(t *testing.T) {
	var buf bytes.Buffer
	p := diagQuadratic(Box{})
	s, err := p.New(Params{PrintInterval: 1}, &Logger{Level: LogVerbose, Msg: &buf})
	if err != nil {
		t.Fatal(err)
	}
	w := s.Init()
	x := []float64{0, 0, 0}
	stats := s.Solve(x, nil, nil, nil, nil, 1e-9, w)

	out := buf.String()
	switch {
	case stats.Status != Converged:
		t.Fatalf("TestProgressOutput: Not Converge: %v", stats.Status)
	case !strings.Contains(out, "[PANOC]"):
		t.Fatal("TestProgressOutput: No Progress Lines")
	case !strings.Contains(out, "Converged"):
		t.Fatal("TestProgressOutput: No Summary Line")
	}
}
