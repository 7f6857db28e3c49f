// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package panoc implements the PANOC algorithm (Proximal Averaged
// Newton-type method for Optimal Control) as the inner solver of an
// augmented-Lagrangian outer loop.
//
// Given smooth f : Rⁿ → R and g : Rⁿ → Rᵐ with closed boxes C ⊂ Rⁿ and
// D ⊂ Rᵐ, a fixed multiplier estimate y and penalty weights Σ, the solver
// minimizes the augmented objective
//
//	ψ(x) = f(x) + ½ dist²_Σ(g(x) + Σ⁻¹y, D)
//
// over x ∈ C to a requested tolerance, combining projected-gradient steps
// with L-BFGS directions through a line search on the forward-backward
// envelope. The outer loop that updates y and Σ is the caller's concern.
package panoc

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"
	"time"
)

const (
	zero = 0.0
	one  = 1.0
)

var epsmch = math.Nextafter(1, 2) - 1

// LogLevel controls the frequency and type of logger output.
type LogLevel int

const (
	// LogNoop no output is generated.
	LogNoop LogLevel = -1
	// LogExit print a summary line at termination.
	LogExit LogLevel = 0
	// LogIter print progress every Params.PrintInterval iterations.
	LogIter LogLevel = 1
	// LogVerbose print iterate vectors on termination and non-finite aborts.
	LogVerbose LogLevel = 2
)

// Logger handles progress output for the solver.
// The stream is human-readable and not part of the solver contract.
type Logger struct {
	Level LogLevel
	Msg   io.Writer
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

// Objective evaluates f(x).
type Objective func(x []float64) float64

// Gradient evaluates ∇f(x) into grad (length n).
type Gradient func(x, grad []float64)

// Constraint evaluates g(x) into gx (length m).
type Constraint func(x, gx []float64)

// ConstraintJacProd evaluates (∇g(x))ᵀv into out (length n).
type ConstraintJacProd func(x, v, out []float64)

// Problem specifies the oracles and sets of one inner minimization.
// It stays immutable during a solve.
type Problem struct {
	N int // Decision variable dimension.
	M int // Constraint dimension, may be 0.

	F     Objective         // f(x)
	GradF Gradient          // ∇f(x)
	G     Constraint        // g(x), required when M > 0
	GradG ConstraintJacProd // (∇g(x))ᵀv, required when M > 0

	C Box // Variable box, dimension N. Zero value means unbounded.
	D Box // Constraint box, dimension M. Zero value means unbounded.
}

// LipschitzParams configures the finite-difference estimate of the local
// Lipschitz constant L of ∇ψ used to bootstrap the step size γ = LGammaFactor/L.
type LipschitzParams struct {
	// Eps is the relative perturbation hᵢ = max(Delta, Eps·|xᵢ|). Default 1e-6.
	Eps float64
	// Delta is the absolute perturbation floor. Default 1e-12.
	Delta float64
	// LGammaFactor sets γ = LGammaFactor/L, must lie in (0,1). Default 0.95.
	LGammaFactor float64
}

// Params configures the solver. Zero-valued numeric fields are replaced by
// their documented defaults in Problem.New; boolean fields default to false.
type Params struct {
	Lipschitz LipschitzParams

	// LBFGSMem is the number of stored (s, y) pairs. Default 10.
	LBFGSMem int
	// SpecializedLBFGS selects the variant that derives its secant pairs
	// from projected steps and survives step-size changes.
	SpecializedLBFGS bool
	// FixedLipschitzInSearch disables re-fitting the quadratic upper bound
	// inside the line search; the fit then runs at the start of every
	// iteration instead.
	FixedLipschitzInSearch bool

	// MaxIter bounds the number of iterations. Default 100.
	MaxIter int
	// MaxTime bounds the wall-clock time of one solve. Zero or negative
	// means unbounded.
	MaxTime time.Duration
	// TauMin is the smallest line-search mixing parameter before falling
	// back to the pure proximal step. Default 1/256.
	TauMin float64
	// PrintInterval emits a progress line every PrintInterval iterations
	// when the logger level allows it. Zero disables progress output.
	PrintInterval int
}

// EvalCounts tallies oracle invocations of one solve.
type EvalCounts struct {
	F, GradF, G, GradG int
}

// Stats describes the outcome of one solve.
type Stats struct {
	Status     Status
	Iterations int
	// Epsilon is the final stopping residual εₖ.
	Epsilon float64
	Elapsed time.Duration

	LinesearchFailures int
	LBFGSFailures      int
	LBFGSRejected      int
	Evals              EvalCounts
}

// iterSpec is the immutable per-solver description shared by all workspaces.
type iterSpec struct {
	n, m   int
	prob   Problem
	params Params
	logger Logger
}

// Solver runs PANOC on one Problem.
type Solver struct {
	iterSpec
}

// New validates the problem and parameters and creates a solver.
// A nil logger silences all output.
func (p *Problem) New(params Params, logger *Logger) (solver *Solver, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}

	lp := &params.Lipschitz
	if lp.Eps <= 0 {
		lp.Eps = 1e-6
	}
	if lp.Delta <= 0 {
		lp.Delta = 1e-12
	}
	if lp.LGammaFactor <= 0 {
		lp.LGammaFactor = 0.95
	}
	if params.LBFGSMem <= 0 {
		params.LBFGSMem = 10
	}
	if params.MaxIter <= 0 {
		params.MaxIter = 100
	}
	if params.TauMin <= 0 {
		params.TauMin = 1.0 / 256
	}

	n, m := p.N, p.M
	prob := *p
	if prob.C.dim() == 0 && n > 0 {
		prob.C = NewBox(n)
	}
	if prob.D.dim() == 0 && m > 0 {
		prob.D = NewBox(m)
	}

	switch {
	case n <= 0:
		err = errors.New("problem dimension must greater than 0")
	case m < 0:
		err = errors.New("constraint dimension must not less than 0")
	case prob.F == nil || prob.GradF == nil:
		err = errors.New("objective and gradient are required")
	case m > 0 && (prob.G == nil || prob.GradG == nil):
		err = errors.New("constraint and jacobian product are required when m > 0")
	case len(prob.C.Lower) != n || len(prob.C.Upper) != n:
		err = errors.New("variable box size must equal to n")
	case m > 0 && (len(prob.D.Lower) != m || len(prob.D.Upper) != m):
		err = errors.New("constraint box size must equal to m")
	case lp.LGammaFactor >= one:
		err = errors.New("step factor must lie in (0,1)")
	case params.TauMin >= one:
		err = errors.New("line search mixing floor must lie in (0,1)")
	}
	if err != nil {
		return
	}

	for i := 0; i < n; i++ {
		if prob.C.Lower[i] > prob.C.Upper[i] {
			return nil, fmt.Errorf("variable box at %d has no feasible point", i)
		}
	}
	for i := 0; i < m; i++ {
		if prob.D.Lower[i] > prob.D.Upper[i] {
			return nil, fmt.Errorf("constraint box at %d has no feasible point", i)
		}
	}

	solver = &Solver{iterSpec{
		n: n, m: m,
		prob:   prob,
		params: params,
		logger: *logger,
	}}
	return
}

// iterCtx holds every vector and counter one solve mutates. All slices are
// allocated once in Workspace.init; the main loop never allocates.
type iterCtx struct {
	x, xNext       []float64 // xₖ and the line-search candidate xₖ₊₁
	xhat, xhatNext []float64 // x̂ₖ = Π_C(xₖ - γₖ∇ψ(xₖ)) and its shadow
	p, pNext       []float64 // pₖ = x̂ₖ - xₖ and its shadow
	q              []float64 // quasi-Newton step Hₖpₖ
	grad, gradNext []float64 // ∇ψ(xₖ), ∇ψ(xₖ₊₁)
	gradHat        []float64 // ∇ψ(x̂ₖ)
	yhat, yhatNext []float64 // ŷ(x̂ₖ) = Σ(g(x̂ₖ) + Σ⁻¹y - Π_D(…)) and its shadow
	workN, workM   []float64
	sWork, yWork   []float64 // secant pair scratch

	buf  lbfgsBuffer
	sbuf specializedLBFGS

	stop      atomic.Bool
	evalPanic bool
	evals     EvalCounts
}

func (c *iterCtx) init(n, m, mem int) {
	c.x = make([]float64, n)
	c.xNext = make([]float64, n)
	c.xhat = make([]float64, n)
	c.xhatNext = make([]float64, n)
	c.p = make([]float64, n)
	c.pNext = make([]float64, n)
	c.q = make([]float64, n)
	c.grad = make([]float64, n)
	c.gradNext = make([]float64, n)
	c.gradHat = make([]float64, n)
	c.yhat = make([]float64, m)
	c.yhatNext = make([]float64, m)
	c.workN = make([]float64, n)
	c.workM = make([]float64, m)
	c.sWork = make([]float64, n)
	c.yWork = make([]float64, n)
	c.buf.init(n, mem)
	c.sbuf.init(n, mem)
}

func (c *iterCtx) clear() {
	c.buf.reset()
	c.sbuf.reset()
	c.sbuf.warm = false
	c.evalPanic = false
	c.evals = EvalCounts{}
}

// Workspace contains the mutable state of one solve. To avoid race
// conditions, separate workspaces need to be created for each goroutine,
// but multiple workspaces could share one solver.
type Workspace struct {
	n, m int
	iterCtx
}

// Init allocates a workspace sized for the solver's problem.
func (s *Solver) Init() *Workspace {
	w := new(Workspace)
	w.n, w.m = s.n, s.m
	w.init(w.n, w.m, s.params.LBFGSMem)
	return w
}

// Interrupt raises the stop flag. The solver polls it once per iteration
// and terminates with Interrupted after writing valid outputs for the last
// completed iterate. The flag is consumed when observed.
func (w *Workspace) Interrupt() {
	w.stop.Store(true)
}

// Solve runs the inner minimization to tolerance eps.
//
// x (length n) carries the initial guess in and the refined iterate x̂ₖ out.
// y (length m) carries the multiplier estimate in and ŷ(x̂ₖ) out.
// z and errZ (length m) receive the projected constraint image
// ẑ = Π_D(g(x̂)+Σ⁻¹y) and the slack error g(x̂) - ẑ.
// sigma (length m) holds the positive penalty weights Σ.
//
// Σᵢ ≤ 0 or eps ≤ 0 is a programming error with undefined behavior.
func (s *Solver) Solve(x, z, y, errZ, sigma []float64, eps float64, w *Workspace) Stats {

	if len(x) != s.n {
		panic("initial x dimension not match spec")
	}
	if len(z) != s.m || len(y) != s.m || len(errZ) != s.m || len(sigma) != s.m {
		panic("constraint dimension not match spec")
	}
	if w.n != s.n || w.m != s.m {
		panic("workspace dimension not match spec")
	}

	w.clear()
	d := iterDriver{
		spec:  &s.iterSpec,
		ctx:   &w.iterCtx,
		xOut:  x,
		yMul:  y,
		z:     z,
		errZ:  errZ,
		sigma: sigma,
		eps:   eps,
	}
	return d.mainLoop()
}
