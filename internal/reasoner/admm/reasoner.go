// Package admm solves MAP inference for hinge-loss models with consensus ADMM.
//
// Every objective term owns local copies of the atoms it mentions. One iteration
// minimizes each term against the current consensus, averages the local copies
// of each atom into a new consensus value, and moves the multipliers toward
// agreement. Terms are independent during minimization, and atoms are independent
// during the consensus and dual updates, so both phases run in parallel blocks.
package admm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mapnerd/internal/logging"
	"mapnerd/internal/reasoner/term"
)

// ErrInvalidConfig is returned by NewReasoner for unusable settings.
var ErrInvalidConfig = errors.New("invalid admm config")

const (
	DefaultStepSize      = 1.0
	DefaultMaxIterations = 25000
	DefaultEpsilonAbs    = 1e-5
	DefaultEpsilonRel    = 1e-3
	DefaultComputePeriod = 50
)

// Config holds solver settings. Workers <= 0 means GOMAXPROCS.
type Config struct {
	StepSize      float64
	MaxIterations int
	EpsilonAbs    float64
	EpsilonRel    float64
	ComputePeriod int
	InitialValue  InitialValue
	Workers       int
}

// DefaultConfig returns the standard solver settings.
func DefaultConfig() Config {
	return Config{
		StepSize:      DefaultStepSize,
		MaxIterations: DefaultMaxIterations,
		EpsilonAbs:    DefaultEpsilonAbs,
		EpsilonRel:    DefaultEpsilonRel,
		ComputePeriod: DefaultComputePeriod,
		InitialValue:  InitialValueAtom,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case !(c.StepSize > 0):
		return fmt.Errorf("%w: step size must be positive, got %g", ErrInvalidConfig, c.StepSize)
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidConfig, c.MaxIterations)
	case c.EpsilonAbs < 0 || c.EpsilonRel < 0:
		return fmt.Errorf("%w: tolerances must not be negative", ErrInvalidConfig)
	case c.ComputePeriod <= 0:
		return fmt.Errorf("%w: compute period must be positive, got %d", ErrInvalidConfig, c.ComputePeriod)
	case !c.InitialValue.valid():
		return fmt.Errorf("%w: %w: %d", ErrInvalidConfig, ErrUnknownInitialValue, int(c.InitialValue))
	}
	return nil
}

// State is the solver's position in its lifecycle.
type State int32

const (
	StateInit State = iota
	StateIterating
	StateConverged
	StateMaxIterations
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateMaxIterations:
		return "max_iterations"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result describes one Optimize call. Objective is the weighted loss of all soft
// terms at the final consensus; Infeasibility is the summed constraint violation.
type Result struct {
	RunID          string
	State          State
	Iterations     int
	PrimalResidual float64
	DualResidual   float64
	Objective      float64
	Infeasibility  float64
	Duration       time.Duration
}

// Reasoner runs consensus ADMM over a TermStore.
type Reasoner struct {
	cfg   Config
	state atomic.Int32
}

// NewReasoner validates cfg and returns a solver.
func NewReasoner(cfg Config) (*Reasoner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reasoner{cfg: cfg}, nil
}

// Config returns the solver settings.
func (r *Reasoner) Config() Config {
	return r.cfg
}

// State returns the state of the current or last run.
func (r *Reasoner) State() State {
	return State(r.state.Load())
}

func (r *Reasoner) setState(s State) {
	r.state.Store(int32(s))
}

type block struct {
	start, end int
}

// blocks splits [0, n) into at most workers contiguous ranges.
func blocks(n, workers int) []block {
	if n == 0 {
		return nil
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	out := make([]block, 0, workers)
	for start := 0; start < n; start += size {
		out = append(out, block{start: start, end: min(start+size, n)})
	}
	return out
}

// parallel runs fn once per block and waits for all of them.
func parallel(bs []block, fn func(i int, b block)) {
	var g errgroup.Group
	for i, b := range bs {
		g.Go(func() error {
			fn(i, b)
			return nil
		})
	}
	_ = g.Wait()
}

type residualSums struct {
	primal float64 // sum (x - z)^2
	dual   float64 // sum n_g (z_g - z_g_old)^2
	x      float64 // ||x||^2
	z      float64 // ||z||^2 over locals
	y      float64 // ||y||^2
}

func (s *residualSums) add(o residualSums) {
	s.primal += o.primal
	s.dual += o.dual
	s.x += o.x
	s.z += o.z
	s.y += o.y
}

// Optimize resets the local variables, iterates until the residuals fall below
// tolerance or MaxIterations is reached, and writes the consensus into the atoms.
// ctx is checked between iterations; a canceled run leaves the atoms unchanged.
func (r *Reasoner) Optimize(ctx context.Context, store *TermStore) (Result, error) {
	start := time.Now()
	result := Result{RunID: uuid.NewString()}
	log := logging.Get(logging.CategoryADMM).With("run", result.RunID)

	r.setState(StateInit)
	if err := store.ResetLocalVariables(r.cfg.InitialValue); err != nil {
		return result, err
	}

	numTerms := store.Size()
	numGlobals := store.NumGlobalVariables()
	numLocals := store.NumLocalVariables()
	problemSize.WithLabelValues("terms").Set(float64(numTerms))
	problemSize.WithLabelValues("global_variables").Set(float64(numGlobals))
	problemSize.WithLabelValues("local_variables").Set(float64(numLocals))

	consensus := make([]float64, numGlobals)
	store.PullFromAtoms(consensus)

	if numTerms == 0 {
		result.State = StateConverged
		result.Duration = time.Since(start)
		r.setState(result.State)
		logging.ADMM("run %s: no terms to optimize", result.RunID)
		return result, nil
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	termBlocks := blocks(numTerms, workers)
	globalBlocks := blocks(numGlobals, workers)
	partials := make([]residualSums, len(globalBlocks))

	step := r.cfg.StepSize
	sqrtLocals := math.Sqrt(float64(numLocals))

	log.Info("optimizing %d terms over %d globals (%d locals), %d workers", numTerms, numGlobals, numLocals, workers)
	r.setState(StateIterating)
	result.State = StateMaxIterations

	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			optimizeDuration.WithLabelValues("canceled").Observe(time.Since(start).Seconds())
			logging.AuditWithRun(result.RunID, logging.CategoryADMM).Canceled(result.Iterations, err)
			return result, fmt.Errorf("admm canceled after %d iterations: %w", result.Iterations, err)
		}
		check := iteration%r.cfg.ComputePeriod == 0 || iteration == r.cfg.MaxIterations

		parallel(termBlocks, func(_ int, b block) {
			for i := b.start; i < b.end; i++ {
				store.Get(i).Minimize(step, consensus)
			}
		})

		// Consensus then dual update. Both touch only the locals of g, so
		// one pass per global block does both.
		parallel(globalBlocks, func(i int, b block) {
			var sums residualSums
			for g := b.start; g < b.end; g++ {
				locals := store.LocalVariables(g)
				if len(locals) == 0 {
					continue
				}

				total := 0.0
				for _, local := range locals {
					total += local.Value + local.Lagrange/step
				}
				z := clip(total / float64(len(locals)))
				if check {
					d := z - consensus[g]
					sums.dual += float64(len(locals)) * d * d
				}
				consensus[g] = z

				for _, local := range locals {
					diff := local.Value - z
					local.Lagrange += step * diff
					if check {
						sums.primal += diff * diff
						sums.x += local.Value * local.Value
						sums.z += z * z
						sums.y += local.Lagrange * local.Lagrange
					}
				}
			}
			partials[i] = sums
		})
		result.Iterations = iteration

		if !check {
			continue
		}

		var sums residualSums
		for _, p := range partials {
			sums.add(p)
		}
		result.PrimalResidual = math.Sqrt(sums.primal)
		result.DualResidual = step * math.Sqrt(sums.dual)
		epsPrimal := r.cfg.EpsilonAbs*sqrtLocals + r.cfg.EpsilonRel*math.Max(math.Sqrt(sums.x), math.Sqrt(sums.z))
		epsDual := r.cfg.EpsilonAbs*sqrtLocals + r.cfg.EpsilonRel*math.Sqrt(sums.y)

		primalResidual.Set(result.PrimalResidual)
		dualResidual.Set(result.DualResidual)
		logging.ADMMDebug("run %s iteration %d: primal %.6g (eps %.6g), dual %.6g (eps %.6g)",
			result.RunID, iteration, result.PrimalResidual, epsPrimal, result.DualResidual, epsDual)

		if result.PrimalResidual < epsPrimal && result.DualResidual < epsDual {
			result.State = StateConverged
			break
		}
	}
	iterationsTotal.Add(float64(result.Iterations))

	store.PushToAtoms(consensus)
	r.setState(result.State)

	for t := range store.Iterator() {
		if _, ok := t.(term.WeightedTerm); ok {
			result.Objective += t.Evaluate(consensus)
		} else {
			result.Infeasibility += t.Evaluate(consensus)
		}
	}

	result.Duration = time.Since(start)
	optimizeDuration.WithLabelValues(result.State.String()).Observe(result.Duration.Seconds())
	log.Info("%s after %d iterations in %v: objective %.6g, infeasibility %.6g",
		result.State, result.Iterations, result.Duration, result.Objective, result.Infeasibility)
	logging.AuditWithRun(result.RunID, logging.CategoryADMM).Optimized(
		result.State.String(), result.Iterations, result.Objective, result.Duration)
	return result, nil
}

func clip(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
