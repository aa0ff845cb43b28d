package main

import (
	"context"
	"fmt"
	"time"

	"mapnerd/internal/config"
	"mapnerd/internal/grounding"
	"mapnerd/internal/logging"
	"mapnerd/internal/model"
	"mapnerd/internal/reasoner/admm"
	"mapnerd/internal/reasoner/term"
	"mapnerd/internal/store"
)

// pipeline holds everything one model run needs: the model, its atoms, the
// grounder and the term store it fills.
type pipeline struct {
	cfg       *config.Config
	modelPath string
	db        *model.Database
	atoms     *store.AtomStore // nil when the database is not used
	terms     *admm.TermStore
	grounder  *grounding.Grounder
}

// newPipeline loads the model, merges stored atoms into its database when
// useStore is set and prepares the grounder.
func newPipeline(ctx context.Context, cfg *config.Config, modelPath string, useStore bool) (*pipeline, error) {
	m, err := grounding.LoadModel(modelPath)
	if err != nil {
		return nil, err
	}
	db, err := m.Database()
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, modelPath: modelPath, db: db}
	if useStore {
		p.atoms, err = store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return nil, err
		}
		if _, err := p.atoms.LoadDatabase(ctx, db); err != nil {
			p.Close()
			return nil, err
		}
	}

	inner, err := term.NewStore[admm.ObjectiveTerm](cfg.TermStore.Internal, cfg.TermStore.InitialSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.terms = admm.NewTermStore(inner, cfg.ADMM.Seed)

	p.grounder, err = grounding.NewGrounder(m, db, grounding.Options{
		Workers:   cfg.Grounding.Workers,
		SortTerms: cfg.Grounding.SortTerms,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) ground(ctx context.Context) (grounding.Stats, error) {
	stats, err := p.grounder.Ground(ctx, p.terms)
	if err != nil {
		logging.Audit().Error(logging.CategoryGrounding, err)
		return stats, err
	}
	logging.Audit().Grounded(p.modelPath, stats.Rules, stats.Terms, stats.Duration)
	return stats, nil
}

// infer grounds, optimizes and, with a database, saves targets and the run.
func (p *pipeline) infer(ctx context.Context) (admm.Result, grounding.Stats, error) {
	started := time.Now()

	stats, err := p.ground(ctx)
	if err != nil {
		return admm.Result{}, stats, err
	}

	solverCfg, err := solverConfig(p.cfg.ADMM)
	if err != nil {
		return admm.Result{}, stats, err
	}
	reasoner, err := admm.NewReasoner(solverCfg)
	if err != nil {
		return admm.Result{}, stats, err
	}
	result, err := reasoner.Optimize(ctx, p.terms)
	if err != nil {
		return result, stats, err
	}

	if p.atoms != nil {
		if _, err := p.atoms.SaveTargets(ctx, p.db); err != nil {
			return result, stats, err
		}
		if _, err := p.atoms.RecordRun(ctx, store.RunRecord{
			ID:             result.RunID,
			Model:          p.modelPath,
			StartedAt:      started,
			FinishedAt:     time.Now(),
			State:          result.State.String(),
			Iterations:     result.Iterations,
			PrimalResidual: result.PrimalResidual,
			DualResidual:   result.DualResidual,
			Objective:      result.Objective,
			Infeasibility:  result.Infeasibility,
		}); err != nil {
			return result, stats, err
		}
	}
	return result, stats, nil
}

func (p *pipeline) Close() {
	if p.terms != nil {
		p.terms.Close()
	}
	if p.atoms != nil {
		_ = p.atoms.Close()
	}
}

// solverConfig maps the admm config section onto the solver's settings.
func solverConfig(c config.ADMMConfig) (admm.Config, error) {
	initial, err := admm.ParseInitialValue(c.InitialValue)
	if err != nil {
		return admm.Config{}, fmt.Errorf("admm.initial_value: %w", err)
	}
	return admm.Config{
		StepSize:      c.StepSize,
		MaxIterations: c.MaxIterations,
		EpsilonAbs:    c.EpsilonAbs,
		EpsilonRel:    c.EpsilonRel,
		ComputePeriod: c.ComputePeriod,
		InitialValue:  initial,
		Workers:       c.Workers,
	}, nil
}
