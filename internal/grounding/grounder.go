// Package grounding turns a model file into objective terms. A Mangle program
// derives the body tuples of every rule template; each tuple instantiates the
// template's linear form over atoms, observed atoms are folded into the
// constant, and the resulting ground rule is handed to the term store.
package grounding

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/sync/errgroup"

	"mapnerd/internal/logging"
	"mapnerd/internal/model"
	"mapnerd/internal/reasoner/admm"
)

var (
	// ErrUnknownRule is returned by Reweight for a template name not in the model.
	ErrUnknownRule = errors.New("unknown rule")
	// ErrNotWeighted is returned by Reweight for a hard constraint.
	ErrNotWeighted = errors.New("rule is a constraint")
)

// groundingBatch is the number of body tuples one worker grounds per task.
const groundingBatch = 256

// Options configures a Grounder.
type Options struct {
	Workers   int  // <= 0 means GOMAXPROCS
	SortTerms bool // sort the term store once grounding finishes
	FactLimit int  // <= 0 means unlimited
}

type compiledTerm struct {
	coefficient *vm.Program
	predicate   string
	args        []string
	isVar       []bool
}

type compiledRule struct {
	def      RuleTemplate
	rule     *model.Rule
	terms    []compiledTerm
	constant *vm.Program
}

// Stats summarizes one Ground call.
type Stats struct {
	Groundings int // body tuples seen
	Rules      int // ground rules that produced terms
	Terms      int
	Skipped    int // groundings with no unobserved atom or no direction
	Duration   time.Duration
}

// Grounder grounds the rules of one model against one atom database.
type Grounder struct {
	db     *model.Database
	engine *Engine
	rules  []*compiledRule
	byName map[string]*compiledRule
	opts   Options

	mu       sync.Mutex
	grounded map[string][]model.WeightedGroundRule
}

// NewGrounder loads the model's program and compiles every rule template.
func NewGrounder(m *Model, db *model.Database, opts Options) (*Grounder, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	g := &Grounder{
		db:       db,
		engine:   NewEngine(opts.FactLimit),
		byName:   make(map[string]*compiledRule, len(m.Rules)),
		opts:     opts,
		grounded: make(map[string][]model.WeightedGroundRule),
	}
	if err := g.engine.LoadProgram(m.Program, db.Predicates()); err != nil {
		return nil, err
	}

	for _, def := range m.Rules {
		cr, err := g.compile(def)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", def.Name, err)
		}
		g.rules = append(g.rules, cr)
		g.byName[def.Name] = cr
	}
	return g, nil
}

func (g *Grounder) compile(def RuleTemplate) (*compiledRule, error) {
	arity, ok := g.engine.Arity(def.Body)
	if !ok {
		return nil, fmt.Errorf("body predicate %s is not defined by the program", def.Body)
	}
	if arity != len(def.Variables) {
		return nil, fmt.Errorf("body %s has arity %d but %d variables are listed", def.Body, arity, len(def.Variables))
	}

	cmp, err := model.ParseComparator(def.Comparator)
	if err != nil {
		return nil, err
	}
	cr := &compiledRule{def: def}
	if def.Weight != nil {
		cr.rule = model.NewWeightedRule(def.Name, *def.Weight, def.Squared, cmp)
	} else {
		cr.rule = model.NewConstraintRule(def.Name, cmp)
	}

	env := make(map[string]any, len(def.Variables))
	for _, v := range def.Variables {
		env[v] = ""
	}
	opts := []expr.Option{expr.Env(env), g.valueFunction()}

	if cr.constant, err = compileNumber(def.Constant, "0", opts); err != nil {
		return nil, fmt.Errorf("constant: %w", err)
	}

	for _, ts := range def.Terms {
		pred, args, quoted, err := splitAtom(ts.Atom)
		if err != nil {
			return nil, err
		}
		ct := compiledTerm{predicate: pred, args: args, isVar: make([]bool, len(args))}
		for i, a := range args {
			ct.isVar[i] = !quoted[i] && IsVariable(a)
			if ct.isVar[i] {
				if _, bound := env[a]; !bound {
					return nil, fmt.Errorf("variable %s in %s is not bound by the body", a, ts.Atom)
				}
			}
		}
		if ct.coefficient, err = compileNumber(ts.Coefficient, "1", opts); err != nil {
			return nil, fmt.Errorf("coefficient of %s: %w", ts.Atom, err)
		}
		cr.terms = append(cr.terms, ct)
	}
	return cr, nil
}

// valueFunction exposes value(predicate, args...) to expressions; it reads an
// atom's current value, or 0 when the atom is unknown.
func (g *Grounder) valueFunction() expr.Option {
	return expr.Function("value", func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("value needs a predicate")
		}
		pred, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("value: predicate must be a string, got %T", params[0])
		}
		args := make([]string, len(params)-1)
		for i, p := range params[1:] {
			args[i] = fmt.Sprint(p)
		}
		if atom, ok := g.db.Lookup(model.AtomKey(pred, args)); ok {
			return atom.Value(), nil
		}
		return 0.0, nil
	})
}

func compileNumber(source, fallback string, opts []expr.Option) (*vm.Program, error) {
	if source == "" {
		source = fallback
	}
	return expr.Compile(source, opts...)
}

func evalNumber(program *vm.Program, env map[string]any) (float64, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return 0, err
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expression returned %T, want a number", out)
	}
}

// Rules returns the compiled rule templates in model order.
func (g *Grounder) Rules() []*model.Rule {
	out := make([]*model.Rule, len(g.rules))
	for i, cr := range g.rules {
		out[i] = cr.rule
	}
	return out
}

// Engine returns the Mangle engine holding the body facts.
func (g *Grounder) Engine() *Engine {
	return g.engine
}

// Ground derives every body tuple, grounds the templates in parallel and adds
// the resulting terms to store. Workers add concurrently, so without SortTerms
// the term order depends on scheduling.
func (g *Grounder) Ground(ctx context.Context, store *admm.TermStore) (Stats, error) {
	start := time.Now()
	var stats Stats

	if err := g.loadFacts(); err != nil {
		return stats, err
	}

	bodies := make([][][]string, len(g.rules))
	for i, cr := range g.rules {
		tuples, err := g.engine.Tuples(cr.def.Body)
		if err != nil {
			return stats, fmt.Errorf("rule %s: %w", cr.def.Name, err)
		}
		logging.GroundingDebug("rule %s: %d body tuples", cr.def.Name, len(tuples))
		bodies[i] = tuples
	}

	var groundings, rules, terms, skipped atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Workers)

	for i, cr := range g.rules {
		tuples := bodies[i]
		for lo := 0; lo < len(tuples); lo += groundingBatch {
			batch := tuples[lo:min(lo+groundingBatch, len(tuples))]
			eg.Go(func() error {
				for _, tuple := range batch {
					if err := gctx.Err(); err != nil {
						return err
					}
					groundings.Add(1)

					ground, err := g.groundTuple(cr, tuple)
					if err != nil {
						return fmt.Errorf("rule %s: %w", cr.def.Name, err)
					}
					if ground == nil {
						skipped.Add(1)
						continue
					}

					n, err := store.AddGroundRule(ground)
					if err != nil {
						return fmt.Errorf("rule %s: %w", cr.def.Name, err)
					}
					if n == 0 {
						skipped.Add(1)
						continue
					}
					rules.Add(1)
					terms.Add(int64(n))
					groundTermsTotal.WithLabelValues(cr.def.Name).Add(float64(n))

					if weighted, ok := ground.(model.WeightedGroundRule); ok {
						g.remember(cr.def.Name, weighted)
					}
				}
				return nil
			})
		}
	}

	err := eg.Wait()
	stats.Groundings = int(groundings.Load())
	stats.Rules = int(rules.Load())
	stats.Terms = int(terms.Load())
	stats.Skipped = int(skipped.Load())
	if err != nil {
		stats.Duration = time.Since(start)
		return stats, err
	}

	if g.opts.SortTerms {
		store.Sort()
	}

	stats.Duration = time.Since(start)
	groundingDuration.Observe(stats.Duration.Seconds())
	logging.Grounding("grounded %d rules into %d terms (%d skipped) in %v",
		stats.Rules, stats.Terms, stats.Skipped, stats.Duration)
	return stats, nil
}

// loadFacts refreshes the engine: observed atoms with a positive value and all
// targets become facts, then the program is evaluated.
func (g *Grounder) loadFacts() error {
	g.engine.Clear()

	var facts []*model.Atom
	for _, atom := range g.db.Atoms() {
		if !atom.Observed || atom.Value() > 0 {
			facts = append(facts, atom)
		}
	}
	if err := g.engine.AddAtoms(facts); err != nil {
		return err
	}
	return g.engine.Evaluate()
}

// groundTuple instantiates cr for one body tuple. It returns nil when every
// atom is observed.
func (g *Grounder) groundTuple(cr *compiledRule, tuple []string) (model.GroundRule, error) {
	env := make(map[string]any, len(cr.def.Variables))
	for i, v := range cr.def.Variables {
		env[v] = tuple[i]
	}

	constant, err := evalNumber(cr.constant, env)
	if err != nil {
		return nil, fmt.Errorf("constant: %w", err)
	}

	var (
		atoms  []*model.Atom
		coeffs []float64
		index  map[*model.Atom]int
	)
	for _, ct := range cr.terms {
		coeff, err := evalNumber(ct.coefficient, env)
		if err != nil {
			return nil, fmt.Errorf("coefficient: %w", err)
		}

		args := make([]string, len(ct.args))
		for i, a := range ct.args {
			if ct.isVar[i] {
				args[i] = tuple[indexOf(cr.def.Variables, a)]
			} else {
				args[i] = a
			}
		}
		atom, err := g.db.Resolve(ct.predicate, args)
		if err != nil {
			return nil, err
		}

		if atom.Observed {
			constant -= coeff * atom.Value()
			continue
		}
		if i, ok := index[atom]; ok {
			coeffs[i] += coeff
			continue
		}
		if index == nil {
			index = make(map[*model.Atom]int, len(cr.terms))
		}
		index[atom] = len(atoms)
		atoms = append(atoms, atom)
		coeffs = append(coeffs, coeff)
	}

	if len(atoms) == 0 {
		return nil, nil
	}
	return model.Ground(cr.rule, atoms, coeffs, constant), nil
}

func indexOf(vars []string, name string) int {
	for i, v := range vars {
		if v == name {
			return i
		}
	}
	return -1
}

func (g *Grounder) remember(name string, rule model.WeightedGroundRule) {
	g.mu.Lock()
	g.grounded[name] = append(g.grounded[name], rule)
	g.mu.Unlock()
}

// Reweight sets a template's weight and pushes it to every term its groundings
// produced, without grounding again.
func (g *Grounder) Reweight(name string, weight float64, store *admm.TermStore) error {
	cr, ok := g.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	if !cr.rule.IsWeighted() {
		return fmt.Errorf("%w: %s", ErrNotWeighted, name)
	}
	cr.rule.SetWeight(weight)

	g.mu.Lock()
	grounded := g.grounded[name]
	g.mu.Unlock()

	var errs []error
	for _, ground := range grounded {
		if err := store.UpdateWeight(ground); err != nil {
			errs = append(errs, err)
		}
	}
	logging.TermStore("reweighted %s to %g across %d ground rules", name, weight, len(grounded))
	logging.Audit().Reweighted(name, weight, len(grounded))
	return errors.Join(errs...)
}

// Reset forgets the ground rules recorded for Reweight, e.g. after the term
// store was cleared.
func (g *Grounder) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.grounded)
}
