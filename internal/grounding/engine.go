package grounding

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"mapnerd/internal/logging"
	"mapnerd/internal/model"
)

// Engine wraps a Mangle program and fact store. Atoms of the model are its
// extensional facts; rule bodies are read back as derived tuples.
type Engine struct {
	factLimit int

	mu             sync.RWMutex
	store          factstore.ConcurrentFactStore
	baseStore      factstore.FactStoreWithRemove
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
	factCount      int
}

// NewEngine creates an empty engine. factLimit <= 0 means unlimited.
func NewEngine(factLimit int) *Engine {
	baseStore := factstore.NewSimpleInMemoryStore()
	return &Engine{
		factLimit:      factLimit,
		baseStore:      baseStore,
		store:          factstore.NewConcurrentFactStore(baseStore),
		predicateIndex: make(map[string]ast.PredicateSym),
	}
}

// LoadProgram parses and analyzes source. Atom predicates the program does not
// declare itself get a generated declaration so they can hold facts.
func (e *Engine) LoadProgram(source string, predicates []model.Predicate) error {
	unit, err := parse.Unit(strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("failed to parse program: %w", err)
	}

	declared := make(map[string]bool, len(unit.Decls))
	for _, decl := range unit.Decls {
		declared[decl.DeclaredAtom.Predicate.Symbol] = true
	}

	var generated strings.Builder
	for _, p := range predicates {
		if declared[p.Name] {
			continue
		}
		vars := make([]string, p.Arity)
		for i := range vars {
			vars[i] = fmt.Sprintf("X%d", i)
		}
		fmt.Fprintf(&generated, "Decl %s(%s).\n", p.Name, strings.Join(vars, ", "))
	}
	if generated.Len() > 0 {
		decls, err := parse.Unit(strings.NewReader(generated.String()))
		if err != nil {
			return fmt.Errorf("failed to declare atom predicates: %w", err)
		}
		unit.Decls = append(unit.Decls, decls.Decls...)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("failed to analyze program: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.programInfo = programInfo
	e.predicateIndex = make(map[string]ast.PredicateSym, len(programInfo.Decls))
	for sym := range programInfo.Decls {
		e.predicateIndex[sym.Symbol] = sym
	}
	logging.GroundingDebug("program loaded: %d predicates, %d rules", len(programInfo.Decls), len(programInfo.Rules))
	return nil
}

// AddAtoms inserts atoms as facts, all arguments as string constants.
func (e *Engine) AddAtoms(atoms []*model.Atom) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no program loaded; call LoadProgram first")
	}

	for _, a := range atoms {
		if e.factLimit > 0 && e.factCount >= e.factLimit {
			return fmt.Errorf("fact limit exceeded: %d", e.factLimit)
		}
		sym, ok := e.predicateIndex[a.Predicate]
		if !ok {
			return fmt.Errorf("predicate %s is not declared", a.Predicate)
		}
		if sym.Arity != len(a.Args) {
			return fmt.Errorf("predicate %s expects %d args, got %d", a.Predicate, sym.Arity, len(a.Args))
		}

		args := make([]ast.BaseTerm, len(a.Args))
		for i, arg := range a.Args {
			args[i] = ast.String(arg)
		}
		if e.store.Add(ast.Atom{Predicate: sym, Args: args}) {
			e.factCount++
		}
	}
	return nil
}

// Evaluate runs the program to a fixpoint over the current facts.
func (e *Engine) Evaluate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no program loaded; call LoadProgram first")
	}

	timer := logging.StartTimer(logging.CategoryGrounding, "mangle evaluation")
	stats, err := mengine.EvalProgramWithStats(e.programInfo, e.store)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("failed to evaluate program: %w", err)
	}
	logging.GroundingDebug("evaluation stats: %+v", stats)
	return nil
}

// Tuples returns every fact of predicate as string arguments. Tuples come back
// in fact store order, which is not stable between runs.
func (e *Engine) Tuples(predicate string) ([][]string, error) {
	e.mu.RLock()
	sym, ok := e.predicateIndex[predicate]
	store := e.store
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}

	var tuples [][]string
	err := store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		row := make([]string, len(atom.Args))
		for i, arg := range atom.Args {
			row[i] = baseTermToString(arg)
		}
		tuples = append(tuples, row)
		return nil
	})
	return tuples, err
}

// Arity returns the arity of a declared or derived predicate.
func (e *Engine) Arity(predicate string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sym, ok := e.predicateIndex[predicate]
	return sym.Arity, ok
}

// Stats returns the fact count per predicate.
func (e *Engine) Stats() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[string]int)
	for _, sym := range e.store.ListPredicates() {
		n := 0
		_ = e.store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
			n++
			return nil
		})
		counts[sym.Symbol] = n
	}
	return counts
}

// Predicates lists the declared predicate names.
func (e *Engine) Predicates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.predicateIndex))
	for name := range e.predicateIndex {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear removes all facts but keeps the program.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseStore = factstore.NewSimpleInMemoryStore()
	e.store = factstore.NewConcurrentFactStore(e.baseStore)
	e.factCount = 0
}

func baseTermToString(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType:
		return c.Symbol
	case ast.NameType:
		return strings.TrimPrefix(c.Symbol, "/")
	case ast.NumberType:
		return strconv.FormatInt(c.NumValue, 10)
	case ast.Float64Type:
		return strconv.FormatFloat(math.Float64frombits(uint64(c.NumValue)), 'g', -1, 64)
	default:
		return c.String()
	}
}
