package admm

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapnerd/internal/model"
	"mapnerd/internal/reasoner/term"
)

func TestCreateLocalVariable(t *testing.T) {
	s := NewMemoryTermStore(0)
	a := model.NewAtom("p", []string{"a"}, 0.25, false)
	b := model.NewAtom("p", []string{"b"}, 0.75, false)

	la1 := s.CreateLocalVariable(a)
	lb := s.CreateLocalVariable(b)
	la2 := s.CreateLocalVariable(a)

	assert.Equal(t, 0, la1.GlobalID)
	assert.Equal(t, 1, lb.GlobalID)
	assert.Equal(t, 0, la2.GlobalID)
	assert.Equal(t, 0.25, la1.Value)
	assert.Equal(t, a.Hash(), la1.AtomHash())

	assert.Equal(t, 2, s.NumGlobalVariables())
	assert.Equal(t, 3, s.NumLocalVariables())
	assert.Equal(t, []*LocalVariable{la1, la2}, s.LocalVariables(0))
	assert.Same(t, b, s.Atom(1))

	id, ok := s.GlobalID(b)
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	assert.Panics(t, func() { s.LocalVariables(2) })
	assert.Panics(t, func() { s.Atom(-1) })
}

func TestConcurrentCreateLocalVariable(t *testing.T) {
	s := NewMemoryTermStore(0)
	atoms := make([]*model.Atom, 10)
	for i := range atoms {
		atoms[i] = model.NewAtom("p", []string{fmt.Sprint(i)}, 0, false)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, a := range atoms {
				s.CreateLocalVariable(a)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, s.NumGlobalVariables())
	assert.Equal(t, 80, s.NumLocalVariables())
	assertLocalsConsistent(t, s)
}

func TestPushPullRoundTrip(t *testing.T) {
	s := NewMemoryTermStore(0)
	atoms := []*model.Atom{
		model.NewAtom("p", []string{"a"}, 0.1, false),
		model.NewAtom("p", []string{"b"}, 0.2, false),
	}
	for _, a := range atoms {
		s.CreateLocalVariable(a)
	}

	s.PushToAtoms([]float64{0.6, 0.9})
	assert.Equal(t, 0.6, atoms[0].Value())
	assert.Equal(t, 0.9, atoms[1].Value())

	out := make([]float64, 2)
	s.PullFromAtoms(out)
	assert.Equal(t, []float64{0.6, 0.9}, out)

	assert.Panics(t, func() { s.PullFromAtoms(make([]float64, 1)) })
	assert.Panics(t, func() { s.PushToAtoms(nil) })
}

func TestResetLocalVariables(t *testing.T) {
	newStore := func() (*TermStore, []*LocalVariable) {
		s := NewMemoryTermStore(0)
		a := model.NewAtom("p", []string{"a"}, 0.3, false)
		b := model.NewAtom("p", []string{"b"}, 0.7, false)
		locals := []*LocalVariable{s.CreateLocalVariable(a), s.CreateLocalVariable(b), s.CreateLocalVariable(a)}
		for _, l := range locals {
			l.Value = 0.5
			l.Lagrange = 2
		}
		return s, locals
	}

	t.Run("zero", func(t *testing.T) {
		s, locals := newStore()
		require.NoError(t, s.ResetLocalVariables(InitialValueZero))
		for _, l := range locals {
			assert.Equal(t, 0.0, l.Value)
			assert.Equal(t, 0.0, l.Lagrange)
		}
	})

	t.Run("atom", func(t *testing.T) {
		s, locals := newStore()
		require.NoError(t, s.ResetLocalVariables(InitialValueAtom))
		assert.Equal(t, []float64{0.3, 0.7, 0.3}, values(locals))
		assert.Equal(t, 0.0, locals[1].Lagrange)
	})

	t.Run("random is seeded", func(t *testing.T) {
		s1, locals1 := newStore()
		s2, locals2 := newStore()
		require.NoError(t, s1.ResetLocalVariables(InitialValueRandom))
		require.NoError(t, s2.ResetLocalVariablesDefault())

		assert.Equal(t, values(locals1), values(locals2))
		for _, v := range values(locals1) {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.Less(t, v, 1.0)
		}
	})

	t.Run("unknown leaves locals untouched", func(t *testing.T) {
		s, locals := newStore()
		err := s.ResetLocalVariables(InitialValue(42))
		assert.ErrorIs(t, err, ErrUnknownInitialValue)
		for _, l := range locals {
			assert.Equal(t, 0.5, l.Value)
			assert.Equal(t, 2.0, l.Lagrange)
		}
	})
}

func TestParseInitialValue(t *testing.T) {
	for _, v := range []InitialValue{InitialValueZero, InitialValueRandom, InitialValueAtom} {
		parsed, err := ParseInitialValue(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	}

	parsed, err := ParseInitialValue(" Atom ")
	require.NoError(t, err)
	assert.Equal(t, InitialValueAtom, parsed)

	_, err = ParseInitialValue("ones")
	assert.ErrorIs(t, err, ErrUnknownInitialValue)
}

func TestAddGroundRule(t *testing.T) {
	a := model.NewAtom("p", []string{"a"}, 0, false)
	b := model.NewAtom("p", []string{"b"}, 0, false)
	atoms := []*model.Atom{a, b}
	coeffs := []float64{1, -1}

	tests := []struct {
		name  string
		rule  *model.Rule
		count int
		want  []any
	}{
		{name: "linear", rule: model.NewWeightedRule("r", 1, false, model.ComparatorNone), count: 1, want: []any{&LinearLossTerm{}}},
		{name: "le hinge", rule: model.NewWeightedRule("r", 1, false, model.ComparatorLE), count: 1, want: []any{&HingeLossTerm{}}},
		{name: "ge squared hinge", rule: model.NewWeightedRule("r", 1, true, model.ComparatorGE), count: 1, want: []any{&SquaredHingeLossTerm{}}},
		{name: "eq two hinges", rule: model.NewWeightedRule("r", 1, false, model.ComparatorEQ), count: 2, want: []any{&HingeLossTerm{}, &HingeLossTerm{}}},
		{name: "eq squared", rule: model.NewWeightedRule("r", 1, true, model.ComparatorEQ), count: 1, want: []any{&SquaredLinearLossTerm{}}},
		{name: "constraint", rule: model.NewConstraintRule("r", model.ComparatorLE), count: 1, want: []any{&LinearConstraintTerm{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryTermStore(0)
			n, err := s.AddGroundRule(model.Ground(tt.rule, atoms, coeffs, 0.5))
			require.NoError(t, err)
			assert.Equal(t, tt.count, n)
			require.Equal(t, tt.count, s.Size())
			for i, want := range tt.want {
				assert.IsType(t, want, s.Get(i))
			}
			assert.Equal(t, 2*tt.count, s.NumLocalVariables())
		})
	}
}

func TestAddGroundRuleGreaterEqualIsNegated(t *testing.T) {
	s := NewMemoryTermStore(0)
	a := model.NewAtom("p", []string{"a"}, 0, false)
	rule := model.NewWeightedRule("at_least", 1, false, model.ComparatorGE)

	_, err := s.AddGroundRule(model.Ground(rule, []*model.Atom{a}, []float64{1}, 0.7))
	require.NoError(t, err)

	hinge := s.Get(0).(*HingeLossTerm)
	assert.Equal(t, []float64{-1}, hinge.Coefficients())
	assert.Equal(t, -0.7, hinge.Constant())
	assert.InDelta(t, 0.2, hinge.Evaluate([]float64{0.5}), tolerance)
}

func TestAddGroundRuleRejects(t *testing.T) {
	s := NewMemoryTermStore(0)
	a := model.NewAtom("p", []string{"a"}, 0, false)

	_, err := s.AddGroundRule(model.Ground(model.NewConstraintRule("c", model.ComparatorNone), []*model.Atom{a}, []float64{1}, 0))
	assert.ErrorIs(t, err, ErrUnsupportedRule)

	_, err = s.AddGroundRule(ruleOnly(7))
	assert.ErrorIs(t, err, ErrUnsupportedRule)

	n, err := s.AddGroundRule(model.Ground(model.NewWeightedRule("w", 1, false, model.ComparatorLE), []*model.Atom{a}, []float64{0}, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.NumGlobalVariables(), "trivial rules register no variables")
}

type ruleOnly uint64

func (r ruleOnly) Hash() uint64 { return uint64(r) }

func TestUpdateWeightReachesEveryTermOfRule(t *testing.T) {
	s := NewMemoryTermStore(0)
	a := model.NewAtom("p", []string{"a"}, 0, false)
	b := model.NewAtom("p", []string{"b"}, 0, false)
	rule := model.NewWeightedRule("same", 1, false, model.ComparatorEQ)
	ground := model.Ground(rule, []*model.Atom{a, b}, []float64{1, -1}, 0)

	_, err := s.AddGroundRule(ground)
	require.NoError(t, err)

	rule.SetWeight(3)
	require.NoError(t, s.UpdateWeight(ground.(model.WeightedGroundRule)))

	indices, err := s.TermIndices(ground.(model.WeightedGroundRule))
	require.NoError(t, err)
	require.Len(t, indices, 2)
	for _, i := range indices {
		assert.Equal(t, 3.0, s.Get(i).(term.WeightedTerm).Weight())
	}
}

// groundRules builds the same rules over fresh atoms, shuffled by seed.
func groundRules(seed int64) []model.GroundRule {
	atoms := make([]*model.Atom, 12)
	for i := range atoms {
		atoms[i] = model.NewAtom("votes", []string{fmt.Sprintf("person%02d", i), "red"}, 0, false)
	}
	templates := []*model.Rule{
		model.NewWeightedRule("friends_agree", 1.5, false, model.ComparatorLE),
		model.NewWeightedRule("prior", 0.2, true, model.ComparatorLE),
		model.NewConstraintRule("at_most_one", model.ComparatorLE),
	}

	var rules []model.GroundRule
	for i := range atoms {
		j := (i*5 + 3) % len(atoms)
		rules = append(rules,
			model.Ground(templates[0], []*model.Atom{atoms[i], atoms[j]}, []float64{1, -1}, 0),
			model.Ground(templates[1], []*model.Atom{atoms[i]}, []float64{1}, 0),
		)
		if i%3 == 0 {
			rules = append(rules, model.Ground(templates[2], []*model.Atom{atoms[i], atoms[j]}, []float64{1, 1}, 1))
		}
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(rules), func(i, j int) { rules[i], rules[j] = rules[j], rules[i] })
	return rules
}

func addConcurrently(t *testing.T, s *TermStore, rules []model.GroundRule, workers int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, len(rules))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(rules); i += workers {
				if _, err := s.AddGroundRule(rules[i]); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

type termShape struct {
	Hash    uint64
	Globals []int
}

func shape(s *TermStore) ([]termShape, []string) {
	var terms []termShape
	for t := range s.Iterator() {
		ts := termShape{Hash: t.Hash()}
		for _, v := range t.Variables() {
			ts.Globals = append(ts.Globals, v.GlobalID)
		}
		terms = append(terms, ts)
	}
	atoms := make([]string, s.NumGlobalVariables())
	for g := range atoms {
		atoms[g] = s.Atom(g).String()
	}
	return terms, atoms
}

func assertLocalsConsistent(t *testing.T, s *TermStore) {
	t.Helper()
	total := 0
	for g := 0; g < s.NumGlobalVariables(); g++ {
		for _, l := range s.LocalVariables(g) {
			assert.Equal(t, g, l.GlobalID)
			assert.Equal(t, s.Atom(g).Hash(), l.AtomHash())
		}
		total += len(s.LocalVariables(g))
	}
	assert.Equal(t, s.NumLocalVariables(), total)
}

func TestSortIsDeterministicUnderConcurrentGrounding(t *testing.T) {
	s1 := NewMemoryTermStore(0)
	s2 := NewMemoryTermStore(0)
	addConcurrently(t, s1, groundRules(1), 4)
	addConcurrently(t, s2, groundRules(2), 3)

	s1.Sort()
	s2.Sort()

	terms1, atoms1 := shape(s1)
	terms2, atoms2 := shape(s2)
	if diff := cmp.Diff(atoms1, atoms2); diff != "" {
		t.Errorf("global order differs (-s1 +s2):\n%s", diff)
	}
	if diff := cmp.Diff(terms1, terms2); diff != "" {
		t.Errorf("term order differs (-s1 +s2):\n%s", diff)
	}
	assertLocalsConsistent(t, s1)
	assertLocalsConsistent(t, s2)
}

func TestWithoutSortOrderFollowsInsertion(t *testing.T) {
	s1 := NewMemoryTermStore(0)
	s2 := NewMemoryTermStore(0)
	addConcurrently(t, s1, groundRules(1), 1)
	addConcurrently(t, s2, groundRules(2), 1)

	terms1, _ := shape(s1)
	terms2, _ := shape(s2)
	assert.NotEqual(t, terms1, terms2)
}

func TestSortKeepsIndicesAndLocalsConsistent(t *testing.T) {
	s := NewMemoryTermStore(0)
	rules := groundRules(5)
	addConcurrently(t, s, rules, 4)

	before := map[model.WeightedGroundRule][]ObjectiveTerm{}
	for _, r := range rules {
		if w, ok := r.(model.WeightedGroundRule); ok {
			indices, err := s.TermIndices(w)
			require.NoError(t, err)
			for _, i := range indices {
				before[w] = append(before[w], s.Get(i))
			}
		}
	}
	locals := s.NumLocalVariables()

	termPerm := s.Sort()
	globalPerm := s.GlobalPermutation()
	assert.Equal(t, s.Size(), termPerm.Len())
	assert.Equal(t, s.NumGlobalVariables(), globalPerm.Len())
	assert.Equal(t, locals, s.NumLocalVariables())

	for w, terms := range before {
		indices, err := s.TermIndices(w)
		require.NoError(t, err)
		require.Len(t, indices, len(terms))
		for _, i := range indices {
			assert.Contains(t, terms, s.Get(i))
		}
	}
	assertLocalsConsistent(t, s)

	// Sorting a sorted store moves nothing.
	assert.True(t, s.Sort().IsIdentity())
	assert.True(t, s.GlobalPermutation().IsIdentity())
}

func TestSortGlobalsWithDetachedLocals(t *testing.T) {
	s := NewMemoryTermStore(0)
	b := model.NewAtom("p", []string{"b"}, 0, false)
	a := model.NewAtom("p", []string{"a"}, 0, false)
	// Registered but never added to a term.
	lb := s.CreateLocalVariable(b)
	la := s.CreateLocalVariable(a)

	perm := s.SortGlobals()

	assert.Equal(t, 2, perm.Len())
	assert.Equal(t, 2, s.NumLocalVariables())
	assert.Equal(t, []*LocalVariable{lb}, s.LocalVariables(lb.GlobalID))
	assert.Equal(t, []*LocalVariable{la}, s.LocalVariables(la.GlobalID))
	assertLocalsConsistent(t, s)
}

func TestTermStoreClearAndClose(t *testing.T) {
	s := NewMemoryTermStore(0)
	addConcurrently(t, s, groundRules(1), 2)
	require.NotZero(t, s.Size())

	s.Clear()
	assert.Zero(t, s.Size())
	assert.Zero(t, s.NumGlobalVariables())
	assert.Zero(t, s.NumLocalVariables())

	addConcurrently(t, s, groundRules(2), 2)
	assert.NotZero(t, s.Size())
	assertLocalsConsistent(t, s)

	s.Close()
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.Size() })

	atom := model.NewAtom("p", []string{"a"}, 0.5, false)
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.CreateLocalVariable(atom) })
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.SortGlobals() })
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.Sort() })
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.PushToAtoms(nil) })
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.PullFromAtoms(nil) })
	assert.PanicsWithValue(t, term.ErrClosed, func() { _ = s.ResetLocalVariables(InitialValueZero) })
	assert.PanicsWithValue(t, term.ErrClosed, func() { s.NumGlobalVariables() })

	// Closing again and clearing a closed store are no-ops.
	assert.NotPanics(t, func() {
		s.Close()
		s.Clear()
	})
}
