package grounding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mapnerd/internal/model"
	"mapnerd/internal/reasoner/admm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newGrounder(t *testing.T, source string, opts Options) (*Grounder, *model.Database) {
	t.Helper()
	m, err := ParseModel([]byte(source))
	require.NoError(t, err)
	db, err := m.Database()
	require.NoError(t, err)
	g, err := NewGrounder(m, db, opts)
	require.NoError(t, err)
	return g, db
}

// termLines renders every term by type, atoms, coefficients and constant.
func termLines(s *admm.TermStore) []string {
	var out []string
	for t := range s.Iterator() {
		var parts []string
		for _, v := range t.Variables() {
			parts = append(parts, s.Atom(v.GlobalID).String())
		}
		line := fmt.Sprintf("%T %s", t, strings.Join(parts, " "))
		if f, ok := t.(interface {
			Coefficients() []float64
			Constant() float64
		}); ok {
			line += fmt.Sprintf(" %v %g", f.Coefficients(), f.Constant())
		}
		out = append(out, line)
	}
	return out
}

func TestGround(t *testing.T) {
	g, db := newGrounder(t, smokersModel, Options{Workers: 2, SortTerms: true})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	stats, err := g.Ground(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Groundings)
	assert.Equal(t, 5, stats.Rules)
	assert.Equal(t, 5, stats.Terms)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, 5, store.Size())
	assert.Equal(t, 3, store.NumGlobalVariables(), "only smokes atoms are targets")
	assert.Equal(t, 7, store.NumLocalVariables())

	var hinges int
	for term := range store.Iterator() {
		hinge, ok := term.(*admm.HingeLossTerm)
		if !ok {
			assert.IsType(t, &admm.LinearLossTerm{}, term)
			continue
		}
		hinges++
		assert.Equal(t, 0.0, hinge.Constant(), "observed friends atom folds into the constant")
		assert.Equal(t, []float64{1, -1}, hinge.Coefficients())
		assert.Equal(t, 2.0, hinge.Weight())
	}
	assert.Equal(t, 2, hinges)
	assert.Equal(t, 5, db.Size(), "every grounded atom was already known")
}

func TestGround_SkipsFullyObservedGroundings(t *testing.T) {
	source := strings.Replace(smokersModel, `      - {atom: "smokes(A)"}
      - {coefficient: "-1", atom: "smokes(B)"}
`, "", 1)
	g, _ := newGrounder(t, source, Options{Workers: 1})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	stats, err := g.Ground(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 3, stats.Terms)
}

func TestGround_MergesRepeatedAtoms(t *testing.T) {
	source := `
predicates:
  - {name: smokes, arity: 1}
program: |
  person(A) :- smokes(A).
targets:
  - {atom: "smokes(alice)"}
rules:
  - name: twice
    body: person
    variables: [A]
    comparator: "<="
    constant: "1"
    weight: 1
    terms:
      - {atom: "smokes(A)"}
      - {coefficient: "0.5", atom: "smokes(A)"}
`
	g, _ := newGrounder(t, source, Options{})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	_, err := g.Ground(context.Background(), store)
	require.NoError(t, err)
	require.Equal(t, 1, store.Size())

	hinge := store.Get(0).(*admm.HingeLossTerm)
	assert.Equal(t, []float64{1.5}, hinge.Coefficients())
	assert.Equal(t, 1, store.NumLocalVariables())
}

func TestGround_ExpressionsSeeBindingsAndValues(t *testing.T) {
	source := `
predicates:
  - {name: strength, arity: 1, closed: true}
  - {name: smokes, arity: 1}
program: |
  person(A) :- smokes(A).
observations:
  - {atom: "strength(alice)", value: 0.25}
targets:
  - {atom: "smokes(alice)"}
  - {atom: "smokes(bob)"}
rules:
  - name: scaled
    body: person
    variables: [A]
    weight: 1
    comparator: ">="
    constant: 'A == "bob" ? 0.5 : 0'
    terms:
      - {coefficient: '1 + value("strength", A)', atom: "smokes(A)"}
`
	g, _ := newGrounder(t, source, Options{SortTerms: true})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	_, err := g.Ground(context.Background(), store)
	require.NoError(t, err)
	require.Equal(t, 2, store.Size())

	got := map[string][]float64{}
	for term := range store.Iterator() {
		h := term.(*admm.HingeLossTerm)
		atom := store.Atom(h.Variables()[0].GlobalID).String()
		got[atom] = append([]float64{h.Constant()}, h.Coefficients()...)
	}
	// >= is stored as a negated <= hinge.
	assert.Equal(t, map[string][]float64{
		"smokes(alice)": {0, -1.25},
		"smokes(bob)":   {-0.5, -1},
	}, got)
}

func TestGround_IsDeterministicWhenSorted(t *testing.T) {
	source := chainModel(60)

	run := func() []string {
		g, _ := newGrounder(t, source, Options{Workers: 8, SortTerms: true})
		store := admm.NewMemoryTermStore(0)
		defer store.Close()
		_, err := g.Ground(context.Background(), store)
		require.NoError(t, err)
		return termLines(store)
	}

	first := run()
	for i := 0; i < 3; i++ {
		if diff := cmp.Diff(first, run()); diff != "" {
			t.Fatalf("sorted grounding differs between runs (-first +again):\n%s", diff)
		}
	}
}

func TestGround_UnsortedHoldsSameTerms(t *testing.T) {
	source := chainModel(40)

	ground := func(sorted bool) []string {
		g, _ := newGrounder(t, source, Options{Workers: 4, SortTerms: sorted})
		store := admm.NewMemoryTermStore(0)
		defer store.Close()
		_, err := g.Ground(context.Background(), store)
		require.NoError(t, err)
		lines := termLines(store)
		sort.Strings(lines)
		return lines
	}

	assert.Equal(t, ground(true), ground(false))
}

// chainModel is a chain of n people where each friendship links two smokers.
func chainModel(n int) string {
	var b strings.Builder
	b.WriteString(`predicates:
  - {name: friends, arity: 2, closed: true}
  - {name: smokes, arity: 1}
program: |
  pair(A, B) :- friends(A, B).
observations:
`)
	for i := 0; i < n-1; i++ {
		fmt.Fprintf(&b, "  - {atom: \"friends(p%d, p%d)\", value: 1}\n", i, i+1)
	}
	b.WriteString(`rules:
  - name: chain
    body: pair
    variables: [A, B]
    comparator: "<="
    constant: "0"
    weight: 1
    squared: true
    terms:
      - {atom: "smokes(A)"}
      - {coefficient: "-1", atom: "smokes(B)"}
`)
	return b.String()
}

func TestGround_Canceled(t *testing.T) {
	g, _ := newGrounder(t, chainModel(10), Options{Workers: 2})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Ground(ctx, store)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReweight(t *testing.T) {
	g, _ := newGrounder(t, smokersModel, Options{Workers: 2})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	_, err := g.Ground(context.Background(), store)
	require.NoError(t, err)

	require.NoError(t, g.Reweight("friends_smoke", 7, store))

	for term := range store.Iterator() {
		if h, ok := term.(*admm.HingeLossTerm); ok {
			assert.Equal(t, 7.0, h.Weight())
		} else {
			assert.Equal(t, 0.1, term.(*admm.LinearLossTerm).Weight(), "other templates keep their weight")
		}
	}
	assert.Equal(t, 7.0, g.Rules()[0].Weight())

	assert.ErrorIs(t, g.Reweight("missing", 1, store), ErrUnknownRule)
}

func TestReweight_Constraint(t *testing.T) {
	source := strings.Replace(smokersModel, "    weight: 2.0\n", "", 1)
	g, _ := newGrounder(t, source, Options{})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	_, err := g.Ground(context.Background(), store)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Reweight("friends_smoke", 1, store), ErrNotWeighted)
}

func TestReset(t *testing.T) {
	g, _ := newGrounder(t, smokersModel, Options{})
	store := admm.NewMemoryTermStore(0)
	defer store.Close()

	_, err := g.Ground(context.Background(), store)
	require.NoError(t, err)

	store.Clear()
	g.Reset()
	assert.NoError(t, g.Reweight("friends_smoke", 3, store), "nothing is left to update")
}

func TestNewGrounder_Errors(t *testing.T) {
	tests := map[string]struct {
		from, to string
		want     string
	}{
		"body not derived":     {"body: person", "body: nobody", "not defined by the program"},
		"variable count":       {"variables: [A]\n", "variables: [A, B]\n", "arity 1"},
		"bad coefficient expr": {`{coefficient: "-1", atom: "smokes(B)"}`, `{coefficient: "-)", atom: "smokes(B)"}`, "coefficient of smokes(B)"},
		"bad constant expr":    {`constant: "1"`, `constant: "1 +"`, "constant"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			source := strings.Replace(smokersModel, tt.from, tt.to, 1)
			require.NotEqual(t, smokersModel, source)

			m, err := ParseModel([]byte(source))
			require.NoError(t, err)
			db, err := m.Database()
			require.NoError(t, err)

			_, err = NewGrounder(m, db, Options{})
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
