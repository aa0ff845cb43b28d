package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapnerd/internal/config"
	"mapnerd/internal/reasoner/admm"
)

const votersModel = `
predicates:
  - {name: knows, arity: 2, closed: true}
  - {name: votes, arity: 1}
program: |
  pair(A, B) :- knows(A, B).
  person(A) :- votes(A).
targets:
  - {atom: "votes(alice)"}
  - {atom: "votes(bob)"}
rules:
  - name: influence
    body: pair
    variables: [A, B]
    comparator: "<="
    constant: "1"
    weight: 5
    squared: true
    terms:
      - {atom: "knows(A, B)"}
      - {atom: "votes(A)"}
      - {coefficient: "-1", atom: "votes(B)"}
  - name: prior
    body: person
    variables: [A]
    weight: 0.1
    terms:
      - {atom: "votes(A)"}
`

const votersAtoms = `
atoms:
  - {atom: "knows(alice, bob)", value: 1, observed: true}
  - {atom: "votes(alice)", value: 1, observed: true}
`

// setup resets the command globals to a fresh config rooted in a temp dir.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.Store.DatabasePath = filepath.Join(dir, "atoms.db")
	cfg.ADMM.MaxIterations = 5000
	timeout = time.Minute
	noStore, watchModel, showTerms, runsLimit = false, false, false, 20

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yaml"), []byte(votersModel), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atoms.yaml"), []byte(votersAtoms), 0644))
	return dir
}

func run(t *testing.T, fn func(*cobra.Command, []string) error, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, fn(cmd, args))
	return out.String()
}

func TestImportInferRuns(t *testing.T) {
	dir := setup(t)

	out := run(t, runImport, filepath.Join(dir, "atoms.yaml"))
	assert.Contains(t, out, "imported 2 atoms")

	out = run(t, runInfer, filepath.Join(dir, "model.yaml"))
	assert.Contains(t, out, "grounded")
	assert.Contains(t, out, "votes(bob)")
	assert.NotContains(t, out, "votes(alice)", "stored evidence overrides the inline target")

	out = run(t, runRuns)
	assert.Contains(t, out, "model.yaml")
	assert.Equal(t, 2, strings.Count(out, "\n"), "header plus one run")
}

func TestInferPullsTargetTowardEvidence(t *testing.T) {
	dir := setup(t)
	run(t, runImport, filepath.Join(dir, "atoms.yaml"))

	p, err := newPipeline(t.Context(), cfg, filepath.Join(dir, "model.yaml"), true)
	require.NoError(t, err)
	defer p.Close()

	result, stats, err := p.infer(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rules, "one influence grounding and the bob prior")
	assert.Equal(t, admm.StateConverged, result.State)

	bob, ok := p.db.Lookup("votes(bob)")
	require.True(t, ok)
	assert.Greater(t, bob.Value(), 0.8, "a heavy squared hinge beats a light prior")

	runs, err := p.atoms.Runs(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, runs[0].ID)
}

func TestInferWithoutStore(t *testing.T) {
	dir := setup(t)
	noStore = true

	out := run(t, runInfer, filepath.Join(dir, "model.yaml"))
	assert.Contains(t, out, "votes(alice)")
	assert.Contains(t, out, "votes(bob)")

	_, err := os.Stat(cfg.Store.DatabasePath)
	assert.True(t, os.IsNotExist(err), "no database is created")
}

func TestGround(t *testing.T) {
	dir := setup(t)
	showTerms = true

	out := run(t, runGround, filepath.Join(dir, "model.yaml"))
	assert.Contains(t, out, "terms: 2")
	assert.Contains(t, out, "*admm.LinearLossTerm")
	assert.Contains(t, out, "facts person: 2")
}

func TestGroundPrintsConstraints(t *testing.T) {
	dir := setup(t)
	showTerms = true

	capped := votersModel + `  - name: cap
    body: person
    variables: [A]
    comparator: "<="
    constant: "0.9"
    terms:
      - {atom: "votes(A)"}
`
	path := filepath.Join(dir, "capped.yaml")
	require.NoError(t, os.WriteFile(path, []byte(capped), 0644))

	out := run(t, runGround, path)
	assert.Contains(t, out, "terms: 4")
	assert.Contains(t, out, "*admm.LinearConstraintTerm votes(alice) <= 0.9")
	assert.Contains(t, out, "*admm.LinearConstraintTerm votes(bob) <= 0.9")
}

func TestRunsEmpty(t *testing.T) {
	setup(t)
	assert.Contains(t, run(t, runRuns), "No runs recorded")
}

func TestImportErrors(t *testing.T) {
	dir := setup(t)
	cmd := &cobra.Command{}

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("atoms: []\n"), 0644))
	assert.Error(t, runImport(cmd, []string{empty}))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("atoms:\n  - {atom: \"votes\"}\n"), 0644))
	assert.Error(t, runImport(cmd, []string{bad}))

	assert.Error(t, runImport(cmd, []string{filepath.Join(dir, "missing.yaml")}))
}

func TestSolverConfig(t *testing.T) {
	c := config.DefaultConfig().ADMM
	c.InitialValue = "Random"
	c.Workers = 3

	got, err := solverConfig(c)
	require.NoError(t, err)
	assert.Equal(t, admm.InitialValueRandom, got.InitialValue)
	assert.Equal(t, 3, got.Workers)
	assert.Equal(t, 25000, got.MaxIterations)
	assert.NoError(t, got.Validate())

	c.InitialValue = "ones"
	_, err = solverConfig(c)
	assert.ErrorIs(t, err, admm.ErrUnknownInitialValue)
}
