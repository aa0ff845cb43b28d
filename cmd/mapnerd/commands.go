package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mapnerd/internal/grounding"
	"mapnerd/internal/model"
	"mapnerd/internal/reasoner/admm"
	"mapnerd/internal/store"
)

var (
	noStore       bool
	watchModel    bool
	watchDebounce time.Duration
	showTerms     bool
	runsLimit     int
)

var inferCmd = &cobra.Command{
	Use:   "infer <model.yaml>",
	Short: "Ground a model and compute MAP values for its targets",
	Long: `Grounds every rule template of the model, minimizes the resulting
objective with consensus ADMM and prints the inferred target values.

Unless --no-store is given, stored atoms are merged into the model first and
the inferred values plus a run record are written back to the database.

With --watch the command keeps running and infers again every time the model
file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfer,
}

var groundCmd = &cobra.Command{
	Use:   "ground <model.yaml>",
	Short: "Ground a model and report the objective terms without optimizing",
	Args:  cobra.ExactArgs(1),
	RunE:  runGround,
}

var importCmd = &cobra.Command{
	Use:   "import <atoms.yaml>",
	Short: "Import observed and target atoms into the atom database",
	Long: `Reads a YAML file of the form

  atoms:
    - {atom: "friends(alice, bob)", value: 1, observed: true}
    - {atom: "smokes(bob)", value: 0.5}

and upserts every atom into the database.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded inference runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

// commandContext applies the timeout and cancels on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runInfer(cmd *cobra.Command, args []string) error {
	stopMetrics := serveMetrics(cfg.Metrics.Addr)
	defer stopMetrics()

	ctx, cancel := commandContext()
	err := inferOnce(ctx, cmd.OutOrStdout(), args[0])
	cancel()
	if err != nil || !watchModel {
		return err
	}

	// The timeout applies to each run, not to the watch itself.
	watchCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newModelWatcher(args[0], watchDebounce, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inferOnce(runCtx, cmd.OutOrStdout(), args[0])
	})
	if err != nil {
		return err
	}
	logger.Info("Watching model for changes", zap.String("model", args[0]))
	return w.Run(watchCtx)
}

// inferOnce runs the full pipeline for one model and prints the targets.
func inferOnce(ctx context.Context, out io.Writer, modelPath string) error {
	p, err := newPipeline(ctx, cfg, modelPath, !noStore)
	if err != nil {
		return err
	}
	defer p.Close()

	logger.Info("Running inference", zap.String("model", modelPath))
	result, stats, err := p.infer(ctx)
	if err != nil {
		return err
	}
	logger.Info("Inference finished",
		zap.String("run", result.RunID),
		zap.String("state", result.State.String()),
		zap.Int("iterations", result.Iterations),
		zap.Duration("duration", result.Duration))

	fmt.Fprintf(out, "grounded %d rules into %d terms in %v\n", stats.Rules, stats.Terms, stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "run %s: %s after %d iterations (primal %.3g, dual %.3g)\n",
		result.RunID, result.State, result.Iterations, result.PrimalResidual, result.DualResidual)
	fmt.Fprintf(out, "objective %.6g, infeasibility %.3g\n\n", result.Objective, result.Infeasibility)
	return printAtoms(out, p.db.Targets())
}

func runGround(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	p, err := newPipeline(ctx, cfg, args[0], false)
	if err != nil {
		return err
	}
	defer p.Close()

	stats, err := p.ground(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "groundings: %d\nground rules: %d\nterms: %d\nskipped: %d\n",
		stats.Groundings, stats.Rules, stats.Terms, stats.Skipped)
	fmt.Fprintf(out, "global variables: %d\nlocal variables: %d\n",
		p.terms.NumGlobalVariables(), p.terms.NumLocalVariables())

	if showTerms {
		facts := p.grounder.Engine().Stats()
		predicates := make([]string, 0, len(facts))
		for name := range facts {
			predicates = append(predicates, name)
		}
		sort.Strings(predicates)
		fmt.Fprintln(out)
		for _, name := range predicates {
			fmt.Fprintf(out, "facts %s: %d\n", name, facts[name])
		}

		fmt.Fprintln(out)
		for t := range p.terms.Iterator() {
			fmt.Fprintf(out, "%T", t)
			for _, v := range t.Variables() {
				fmt.Fprintf(out, " %s", p.terms.Atom(v.GlobalID))
			}
			if c, ok := t.(*admm.LinearConstraintTerm); ok {
				fmt.Fprintf(out, " %s %g", c.Comparator(), c.Constant())
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

// atomFile is the import file format.
type atomFile struct {
	Atoms []struct {
		Atom     string  `yaml:"atom"`
		Value    float64 `yaml:"value"`
		Observed bool    `yaml:"observed"`
	} `yaml:"atoms"`
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read atoms: %w", err)
	}
	var file atomFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse atoms: %w", err)
	}
	if len(file.Atoms) == 0 {
		return errors.New("no atoms in file")
	}

	records := make([]store.AtomRecord, len(file.Atoms))
	for i, a := range file.Atoms {
		pred, atomArgs, err := grounding.ParseAtom(a.Atom)
		if err != nil {
			return err
		}
		records[i] = store.AtomRecord{Predicate: pred, Args: atomArgs, Value: a.Value, Observed: a.Observed}
	}

	atoms, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer atoms.Close()

	n, err := atoms.ImportAtoms(ctx, records)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d atoms into %s\n", n, atoms.Path())
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	atoms, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer atoms.Close()

	runs, err := atoms.Runs(ctx, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tMODEL\tSTARTED\tSTATE\tITERATIONS\tOBJECTIVE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.6g\n",
			r.ID, r.Model, r.StartedAt.Format(time.RFC3339), r.State, r.Iterations, r.Objective)
	}
	return w.Flush()
}

// printAtoms writes atoms sorted by key with their values.
func printAtoms(out io.Writer, atoms []*model.Atom) error {
	sorted := append([]*model.Atom(nil), atoms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ATOM\tVALUE")
	for _, a := range sorted {
		fmt.Fprintf(w, "%s\t%.4f\n", a.Key(), a.Value())
	}
	return w.Flush()
}

// serveMetrics exposes the Prometheus registry on addr until the returned
// function is called. An empty addr is a no-op.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
