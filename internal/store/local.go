// Package store persists atoms and inference runs in SQLite. A model file can
// take its evidence and targets from the database instead of inline lists, and
// every inference writes its target values and a run record back.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mapnerd/internal/logging"
	"mapnerd/internal/model"
)

// AtomRecord is one row of the atoms table.
type AtomRecord struct {
	Predicate string
	Args      []string
	Value     float64
	Observed  bool
}

// RunRecord is one row of the inference_runs table.
type RunRecord struct {
	ID             string
	Model          string
	StartedAt      time.Time
	FinishedAt     time.Time
	State          string
	Iterations     int
	PrimalResidual float64
	DualResidual   float64
	Objective      float64
	Infeasibility  float64
}

// AtomStore is the SQLite atom database.
type AtomStore struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the database at path.
func Open(path string) (*AtomStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; keeps :memory: databases on a single connection too.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &AtomStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("atom store opened at %s", path)
	return s, nil
}

func (s *AtomStore) initialize() error {
	atomsTable := `
	CREATE TABLE IF NOT EXISTS atoms (
		predicate TEXT NOT NULL,
		args TEXT NOT NULL,
		value REAL NOT NULL,
		observed INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (predicate, args)
	);
	CREATE INDEX IF NOT EXISTS idx_atoms_observed ON atoms(observed);
	`

	runsTable := `
	CREATE TABLE IF NOT EXISTS inference_runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		state TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		primal_residual REAL NOT NULL,
		dual_residual REAL NOT NULL,
		objective REAL NOT NULL,
		infeasibility REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON inference_runs(started_at);
	`

	for _, table := range []string{atomsTable, runsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *AtomStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *AtomStore) Path() string {
	return s.dbPath
}

// ImportAtoms upserts atoms in one transaction and returns how many were written.
func (s *AtomStore) ImportAtoms(ctx context.Context, atoms []AtomRecord) (int, error) {
	n, err := s.upsert(ctx, atoms)
	if err == nil {
		logging.Store("imported %d atoms", n)
		logging.Audit().StoreEvent(logging.AuditAtomsImported, s.dbPath, n)
	}
	return n, err
}

func (s *AtomStore) upsert(ctx context.Context, atoms []AtomRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO atoms (predicate, args, value, observed, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(predicate, args) DO UPDATE SET
			value = excluded.value,
			observed = excluded.observed,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range atoms {
		if a.Predicate == "" || len(a.Args) == 0 {
			return 0, fmt.Errorf("atom %s%v needs a predicate and arguments", a.Predicate, a.Args)
		}
		if a.Value < 0 || a.Value > 1 {
			return 0, fmt.Errorf("atom %s has value %g outside [0, 1]", model.AtomKey(a.Predicate, a.Args), a.Value)
		}
		args, err := json.Marshal(a.Args)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, a.Predicate, string(args), a.Value, a.Observed); err != nil {
			return 0, fmt.Errorf("failed to write %s: %w", model.AtomKey(a.Predicate, a.Args), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return len(atoms), nil
}

// LoadDatabase adds every stored atom whose predicate db declares. Atoms of
// other predicates are skipped so one store can serve several models.
func (s *AtomStore) LoadDatabase(ctx context.Context, db *model.Database) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT predicate, args, value, observed FROM atoms ORDER BY predicate, args")
	if err != nil {
		return 0, fmt.Errorf("failed to query atoms: %w", err)
	}
	defer rows.Close()

	loaded, skipped := 0, 0
	for rows.Next() {
		var rec AtomRecord
		var args string
		if err := rows.Scan(&rec.Predicate, &args, &rec.Value, &rec.Observed); err != nil {
			return loaded, fmt.Errorf("failed to scan atom: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
			return loaded, fmt.Errorf("atom %s has malformed args %q: %w", rec.Predicate, args, err)
		}

		if rec.Observed {
			_, err = db.Observe(rec.Predicate, rec.Args, rec.Value)
		} else {
			_, err = db.Target(rec.Predicate, rec.Args, rec.Value)
		}
		switch {
		case errors.Is(err, model.ErrUnknownPredicate):
			skipped++
			continue
		case err != nil:
			return loaded, err
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return loaded, err
	}
	logging.StoreDebug("loaded %d atoms, skipped %d of undeclared predicates", loaded, skipped)
	return loaded, nil
}

// SaveTargets writes the current value of every target atom in db.
func (s *AtomStore) SaveTargets(ctx context.Context, db *model.Database) (int, error) {
	targets := db.Targets()
	records := make([]AtomRecord, len(targets))
	for i, a := range targets {
		records[i] = AtomRecord{Predicate: a.Predicate, Args: a.Args, Value: a.Value()}
	}
	n, err := s.upsert(ctx, records)
	if err == nil {
		logging.StoreDebug("saved %d target values", n)
		logging.Audit().StoreEvent(logging.AuditTargetsSaved, s.dbPath, n)
	}
	return n, err
}

// RecordRun stores a run and returns its id; an empty ID gets a fresh UUID.
func (s *AtomStore) RecordRun(ctx context.Context, run RunRecord) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inference_runs
			(id, model, started_at, finished_at, state, iterations, primal_residual, dual_residual, objective, infeasibility)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Model, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.State, run.Iterations,
		run.PrimalResidual, run.DualResidual, run.Objective, run.Infeasibility)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return run.ID, nil
}

// Runs returns the most recent runs first. limit <= 0 returns all.
func (s *AtomStore) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `
		SELECT id, model, started_at, finished_at, state, iterations, primal_residual, dual_residual, objective, infeasibility
		FROM inference_runs ORDER BY started_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Model, &started, &finished, &r.State, &r.Iterations,
			&r.PrimalResidual, &r.DualResidual, &r.Objective, &r.Infeasibility); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AtomCount returns the number of stored atoms.
func (s *AtomStore) AtomCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM atoms").Scan(&n)
	return n, err
}
