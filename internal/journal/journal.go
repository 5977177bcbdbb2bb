// Package journal persists run, unit, and sub-task outcomes in a sqlite
// file so aggregate success and failure is queryable by callers, tests, and
// the report tool rather than only visible in logs.
package journal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/geofold/compositor/internal/scheduler"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is a handle on the run database.
type Journal struct {
	db *sql.DB
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusNoData    = "no_data"
	StatusFailed    = "failed"
)

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// BeginRun records the start of a product run.
func (j *Journal) BeginRun(runID, product, collection string, startedAt time.Time) error {
	_, err := j.db.Exec(
		`INSERT INTO runs (run_id, product, collection, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, product, collection, StatusRunning, startedAt.UTC(),
	)
	return err
}

// RecordSummary stores the joined fan-in accounting of a run: one row per
// unit and one row per sub-task, failures carrying their error text.
func (j *Journal) RecordSummary(runID string, sum *scheduler.Summary) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	failed := make(map[string]map[int]string)
	for _, f := range sum.Failures {
		if failed[f.Unit] == nil {
			failed[f.Unit] = make(map[int]string)
		}
		failed[f.Unit][f.Index] = f.Err.Error()
	}

	for _, u := range sum.Units {
		if _, err := tx.Exec(
			`INSERT INTO units (run_id, unit_key, subtasks, succeeded, failed) VALUES (?, ?, ?, ?, ?)`,
			runID, u.Key, len(u.Paths), u.Succeeded, u.Failed,
		); err != nil {
			return err
		}
		for i, p := range u.Paths {
			status, errText := "ok", ""
			if p == "" {
				status, errText = "failed", failed[u.Key][i]
			}
			if _, err := tx.Exec(
				`INSERT INTO subtasks (run_id, unit_key, idx, status, error) VALUES (?, ?, ?, ?, ?)`,
				runID, u.Key, i, status, errText,
			); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// FinishRun records the terminal status and final accounting of a run.
func (j *Journal) FinishRun(runID, status string, expected, collected int, detail string) error {
	_, err := j.db.Exec(
		`UPDATE runs SET status = ?, expected = ?, collected = ?, detail = ?, finished_at = ? WHERE run_id = ?`,
		status, expected, collected, detail, time.Now().UTC(), runID,
	)
	return err
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string
	Product    string
	Collection string
	Status     string
	Expected   int
	Collected  int
	Detail     string
	StartedAt  time.Time
}

// UnitRecord is one row of the units table.
type UnitRecord struct {
	UnitKey   string
	Subtasks  int
	Succeeded int
	Failed    int
}

// Run fetches one run by ID.
func (j *Journal) Run(runID string) (*RunRecord, error) {
	row := j.db.QueryRow(
		`SELECT run_id, product, collection, status, expected, collected, COALESCE(detail, ''), started_at
		 FROM runs WHERE run_id = ?`, runID)
	var r RunRecord
	if err := row.Scan(&r.RunID, &r.Product, &r.Collection, &r.Status, &r.Expected, &r.Collected, &r.Detail, &r.StartedAt); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return &r, nil
}

// Units fetches the unit rows of a run in key order.
func (j *Journal) Units(runID string) ([]UnitRecord, error) {
	rows, err := j.db.Query(
		`SELECT unit_key, subtasks, succeeded, failed FROM units WHERE run_id = ? ORDER BY unit_key`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		var u UnitRecord
		if err := rows.Scan(&u.UnitKey, &u.Subtasks, &u.Succeeded, &u.Failed); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// LatestRunID returns the most recently started run, or an error when the
// journal is empty.
func (j *Journal) LatestRunID() (string, error) {
	var id string
	err := j.db.QueryRow(`SELECT run_id FROM runs ORDER BY started_at DESC, run_id DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}
