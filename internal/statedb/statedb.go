// Package statedb keeps the history of restore runs in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("statedb: not found")

type DB struct {
	db   *sql.DB
	path string
}

// RunRecord is one orchestrator run for one managed path.
type RunRecord struct {
	ID               string `json:"id"`
	Service          string `json:"service"`
	Dataset          string `json:"dataset"`
	Outcome          string `json:"outcome"` // restored / skipped / all_failed / recovery_failed / aborted
	Method           string `json:"method"`
	DatasetDestroyed bool   `json:"dataset_destroyed"`
	Detail           string `json:"detail"`
	StartedAt        string `json:"started_at"` // RFC3339
	EndedAt          string `json:"ended_at"`   // RFC3339
}

// AttemptRecord is one strategy attempt within a run.
type AttemptRecord struct {
	RunID      string `json:"run_id"`
	Seq        int    `json:"seq"`
	Method     string `json:"method"`
	Status     string `json:"status"`
	Detail     string `json:"detail"`
	DurationMS int64  `json:"duration_ms"`
}

// Open creates or opens a SQLite database at path with WAL mode,
// busy timeout of 5 seconds, and foreign keys enabled. It creates
// the runs and attempts tables if they do not already exist.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id                TEXT PRIMARY KEY,
			service           TEXT NOT NULL,
			dataset           TEXT NOT NULL,
			outcome           TEXT NOT NULL,
			method            TEXT NOT NULL DEFAULT '',
			dataset_destroyed INTEGER NOT NULL DEFAULT 0,
			detail            TEXT NOT NULL DEFAULT '',
			started_at        TEXT NOT NULL,
			ended_at          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS runs_service_started ON runs (service, started_at)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq         INTEGER NOT NULL,
			method      TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: create table: %w", err)
		}
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// InsertRun stores a finished run and its attempts in one transaction.
func (d *DB) InsertRun(run RunRecord, attempts []AttemptRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, service, dataset, outcome, method, dataset_destroyed, detail, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Service, run.Dataset, run.Outcome, run.Method, run.DatasetDestroyed, run.Detail, run.StartedAt, run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("statedb: insert run: %w", err)
	}
	for i, a := range attempts {
		_, err := tx.Exec(
			`INSERT INTO attempts (run_id, seq, method, status, detail, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, a.Method, a.Status, a.Detail, a.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("statedb: insert attempt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit: %w", err)
	}
	return nil
}

const runColumns = `id, service, dataset, outcome, method, dataset_destroyed, detail, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var r RunRecord
	err := s.Scan(&r.ID, &r.Service, &r.Dataset, &r.Outcome, &r.Method, &r.DatasetDestroyed, &r.Detail, &r.StartedAt, &r.EndedAt)
	return r, err
}

// GetRun retrieves a run record by ID. Returns ErrNotFound if the ID
// does not exist.
func (d *DB) GetRun(id string) (RunRecord, error) {
	r, err := scanRun(d.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, fmt.Errorf("statedb: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first. An empty service
// lists every service; a limit of 0 returns all records.
func (d *DB) ListRuns(service string, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan run: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows runs: %w", err)
	}
	return records, nil
}

// LastRun returns the newest run for service, or ErrNotFound.
func (d *DB) LastRun(service string) (RunRecord, error) {
	runs, err := d.ListRuns(service, 1)
	if err != nil {
		return RunRecord{}, err
	}
	if len(runs) == 0 {
		return RunRecord{}, ErrNotFound
	}
	return runs[0], nil
}

// ListAttempts returns the attempts of a run in the order they were made.
func (d *DB) ListAttempts(runID string) ([]AttemptRecord, error) {
	rows, err := d.db.Query(
		`SELECT run_id, seq, method, status, detail, duration_ms FROM attempts WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("statedb: list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		if err := rows.Scan(&a.RunID, &a.Seq, &a.Method, &a.Status, &a.Detail, &a.DurationMS); err != nil {
			return nil, fmt.Errorf("statedb: scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statedb: rows attempts: %w", err)
	}
	return attempts, nil
}

// Prune deletes runs that started before cutoff (RFC3339) and their
// attempts, returning the number of runs removed.
func (d *DB) Prune(cutoff string) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("statedb: prune: %w", err)
	}
	return res.RowsAffected()
}
