// Package ledger records every run and its per-record failures in a local
// sqlite database, so failed records can be retried by hand.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus/csvmirror/internal/report"
)

// FileName is the ledger database inside the state directory.
const FileName = "ledger.db"

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run statuses.
const (
	StatusRunning  = "running"
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusMismatch = "mismatch"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL,
	stages      TEXT NOT NULL DEFAULT '',
	dry_run     INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	totals      TEXT NOT NULL DEFAULT '{}',
	started_at  TEXT NOT NULL,
	finished_at TEXT
);
CREATE TABLE IF NOT EXISTS failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	collection  TEXT NOT NULL,
	natural_key TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	record_id   TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);
`

var (
	ErrRunNotFound  = errors.New("no run matches")
	ErrAmbiguousRun = errors.New("run id prefix matches several runs")
)

// Ledger wraps the database connection.
type Ledger struct {
	conn *sql.DB
}

// Run is one invocation as stored in the ledger.
type Run struct {
	ID         string
	Command    string
	Stages     []string
	DryRun     bool
	Status     string
	Error      string
	Totals     report.Counts
	StartedAt  time.Time
	FinishedAt time.Time
	Failures   int
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Ledger{conn: conn}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

// Begin records the start of a run and returns it.
func (l *Ledger) Begin(command string, stages []string, dryRun bool) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		Command:   command,
		Stages:    stages,
		DryRun:    dryRun,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := l.conn.Exec(`
		INSERT INTO runs (id, command, stages, dry_run, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Command, strings.Join(stages, ","), r.DryRun, r.Status, r.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	return r, nil
}

// Finish stores the outcome of a run: its status, totals and failures.
func (l *Ledger) Finish(r *Run, status string, rep *report.Report, runErr error) error {
	r.Status = status
	r.FinishedAt = time.Now().UTC()
	if runErr != nil {
		r.Error = runErr.Error()
	}
	var failures []report.Failure
	if rep != nil {
		r.Totals = rep.Totals()
		failures = rep.Failures
	}
	r.Failures = len(failures)
	totals, err := json.Marshal(r.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}

	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE runs SET status = ?, error = ?, totals = ?, finished_at = ?
		WHERE id = ?
	`, r.Status, r.Error, string(totals), r.FinishedAt.Format(timeLayout), r.ID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := recordFailuresTx(tx, r.ID, failures); err != nil {
		return fmt.Errorf("record failures: %w", err)
	}
	return tx.Commit()
}

func recordFailuresTx(tx *sql.Tx, runID string, failures []report.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO failures (run_id, collection, natural_key, action, record_id, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range failures {
		if _, err := stmt.Exec(runID, f.Collection, f.Key, f.Action, f.RecordID, f.Error); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns the last limit runs in chronological order (oldest first).
func (l *Ledger) Tail(limit int) ([]Run, error) {
	rows, err := l.conn.Query(`
		SELECT r.id, r.command, r.stages, r.dry_run, r.status, r.error, r.totals,
		       r.started_at, COALESCE(r.finished_at, ''),
		       (SELECT COUNT(*) FROM failures f WHERE f.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var stages, totals, started, finished string
		if err := rows.Scan(&r.ID, &r.Command, &stages, &r.DryRun, &r.Status, &r.Error, &totals, &started, &finished, &r.Failures); err != nil {
			return nil, err
		}
		if stages != "" {
			r.Stages = strings.Split(stages, ",")
		}
		if err := json.Unmarshal([]byte(totals), &r.Totals); err != nil {
			return nil, fmt.Errorf("run %s totals: %w", r.ID, err)
		}
		if r.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, err
		}
		if finished != "" {
			if r.FinishedAt, err = parseTimestamp(finished); err != nil {
				return nil, err
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// resolveRun expands a run id prefix to the one run it names.
func (l *Ledger) resolveRun(prefix string) (string, error) {
	rows, err := l.conn.Query(`SELECT id FROM runs WHERE id LIKE ? || '%' LIMIT 2`, prefix)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrRunNotFound, prefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAmbiguousRun, prefix)
	}
}

// Failures returns the failures of a run. runID may be a unique prefix.
func (l *Ledger) Failures(runID string) ([]report.Failure, error) {
	id, err := l.resolveRun(runID)
	if err != nil {
		return nil, err
	}
	rows, err := l.conn.Query(`
		SELECT collection, natural_key, action, record_id, error
		FROM failures
		WHERE run_id = ?
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.Failure
	for rows.Next() {
		var f report.Failure
		if err := rows.Scan(&f.Collection, &f.Key, &f.Action, &f.RecordID, &f.Error); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// parseTimestamp tries the layouts sqlite may hand back.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339Nano, Value: s}
}
