// Package journal keeps a SQLite record of fetch runs and their attempts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"

	"pixeloff/internal/media"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	sub_index   INTEGER NOT NULL,
	url         TEXT NOT NULL,
	strategy    TEXT NOT NULL DEFAULT '',
	ok          INTEGER NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS runs_resource ON runs(resource_id);

CREATE TABLE IF NOT EXISTS attempts (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	strategy   TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Journal is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// NewRunID returns a new time-sortable run id.
func NewRunID() string {
	return ksuid.New().String()
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one run with its attempts.
func (j *Journal) Record(ctx context.Context, rec media.FetchRecord) error {
	if rec.RunID == "" {
		rec.RunID = NewRunID()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, resource_id, sub_index, url, strategy, ok, summary, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ResourceID, rec.SubIndex, rec.URL, rec.Strategy, rec.OK, rec.Summary,
		rec.StartedAt.UnixNano(), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for i, a := range rec.Attempts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO attempts (run_id, seq, strategy, ok, reason, elapsed_ms) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, i+1, a.Strategy, a.Result.OK(), a.Result.Reason(), a.Elapsed.Milliseconds())
		if err != nil {
			return fmt.Errorf("inserting attempt %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	return nil
}

const runColumns = `id, resource_id, sub_index, url, strategy, ok, summary, started_at, duration_ms`

// Recent returns up to limit runs, newest first, without their attempts.
func (j *Journal) Recent(ctx context.Context, limit int) ([]media.FetchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []media.FetchRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one run with its attempts.
func (j *Journal) Get(ctx context.Context, runID string) (media.FetchRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return media.FetchRecord{}, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return media.FetchRecord{}, err
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT strategy, ok, reason, elapsed_ms FROM attempts WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return media.FetchRecord{}, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a       media.Attempt
			ok      bool
			reason  string
			elapsed int64
		)
		if err := rows.Scan(&a.Strategy, &ok, &reason, &elapsed); err != nil {
			return media.FetchRecord{}, fmt.Errorf("scanning attempt: %w", err)
		}
		if ok {
			a.Result = media.Success(nil, "")
		} else {
			a.Result = media.Failure(reason)
		}
		a.Elapsed = time.Duration(elapsed) * time.Millisecond
		rec.Attempts = append(rec.Attempts, a)
	}
	return rec, rows.Err()
}

// StrategyStat aggregates the attempts of one strategy.
type StrategyStat struct {
	Strategy   string
	Attempts   int
	Successes  int
	AvgElapsed time.Duration
}

// SuccessRate returns successes/attempts, 0 when there were none.
func (s StrategyStat) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Stats aggregates attempts per strategy, most successful first. Strategies
// skipped by a cancelled run are not counted.
func (j *Journal) Stats(ctx context.Context) ([]StrategyStat, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT strategy, COUNT(*), SUM(ok), CAST(AVG(elapsed_ms) AS INTEGER)
		FROM attempts WHERE reason != ? GROUP BY strategy
		ORDER BY SUM(ok) DESC, strategy`, media.ReasonNotStarted)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var out []StrategyStat
	for rows.Next() {
		var s StrategyStat
		var avg int64
		if err := rows.Scan(&s.Strategy, &s.Attempts, &s.Successes, &avg); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		s.AvgElapsed = time.Duration(avg) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes runs started before cutoff and returns how many were deleted.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (media.FetchRecord, error) {
	var (
		rec      media.FetchRecord
		started  int64
		duration int64
	)
	err := s.Scan(&rec.RunID, &rec.ResourceID, &rec.SubIndex, &rec.URL, &rec.Strategy, &rec.OK,
		&rec.Summary, &started, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scanning run: %w", err)
	}
	rec.StartedAt = time.Unix(0, started)
	rec.Duration = time.Duration(duration) * time.Millisecond
	return rec, nil
}
