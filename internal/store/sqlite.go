package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS word_count_jobs (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	status      TEXT NOT NULL,
	word_count  TEXT,
	error       TEXT,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS word_count_jobs_status_updated_idx
	ON word_count_jobs (status, updated_at);
`

const sqliteColumns = `id, url, status, word_count, error, created_at, updated_at`

// SQLite stores jobs in a local database file. It suits single-host and
// development deployments.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("SQLITE_PATH is required for the sqlite store")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Create(ctx context.Context, url string) (*job.Job, error) {
	j := job.New(url)
	j.ID = uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO word_count_jobs (id, url, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		j.ID, j.URL, string(j.Status), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *SQLite) Fetch(ctx context.Context, id string) (*job.Job, error) {
	if _, err := parseUUID(id); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM word_count_jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLite) Complete(ctx context.Context, id string, wc histogram.Histogram) (*job.Job, error) {
	if wc == nil {
		wc = histogram.Histogram{}
	}
	return s.update(ctx, id, job.StatusComplete, wc, nil)
}

func (s *SQLite) Fail(ctx context.Context, id string, msg string) (*job.Job, error) {
	return s.update(ctx, id, job.StatusFail, nil, &msg)
}

func (s *SQLite) update(ctx context.Context, id string, status job.Status, wc histogram.Histogram, errMsg *string) (*job.Job, error) {
	if _, err := parseUUID(id); err != nil {
		return nil, err
	}
	wcJSON, err := encodeWordCount(wc)
	if err != nil {
		return nil, err
	}
	var wcText *string
	if wcJSON != nil {
		text := string(wcJSON)
		wcText = &text
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE word_count_jobs SET status = ?, word_count = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), wcText, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Fetch(ctx, id)
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if _, err := parseUUID(id); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM word_count_jobs WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count job %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLite) ListStale(ctx context.Context, before time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM word_count_jobs
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		string(job.StatusInProgress), before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLite) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*job.Job, error) {
	var (
		j      job.Job
		id     string
		status string
		wc     sql.NullString
		errMsg *string
	)
	if err := row.Scan(&id, &j.URL, &status, &wc, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	var wcBytes []byte
	if wc.Valid {
		wcBytes = []byte(wc.String)
	}
	return fillJob(&j, id, status, wcBytes, errMsg)
}
