package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS word_count_jobs (
	id          UUID PRIMARY KEY,
	url         TEXT NOT NULL,
	status      TEXT NOT NULL,
	word_count  JSONB,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS word_count_jobs_status_updated_idx
	ON word_count_jobs (status, updated_at);
`

const postgresColumns = `id, url, status, word_count, error, created_at, updated_at`

// Postgres stores jobs in a PostgreSQL table.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool, verifies it and ensures the jobs table exists.
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres store")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Create(ctx context.Context, url string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO word_count_jobs (id, url, status)
		 VALUES ($1, $2, $3)
		 RETURNING `+postgresColumns,
		uuid.New(), url, string(job.StatusInProgress),
	)
	j, err := scanPostgresJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

func (s *Postgres) Fetch(ctx context.Context, id string) (*job.Job, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM word_count_jobs WHERE id = $1`, uid)
	j, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	return j, nil
}

func (s *Postgres) Complete(ctx context.Context, id string, wc histogram.Histogram) (*job.Job, error) {
	if wc == nil {
		wc = histogram.Histogram{}
	}
	return s.update(ctx, id, job.StatusComplete, wc, nil)
}

func (s *Postgres) Fail(ctx context.Context, id string, msg string) (*job.Job, error) {
	return s.update(ctx, id, job.StatusFail, nil, &msg)
}

func (s *Postgres) update(ctx context.Context, id string, status job.Status, wc histogram.Histogram, errMsg *string) (*job.Job, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	wcJSON, err := encodeWordCount(wc)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE word_count_jobs
		 SET status = $2, word_count = $3, error = $4, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+postgresColumns,
		uid, string(status), wcJSON, errMsg,
	)
	j, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to mark job %s %s: %w", id, status, err)
	}
	return j, nil
}

func (s *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM word_count_jobs WHERE id = $1)`, uid,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check job %s: %w", id, err)
	}
	return exists, nil
}

func (s *Postgres) ListStale(ctx context.Context, before time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM word_count_jobs
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		string(job.StatusInProgress), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Postgres) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *Postgres) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanPostgresJob(row pgx.Row) (*job.Job, error) {
	var (
		j      job.Job
		id     uuid.UUID
		status string
		wc     []byte
		errMsg *string
	)
	if err := row.Scan(&id, &j.URL, &status, &wc, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return fillJob(&j, id.String(), status, wc, errMsg)
}

func fillJob(j *job.Job, id, status string, wc []byte, errMsg *string) (*job.Job, error) {
	st, err := job.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	j.ID = id
	j.Status = st
	if j.WordCount, err = decodeWordCount(wc); err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	return j, nil
}
