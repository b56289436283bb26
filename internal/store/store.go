// Package store persists word count jobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
)

var (
	// ErrNotFound is returned when no job has the requested ID.
	ErrNotFound = errors.New("job not found")
	// ErrMalformedID is returned when an ID does not have the store's format.
	ErrMalformedID = errors.New("malformed job id")
)

// JobStore is the capability surface over persisted jobs.
type JobStore interface {
	Create(ctx context.Context, url string) (*job.Job, error)
	Fetch(ctx context.Context, id string) (*job.Job, error)
	Complete(ctx context.Context, id string, wc histogram.Histogram) (*job.Job, error)
	Fail(ctx context.Context, id string, msg string) (*job.Job, error)
	// Exists reports false for a malformed id, returning an error wrapping
	// ErrMalformedID so callers can tell it apart from a missing record.
	Exists(ctx context.Context, id string) (bool, error)
	// ListStale returns at most limit in-progress jobs last updated before
	// the cutoff, oldest first. A non-positive limit returns no jobs.
	ListStale(ctx context.Context, before time.Time, limit int) ([]job.Job, error)
	Healthy(ctx context.Context) bool
	Close(ctx context.Context) error
}

// Options selects and configures a driver.
type Options struct {
	Driver      string
	DatabaseURL string
	MongoURI    string
	MongoDB     string
	SQLitePath  string
}

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverSQLite   = "sqlite"
)

// Open connects the configured driver and prepares its schema.
func Open(ctx context.Context, opts Options) (JobStore, error) {
	switch opts.Driver {
	case DriverPostgres, "":
		return ConnectPostgres(ctx, opts.DatabaseURL)
	case DriverMongo:
		return ConnectMongo(ctx, opts.MongoURI, opts.MongoDB)
	case DriverSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

func parseUUID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return u, nil
}

// encodeWordCount returns nil for a nil histogram so the column stays NULL.
func encodeWordCount(wc histogram.Histogram) ([]byte, error) {
	if wc == nil {
		return nil, nil
	}
	b, err := json.Marshal(wc)
	if err != nil {
		return nil, fmt.Errorf("encode word count: %w", err)
	}
	return b, nil
}

func decodeWordCount(b []byte) (histogram.Histogram, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var wc histogram.Histogram
	if err := json.Unmarshal(b, &wc); err != nil {
		return nil, fmt.Errorf("decode word count: %w", err)
	}
	return wc, nil
}
