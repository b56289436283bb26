package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	created, err := s.Create(ctx, "https://nate.tech")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, job.StatusInProgress, created.Status)

	ok, err := s.Exists(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	fetched, err := s.Fetch(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://nate.tech", fetched.URL)
	assert.Nil(t, fetched.WordCount)
	assert.Empty(t, fetched.Error)

	done, err := s.Complete(ctx, created.ID, histogram.Histogram{"hello": 1, "nate": 2})
	require.NoError(t, err)
	assert.Equal(t, job.StatusComplete, done.Status)
	assert.Equal(t, histogram.Histogram{"hello": 1, "nate": 2}, done.WordCount)

	failed, err := s.Fail(ctx, created.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFail, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.Nil(t, failed.WordCount, "fail clears the histogram")

	again, err := s.Complete(ctx, created.ID, histogram.Histogram{})
	require.NoError(t, err)
	assert.Empty(t, again.Error, "complete clears the error")
	assert.NotNil(t, again.WordCount)
}

func TestSQLiteMissingAndMalformedIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	missing := uuid.NewString()
	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Fetch(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Complete(ctx, missing, histogram.Histogram{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Fail(ctx, missing, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = s.Exists(ctx, "not-an-id")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformedID)
	_, err = s.Fetch(ctx, "not-an-id")
	assert.ErrorIs(t, err, ErrMalformedID)
}

func TestSQLiteListStale(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	first, err := s.Create(ctx, "https://a.example")
	require.NoError(t, err)
	second, err := s.Create(ctx, "https://b.example")
	require.NoError(t, err)
	finished, err := s.Create(ctx, "https://c.example")
	require.NoError(t, err)
	_, err = s.Fail(ctx, finished.ID, "boom")
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(stale))
	for _, j := range stale {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	limited, err := s.ListStale(ctx, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListStale(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	for _, limit := range []int{0, -1} {
		got, err := s.ListStale(ctx, time.Now().Add(time.Hour), limit)
		require.NoError(t, err)
		assert.Empty(t, got, "limit %d", limit)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestOpenRequiresConnectionSettings(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Options{Driver: DriverPostgres})
	assert.ErrorContains(t, err, "DATABASE_URL")
	_, err = Open(ctx, Options{Driver: DriverMongo})
	assert.ErrorContains(t, err, "MONGO_URI")
	_, err = Open(ctx, Options{Driver: DriverSQLite})
	assert.ErrorContains(t, err, "SQLITE_PATH")
}
