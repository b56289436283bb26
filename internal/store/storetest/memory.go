// Package storetest provides an in-memory store.JobStore for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-wordcounter/internal/histogram"
	"github.com/tendant/simple-wordcounter/internal/job"
	"github.com/tendant/simple-wordcounter/internal/store"
)

// Memory is a map-backed JobStore. The exported error fields make the
// matching call fail when set; the counters record write attempts.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]job.Job

	CreateErr   error
	FetchErr    error
	CompleteErr error
	FailErr     error
	ExistsErr   error
	Unhealthy   bool

	Fetches   int
	Completes int
	Fails     int
}

var _ store.JobStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]job.Job)}
}

// Put stores j as-is, overwriting any job with the same ID.
func (m *Memory) Put(j job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

// Get returns a copy of the stored job without touching any counter.
func (m *Memory) Get(id string) (job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Writes is the number of Complete and Fail calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Completes + m.Fails
}

func (m *Memory) Create(_ context.Context, url string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	j := job.New(url)
	j.ID = uuid.NewString()
	m.jobs[j.ID] = *j
	return j, nil
}

func (m *Memory) Fetch(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetches++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	return m.lookup(id)
}

func (m *Memory) Complete(_ context.Context, id string, wc histogram.Histogram) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Completes++
	if m.CompleteErr != nil {
		return nil, m.CompleteErr
	}
	j, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if wc == nil {
		wc = histogram.Histogram{}
	}
	job.MarkComplete(j, wc)
	m.jobs[id] = *j
	return j, nil
}

func (m *Memory) Fail(_ context.Context, id string, msg string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fails++
	if m.FailErr != nil {
		return nil, m.FailErr
	}
	j, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	job.MarkFailed(j, msg)
	m.jobs[id] = *j
	return j, nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkID(id); err != nil {
		return false, err
	}
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	_, ok := m.jobs[id]
	return ok, nil
}

func (m *Memory) ListStale(_ context.Context, before time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusInProgress && j.UpdatedAt.Before(before) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Healthy(context.Context) bool { return !m.Unhealthy }

func (m *Memory) Close(context.Context) error { return nil }

func (m *Memory) lookup(id string) (*job.Job, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return &j, nil
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", store.ErrMalformedID, id)
	}
	return nil
}
