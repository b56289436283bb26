// Package job defines the word count job record and its status lifecycle.
package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/tendant/simple-wordcounter/internal/histogram"
)

// Status represents the lifecycle state of a word count job.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusFail       Status = "FAIL"
)

// ParseStatus accepts only the three persisted literals.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusInProgress, StatusComplete, StatusFail:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no further pipeline transition follows s.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusFail }

func (s Status) MarshalText() ([]byte, error) {
	if _, err := ParseStatus(string(s)); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Job is one URL-to-histogram unit of work.
type Job struct {
	ID        string              `json:"job_id"`
	URL       string              `json:"url"`
	Status    Status              `json:"status"`
	WordCount histogram.Histogram `json:"word_count,omitempty"`
	Error     string              `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// MarshalJSON emits word_count exactly when the job is COMPLETE and error
// exactly when it is FAIL, even if the histogram or message is empty.
func (j Job) MarshalJSON() ([]byte, error) {
	out := struct {
		ID        string               `json:"job_id"`
		URL       string               `json:"url"`
		Status    Status               `json:"status"`
		WordCount *histogram.Histogram `json:"word_count,omitempty"`
		Error     *string              `json:"error,omitempty"`
		CreatedAt time.Time            `json:"created_at"`
		UpdatedAt time.Time            `json:"updated_at"`
	}{
		ID:        j.ID,
		URL:       j.URL,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	switch j.Status {
	case StatusComplete:
		wc := j.WordCount
		if wc == nil {
			wc = histogram.Histogram{}
		}
		out.WordCount = &wc
	case StatusFail:
		msg := j.Error
		out.Error = &msg
	}
	return json.Marshal(out)
}

// New returns an in-progress job for url. The store assigns the ID.
func New(rawURL string) *Job {
	now := time.Now().UTC()
	return &Job{
		URL:       rawURL,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkComplete records the histogram and clears any earlier error.
func MarkComplete(j *Job, wc histogram.Histogram) {
	j.Status = StatusComplete
	j.WordCount = wc
	j.Error = ""
	j.UpdatedAt = time.Now().UTC()
}

// MarkFailed records msg and clears any histogram.
func MarkFailed(j *Job, msg string) {
	j.Status = StatusFail
	j.WordCount = nil
	j.Error = msg
	j.UpdatedAt = time.Now().UTC()
}

// ValidURL reports whether raw parses with both a scheme and a host.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
