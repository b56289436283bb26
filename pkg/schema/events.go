// pkg/schema/events.go
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// JobMessage is the queue payload that dispatches one job.
type JobMessage struct {
	JobID string `json:"job_id"`
}

var (
	ErrMissingJobID = errors.New("missing job_id")
	ErrInvalidUTF8  = errors.New("job message is not valid UTF-8")
)

// DecodeJobMessage parses a queue body. A body that is not valid UTF-8, is
// not a JSON object or lacks a non-empty job_id is rejected.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	if !utf8.Valid(body) {
		return JobMessage{}, ErrInvalidUTF8
	}
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	if msg.JobID == "" {
		return JobMessage{}, ErrMissingJobID
	}
	return msg, nil
}

type ProcessingStage string

const (
	StageDecode   ProcessingStage = "decode"
	StageLookup   ProcessingStage = "lookup"
	StageFetch    ProcessingStage = "fetch"
	StageExecute  ProcessingStage = "execute"
	StageComplete ProcessingStage = "complete"
	StageFail     ProcessingStage = "fail"
)

type FailureType string

const (
	FailureTypeDiscarded     FailureType = "discarded"
	FailureTypeUnavailable   FailureType = "unavailable"
	FailureTypeStage         FailureType = "stage"
	FailureTypeUnrecoverable FailureType = "unrecoverable"
)

// JobDone is published after a job reaches a terminal state.
type JobDone struct {
	JobID            string          `json:"job_id"`
	URL              string          `json:"url"`
	Status           string          `json:"status"`
	TotalWords       int             `json:"total_words"`
	DistinctWords    int             `json:"distinct_words"`
	Stage            ProcessingStage `json:"stage,omitempty"`
	Error            string          `json:"error,omitempty"`
	FailureType      FailureType     `json:"failure_type,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	HappenedAt       int64           `json:"happened_at"`
}
