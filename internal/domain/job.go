package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the state-store view of one batch submission
type Job struct {
	JobID       string
	State       JobState
	Predictions []int
	Error       string
	WorkerID    string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// JobMessage is the payload carried by the broker from the orchestrator to workers
type JobMessage struct {
	JobID       string    `json:"job_id"`
	Task        string    `json:"task"`
	Records     Batch     `json:"records"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks a message on either side of the broker.
func (m *JobMessage) Validate() error {
	if _, err := uuid.Parse(m.JobID); err != nil {
		return fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidMessage, m.JobID)
	}
	if m.Task == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidMessage)
	}
	if err := m.Records.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// EncodeJobMessage validates and serializes a message for publishing.
func EncodeJobMessage(m *JobMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return body, nil
}

// DecodeJobMessage parses and validates a delivery body.
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
