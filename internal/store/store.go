// Package store is the keyed job-state register shared by the API and the
// workers. Every backend serializes writes per job id only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/iris-serving/internal/domain"
)

// ErrJobExists is returned by Create when the id is already live.
var ErrJobExists = errors.New("job already exists")

// Store holds job state with bounded retention. Reads and writes on an
// expired entry behave as if it was never created (domain.ErrUnknownJob).
// Writes against a terminal entry fail with domain.ErrJobTerminal.
type Store interface {
	// Create writes a fresh PENDING entry.
	Create(ctx context.Context, jobID string) (*domain.Job, error)
	// MarkStarted moves a non-terminal entry to STARTED, records the
	// claiming worker and bumps the attempt counter.
	MarkStarted(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	Complete(ctx context.Context, jobID string, predictions []int) error
	Fail(ctx context.Context, jobID, detail string) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	// Touch extends retention of a non-terminal entry.
	Touch(ctx context.Context, jobID string) error
	// Delete removes the entry; deleting an unknown id is not an error.
	Delete(ctx context.Context, jobID string) error
	// List returns live entries newest first. It fetches one row beyond
	// PageSize so callers can tell whether another page exists.
	List(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	// PurgeExpired removes expired entries and reports how many went.
	PurgeExpired(ctx context.Context) (int, error)
}

// JobFilter narrows List.
type JobFilter struct {
	State    domain.JobState
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of the previous page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Options are shared by every backend.
type Options struct {
	Retention time.Duration
	Now       func() time.Time
}

const DefaultRetention = 24 * time.Hour

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// newerThan reports whether job a sorts before b in newest-first order.
func newerThan(aCreated time.Time, aID string, bCreated time.Time, bID string) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.After(bCreated)
	}
	return aID > bID
}

// pastCursor reports whether a row belongs on a page after the cursor.
func pastCursor(c *JobCursor, created time.Time, id string) bool {
	if c == nil {
		return true
	}
	return newerThan(c.CreatedAt, c.JobID, created, id)
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	if j.Predictions != nil {
		cp.Predictions = append([]int(nil), j.Predictions...)
	}
	return &cp
}
