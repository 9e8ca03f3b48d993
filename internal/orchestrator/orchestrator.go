// Package orchestrator is the client-facing side of batch prediction:
// it allocates job ids, records PENDING state, enqueues work and answers
// status queries from the state store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/iris-serving/internal/broker"
	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/store"
)

const DefaultPublishTimeout = 5 * time.Second

// SubmitObserver counts accepted submissions. *observability.Metrics satisfies it.
type SubmitObserver interface {
	JobSubmitted()
}

// Config wires an Orchestrator.
type Config struct {
	Store          store.Store
	Publisher      broker.Publisher
	Logger         *slog.Logger
	Observer       SubmitObserver
	PublishTimeout time.Duration
	// NewID overrides job id allocation; defaults to random UUIDs.
	NewID func() string
	Now   func() time.Time
}

type Orchestrator struct {
	store          store.Store
	publisher      broker.Publisher
	logger         *slog.Logger
	observer       SubmitObserver
	publishTimeout time.Duration
	newID          func() string
	now            func() time.Time
}

func New(cfg *Config) *Orchestrator {
	o := &Orchestrator{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		observer:       cfg.Observer,
		publishTimeout: cfg.PublishTimeout,
		newID:          cfg.NewID,
		now:            cfg.Now,
	}
	if o.publishTimeout <= 0 {
		o.publishTimeout = DefaultPublishTimeout
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}

type nopObserver struct{}

func (nopObserver) JobSubmitted() {}

// Submit records a PENDING job for the batch and enqueues it. It never waits
// for a worker. If the broker refuses the message the PENDING entry is
// removed, or failed when removal is impossible, and ErrQueueUnavailable is
// returned.
func (o *Orchestrator) Submit(ctx context.Context, records domain.Batch) (string, error) {
	if err := records.Validate(); err != nil {
		return "", err
	}

	jobID := o.newID()
	msg := &domain.JobMessage{
		JobID:       jobID,
		Task:        domain.TaskPredictBatch,
		Records:     records,
		SubmittedAt: o.now().UTC(),
	}
	body, err := domain.EncodeJobMessage(msg)
	if err != nil {
		return "", err
	}

	if _, err := o.store.Create(ctx, jobID); err != nil {
		o.logger.Error("Failed to create job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, o.publishTimeout)
	defer cancel()

	if err := o.publisher.Publish(pubCtx, body); err != nil {
		o.logger.Error("Failed to publish job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		o.rollback(jobID, err)
		return "", fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	o.observer.JobSubmitted()
	o.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.Int("batch_size", len(records)),
	)
	return jobID, nil
}

// rollback removes a job that never reached the queue. It runs detached
// from the request context so a canceled caller cannot leave it PENDING.
func (o *Orchestrator) rollback(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.publishTimeout)
	defer cancel()

	err := o.store.Delete(ctx, jobID)
	if err == nil {
		return
	}
	o.logger.Warn("Failed to delete unpublished job, marking it failed",
		slog.String("job_id", jobID),
		slog.Any("error", err),
	)
	detail := fmt.Sprintf("%v: %v", domain.ErrQueueUnavailable, cause)
	if err := o.store.Fail(ctx, jobID, detail); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		o.logger.Error("Failed to roll back unpublished job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// Status is the client view of a job.
type Status struct {
	JobID       string
	State       domain.JobState
	Predictions []int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetStatus reads the current state. Ids that are not UUIDs can never have
// been allocated and are reported as unknown.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrUnknownJob
	}
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return statusOf(job), nil
}

// List pages through live jobs, newest first. Like store.List it returns up
// to PageSize+1 entries.
func (o *Orchestrator) List(ctx context.Context, filter store.JobFilter) ([]Status, error) {
	jobs, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(jobs))
	for i := range jobs {
		out[i] = *statusOf(&jobs[i])
	}
	return out, nil
}

func statusOf(job *domain.Job) *Status {
	s := &Status{
		JobID:     job.JobID,
		State:     job.State,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	switch job.State {
	case domain.JobStateSuccess:
		s.Predictions = job.Predictions
		if s.Predictions == nil {
			s.Predictions = []int{}
		}
	case domain.JobStateFailure:
		s.Error = job.Error
	}
	return s
}
