package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/orchestrator"
	"github.com/cuongbtq/iris-serving/internal/store"
)

// JobService is the part of the orchestrator the batch endpoints use.
type JobService interface {
	Submit(ctx context.Context, batch domain.Batch) (string, error)
	GetStatus(ctx context.Context, jobID string) (*orchestrator.Status, error)
	List(ctx context.Context, filter store.JobFilter) ([]orchestrator.Status, error)
}

// RecordScorer scores a single record inline.
type RecordScorer interface {
	ScoreOne(ctx context.Context, record domain.FeatureRecord) (int, error)
}

// HealthChecker fails while a backend the batch endpoints need is down.
type HealthChecker interface {
	Healthy() error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Jobs       JobService
	Scorer     RecordScorer
	Health     HealthChecker // nil reports healthy
	ModelStage string
}

// JobHandler handles the asynchronous batch endpoints
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// PredictHandler serves synchronous single-record predictions
type PredictHandler struct {
	logger     *slog.Logger
	scorer     RecordScorer
	modelStage string
}

func NewPredictHandler(deps *Dependencies) *PredictHandler {
	return &PredictHandler{
		logger:     deps.Logger,
		scorer:     deps.Scorer,
		modelStage: deps.ModelStage,
	}
}
