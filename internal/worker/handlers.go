package worker

import (
	"context"

	"github.com/cuongbtq/iris-serving/internal/domain"
)

// BatchScorer scores a whole batch in one call. *scoring.Scorer satisfies it.
type BatchScorer interface {
	Score(ctx context.Context, records domain.Batch) ([]int, error)
}

// PredictBatchHandler scores the message's records in order.
func PredictBatchHandler(scorer BatchScorer) Handler {
	return func(ctx context.Context, msg *domain.JobMessage) ([]int, error) {
		return scorer.Score(ctx, msg.Records)
	}
}
