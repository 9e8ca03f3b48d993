// Package scoring turns batches of feature records into predicted labels.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/model"
)

// HandleSource yields the active model handle. *model.Provider satisfies it.
type HandleSource interface {
	Get(ctx context.Context) (model.Handle, error)
}

// Scorer is a pure wrapper around the model handle. Re-running it on the
// same batch yields the same labels and has no side effects.
type Scorer struct {
	models HandleSource
}

func NewScorer(models HandleSource) *Scorer {
	return &Scorer{models: models}
}

// Score predicts one label per record, in record order, with a single model call.
func (s *Scorer) Score(ctx context.Context, records domain.Batch) ([]int, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: batch must contain at least one record", domain.ErrValidation)
	}

	h, err := s.models.Get(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrModelUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}

	preds, err := predict(ctx, h, records.Matrix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrScoringFailed, err)
	}
	if len(preds) != len(records) {
		return nil, fmt.Errorf("%w: model returned %d labels for %d records", domain.ErrScoringFailed, len(preds), len(records))
	}
	return preds, nil
}

// ScoreOne is the synchronous single-record path.
func (s *Scorer) ScoreOne(ctx context.Context, record domain.FeatureRecord) (int, error) {
	preds, err := s.Score(ctx, domain.Batch{record})
	if err != nil {
		return 0, err
	}
	return preds[0], nil
}

// predict converts a panicking model into an error.
func predict(ctx context.Context, h model.Handle, features [][]float64) (preds []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return h.Predict(ctx, features)
}
