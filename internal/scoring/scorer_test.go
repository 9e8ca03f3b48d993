package scoring

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	calls   atomic.Int32
	predict func(features [][]float64) ([]int, error)
}

func (h *fakeHandle) Name() string  { return "fake" }
func (h *fakeHandle) Stage() string { return "Test" }
func (h *fakeHandle) Version() int  { return 1 }

func (h *fakeHandle) Predict(_ context.Context, features [][]float64) ([]int, error) {
	h.calls.Add(1)
	return h.predict(features)
}

type staticSource struct {
	h   model.Handle
	err error
}

func (s staticSource) Get(context.Context) (model.Handle, error) {
	return s.h, s.err
}

func mustBatch(t *testing.T, rows ...[4]float64) domain.Batch {
	t.Helper()
	b, err := domain.NewBatch(rows)
	require.NoError(t, err)
	return b
}

func TestScorer_SingleCallPreservesOrder(t *testing.T) {
	h := &fakeHandle{predict: func(features [][]float64) ([]int, error) {
		out := make([]int, len(features))
		for i, row := range features {
			out[i] = int(row[0]) // echo the first feature so order is observable
		}
		return out, nil
	}}
	s := NewScorer(staticSource{h: h})

	rows := make([][4]float64, 50)
	want := make([]int, 50)
	for i := range rows {
		rows[i] = [4]float64{float64(i + 1), 1, 1, 1}
		want[i] = i + 1
	}

	preds, err := s.Score(context.Background(), mustBatch(t, rows...))
	require.NoError(t, err)
	assert.Equal(t, want, preds)
	assert.Equal(t, int32(1), h.calls.Load(), "batch must be scored with one model call")
}

func TestScorer_Deterministic(t *testing.T) {
	provider := model.NewProvider(&model.ProviderConfig{
		Registry:  model.NewEmbeddedRegistry(),
		Reference: model.Reference{Name: "iris-classifier", Stage: "Production"},
	})
	s := NewScorer(provider)

	rng := rand.New(rand.NewSource(7))
	rows := make([][4]float64, 30)
	for i := range rows {
		rows[i] = [4]float64{4 + rng.Float64()*4, 2 + rng.Float64()*2, 1 + rng.Float64()*6, 0.1 + rng.Float64()*2.4}
	}
	batch := mustBatch(t, rows...)

	first, err := s.Score(context.Background(), batch)
	require.NoError(t, err)
	second, err := s.Score(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	label, err := s.ScoreOne(context.Background(), batch[0])
	require.NoError(t, err)
	assert.Equal(t, first[0], label)
}

func TestScorer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		source  HandleSource
		batch   domain.Batch
		wantErr error
		wantMsg string
	}{
		{
			name:    "empty batch",
			source:  staticSource{h: &fakeHandle{}},
			batch:   domain.Batch{},
			wantErr: domain.ErrValidation,
		},
		{
			name:    "model unavailable passes through",
			source:  staticSource{err: errors.New("registry down")},
			wantErr: domain.ErrModelUnavailable,
			wantMsg: "registry down",
		},
		{
			name: "model error is wrapped",
			source: staticSource{h: &fakeHandle{predict: func([][]float64) ([]int, error) {
				return nil, errors.New("tensor shape mismatch")
			}}},
			wantErr: domain.ErrScoringFailed,
			wantMsg: "tensor shape mismatch",
		},
		{
			name: "short result",
			source: staticSource{h: &fakeHandle{predict: func([][]float64) ([]int, error) {
				return []int{}, nil
			}}},
			wantErr: domain.ErrScoringFailed,
			wantMsg: "returned 0 labels for 1 records",
		},
		{
			name: "panic is captured",
			source: staticSource{h: &fakeHandle{predict: func([][]float64) ([]int, error) {
				panic("index out of range")
			}}},
			wantErr: domain.ErrScoringFailed,
			wantMsg: "index out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := tt.batch
			if batch == nil {
				batch = mustBatch(t, [4]float64{5.1, 3.5, 1.4, 0.2})
			}
			_, err := NewScorer(tt.source).Score(context.Background(), batch)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}
