package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/iris-serving/internal/broker"
	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustBatch(t *testing.T, rows ...[4]float64) domain.Batch {
	t.Helper()
	b, err := domain.NewBatch(rows)
	require.NoError(t, err)
	return b
}

// undeletableStore refuses deletes so rollback has to fall back to FAILURE.
type undeletableStore struct {
	store.Store
}

func (undeletableStore) Delete(context.Context, string) error {
	return errors.New("delete refused")
}

type countingObserver struct {
	mu sync.Mutex
	n  int
}

func (c *countingObserver) JobSubmitted() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func newTestOrchestrator(s store.Store, b broker.Publisher, obs SubmitObserver) *Orchestrator {
	return New(&Config{
		Store:          s,
		Publisher:      b,
		Logger:         discardLogger(),
		Observer:       obs,
		PublishTimeout: time.Second,
	})
}

func TestSubmit_EnqueuesPendingJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Options{})
	b := broker.NewMemory()
	obs := &countingObserver{}
	o := newTestOrchestrator(s, b, obs)

	batch := mustBatch(t, [4]float64{5.1, 3.5, 1.4, 0.2}, [4]float64{6.2, 2.9, 4.3, 1.3})
	id, err := o.Submit(ctx, batch)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		st, err := o.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatePending, st.State)
		assert.Nil(t, st.Predictions)
	}

	ready, _, _ := b.Stats()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, obs.n)

	deliveries, err := b.Consume(ctx, "test", 0)
	require.NoError(t, err)
	d := <-deliveries
	msg, err := domain.DecodeJobMessage(d.Body)
	require.NoError(t, err)
	assert.Equal(t, id, msg.JobID)
	assert.Equal(t, domain.TaskPredictBatch, msg.Task)
	assert.Equal(t, batch, msg.Records)
}

func TestSubmit_RejectsInvalidBatch(t *testing.T) {
	o := newTestOrchestrator(store.NewMemory(store.Options{}), broker.NewMemory(), nil)

	_, err := o.Submit(context.Background(), domain.Batch{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = o.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmit_PublishFailureRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		store     func(store.Store) store.Store
		wantState domain.JobState // empty means the entry is gone
	}{
		{
			name:  "pending entry is deleted",
			store: func(s store.Store) store.Store { return s },
		},
		{
			name:      "entry is failed when delete is refused",
			store:     func(s store.Store) store.Store { return undeletableStore{s} },
			wantState: domain.JobStateFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := store.NewMemory(store.Options{})
			b := broker.NewMemory()
			b.SetPublishError(errors.New("connection refused"))

			id := uuid.NewString()
			o := New(&Config{
				Store:     tt.store(base),
				Publisher: b,
				Logger:    discardLogger(),
				NewID:     func() string { return id },
			})

			_, err := o.Submit(ctx, mustBatch(t, [4]float64{5.1, 3.5, 1.4, 0.2}))
			require.ErrorIs(t, err, domain.ErrQueueUnavailable)

			job, err := base.Get(ctx, id)
			if tt.wantState == "" {
				assert.ErrorIs(t, err, domain.ErrUnknownJob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, job.State)
			assert.Contains(t, job.Error, "queue unavailable")
		})
	}
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Options{})
	o := newTestOrchestrator(s, broker.NewMemory(), nil)

	done := uuid.NewString()
	_, err := s.Create(ctx, done)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, done, []int{0, 2}))

	failed := uuid.NewString()
	_, err = s.Create(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, failed, "scoring failed: bad shape"))

	st, err := o.GetStatus(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSuccess, st.State)
	assert.Equal(t, []int{0, 2}, st.Predictions)

	st, err = o.GetStatus(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailure, st.State)
	assert.Equal(t, "scoring failed: bad shape", st.Error)
	assert.Nil(t, st.Predictions)

	_, err = o.GetStatus(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrUnknownJob)

	_, err = o.GetStatus(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrUnknownJob)
}

func TestSubmit_ConcurrentCallersGetDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Options{})
	b := broker.NewMemory()
	o := newTestOrchestrator(s, b, nil)

	const n = 100
	batch := mustBatch(t, [4]float64{5.1, 3.5, 1.4, 0.2})
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.Submit(ctx, batch)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)

	ready, _, _ := b.Stats()
	assert.Equal(t, n, ready)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Options{})
	o := newTestOrchestrator(s, broker.NewMemory(), nil)

	for i := 0; i < 3; i++ {
		_, err := o.Submit(ctx, mustBatch(t, [4]float64{5.1, 3.5, 1.4, 0.2}))
		require.NoError(t, err)
	}

	all, err := o.List(ctx, store.JobFilter{State: domain.JobStatePending})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := o.List(ctx, store.JobFilter{State: domain.JobStateSuccess})
	require.NoError(t, err)
	assert.Empty(t, none)
}
