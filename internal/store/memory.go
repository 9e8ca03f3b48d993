package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/iris-serving/internal/domain"
)

type memEntry struct {
	mu      sync.Mutex
	job     *domain.Job
	removed bool
}

// Memory is a process-local Store. Each job id has its own lock.
type Memory struct {
	jobs sync.Map // string -> *memEntry
	opts Options
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults()}
}

func (m *Memory) live(e *memEntry, now time.Time) bool {
	if e.job == nil {
		return false
	}
	if !now.Before(e.job.ExpiresAt) {
		e.job = nil
		return false
	}
	return true
}

// withEntry runs fn with the id's entry locked. Entries emptied by fn are
// dropped from the map; a caller racing with the drop retries on a fresh one.
func (m *Memory) withEntry(id string, create bool, fn func(e *memEntry, now time.Time) error) error {
	for {
		var e *memEntry
		if create {
			v, _ := m.jobs.LoadOrStore(id, &memEntry{})
			e = v.(*memEntry)
		} else {
			v, ok := m.jobs.Load(id)
			if !ok {
				return domain.ErrUnknownJob
			}
			e = v.(*memEntry)
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		err := fn(e, m.opts.Now())
		if e.job == nil {
			e.removed = true
			m.jobs.CompareAndDelete(id, e)
		}
		e.mu.Unlock()
		return err
	}
}

func (m *Memory) Create(_ context.Context, jobID string) (*domain.Job, error) {
	var out *domain.Job
	err := m.withEntry(jobID, true, func(e *memEntry, now time.Time) error {
		if m.live(e, now) {
			return ErrJobExists
		}
		e.job = &domain.Job{
			JobID:     jobID,
			State:     domain.JobStatePending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(m.opts.Retention),
		}
		out = cloneJob(e.job)
		return nil
	})
	return out, err
}

// mutate applies fn to a live, non-terminal entry and refreshes its retention.
func (m *Memory) mutate(jobID string, fn func(j *domain.Job)) (*domain.Job, error) {
	var out *domain.Job
	err := m.withEntry(jobID, false, func(e *memEntry, now time.Time) error {
		if !m.live(e, now) {
			return domain.ErrUnknownJob
		}
		if e.job.State.IsTerminal() {
			return domain.ErrJobTerminal
		}
		fn(e.job)
		e.job.UpdatedAt = now
		e.job.ExpiresAt = now.Add(m.opts.Retention)
		out = cloneJob(e.job)
		return nil
	})
	return out, err
}

func (m *Memory) MarkStarted(_ context.Context, jobID, workerID string) (*domain.Job, error) {
	return m.mutate(jobID, func(j *domain.Job) {
		j.State = domain.JobStateStarted
		j.WorkerID = workerID
		j.Attempts++
	})
}

func (m *Memory) Complete(_ context.Context, jobID string, predictions []int) error {
	_, err := m.mutate(jobID, func(j *domain.Job) {
		j.State = domain.JobStateSuccess
		j.Predictions = append([]int(nil), predictions...)
		j.Error = ""
	})
	return err
}

func (m *Memory) Fail(_ context.Context, jobID, detail string) error {
	_, err := m.mutate(jobID, func(j *domain.Job) {
		j.State = domain.JobStateFailure
		j.Error = detail
	})
	return err
}

func (m *Memory) Touch(_ context.Context, jobID string) error {
	_, err := m.mutate(jobID, func(*domain.Job) {})
	return err
}

func (m *Memory) Get(_ context.Context, jobID string) (*domain.Job, error) {
	var out *domain.Job
	err := m.withEntry(jobID, false, func(e *memEntry, now time.Time) error {
		if !m.live(e, now) {
			return domain.ErrUnknownJob
		}
		out = cloneJob(e.job)
		return nil
	})
	return out, err
}

func (m *Memory) Delete(_ context.Context, jobID string) error {
	err := m.withEntry(jobID, false, func(e *memEntry, _ time.Time) error {
		e.job = nil
		return nil
	})
	if errors.Is(err, domain.ErrUnknownJob) {
		return nil
	}
	return err
}

func (m *Memory) List(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	now := m.opts.Now()
	var jobs []domain.Job
	m.jobs.Range(func(_, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.job == nil || !now.Before(e.job.ExpiresAt) {
			return true
		}
		if filter.State != "" && e.job.State != filter.State {
			return true
		}
		if !pastCursor(filter.Cursor, e.job.CreatedAt, e.job.JobID) {
			return true
		}
		jobs = append(jobs, *cloneJob(e.job))
		return true
	})

	sort.Slice(jobs, func(i, k int) bool {
		return newerThan(jobs[i].CreatedAt, jobs[i].JobID, jobs[k].CreatedAt, jobs[k].JobID)
	})
	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (m *Memory) PurgeExpired(ctx context.Context) (int, error) {
	var ids []string
	now := m.opts.Now()
	m.jobs.Range(func(k, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if e.job != nil && !now.Before(e.job.ExpiresAt) {
			ids = append(ids, k.(string))
		}
		e.mu.Unlock()
		return ctx.Err() == nil
	})

	purged := 0
	for _, id := range ids {
		_ = m.withEntry(id, false, func(e *memEntry, now time.Time) error {
			if e.job != nil && !m.live(e, now) {
				purged++
			}
			return nil
		})
	}
	return purged, ctx.Err()
}
