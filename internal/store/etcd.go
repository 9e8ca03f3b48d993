package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cuongbtq/iris-serving/internal/domain"
)

// DefaultEtcdPrefix is the key namespace for job entries.
const DefaultEtcdPrefix = "/iris/jobs/"

// EtcdClient is the part of clientv3.Client the store needs.
type EtcdClient interface {
	clientv3.KV
	clientv3.Lease
}

// etcdRecord is the JSON value stored under each job key.
type etcdRecord struct {
	JobID       string          `json:"job_id"`
	State       domain.JobState `json:"state"`
	Predictions []int           `json:"predictions,omitempty"`
	Error       string          `json:"error,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func recordFromJob(j *domain.Job) etcdRecord {
	return etcdRecord{
		JobID:       j.JobID,
		State:       j.State,
		Predictions: j.Predictions,
		Error:       j.Error,
		WorkerID:    j.WorkerID,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		ExpiresAt:   j.ExpiresAt,
	}
}

func (r *etcdRecord) toDomain() *domain.Job {
	return &domain.Job{
		JobID:       r.JobID,
		State:       r.State,
		Predictions: r.Predictions,
		Error:       r.Error,
		WorkerID:    r.WorkerID,
		Attempts:    r.Attempts,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

// Etcd keeps one key per job, each bound to its own lease so etcd drops
// the entry when retention runs out. Updates are compare-and-swap on the
// key's mod revision.
type Etcd struct {
	client EtcdClient
	prefix string
	opts   Options
	logger *slog.Logger
}

func NewEtcd(client EtcdClient, prefix string, opts Options, logger *slog.Logger) *Etcd {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Etcd{client: client, prefix: prefix, opts: opts.withDefaults(), logger: logger}
}

func (e *Etcd) key(jobID string) string {
	return e.prefix + jobID
}

// leaseTTL rounds retention up to whole seconds, the lease granularity.
func leaseTTL(retention time.Duration) int64 {
	return int64(math.Max(1, math.Ceil(retention.Seconds())))
}

func (e *Etcd) grant(ctx context.Context) (clientv3.LeaseID, error) {
	lease, err := e.client.Grant(ctx, leaseTTL(e.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to grant lease: %w", err)
	}
	return lease.ID, nil
}

// revoke drops a lease the key no longer uses.
func (e *Etcd) revoke(ctx context.Context, id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	if _, err := e.client.Revoke(ctx, id); err != nil {
		e.logger.Debug("Failed to revoke superseded lease",
			slog.Int64("lease_id", int64(id)),
			slog.Any("error", err),
		)
	}
}

func (e *Etcd) Create(ctx context.Context, jobID string) (*domain.Job, error) {
	now := e.opts.Now()
	job := &domain.Job{
		JobID:     jobID,
		State:     domain.JobStatePending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(e.opts.Retention),
	}
	value, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	leaseID, err := e.grant(ctx)
	if err != nil {
		return nil, err
	}

	k := e.key(jobID)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(value), clientv3.WithLease(leaseID))).
		Commit()
	if err != nil {
		e.revoke(ctx, leaseID)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if !resp.Succeeded {
		e.revoke(ctx, leaseID)
		return nil, ErrJobExists
	}
	return job, nil
}

// load reads a live record with the revision and lease it was written under.
func (e *Etcd) load(ctx context.Context, jobID string) (*etcdRecord, int64, clientv3.LeaseID, error) {
	resp, err := e.client.Get(ctx, e.key(jobID))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to get job: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, 0, domain.ErrUnknownJob
	}
	kv := resp.Kvs[0]
	var rec etcdRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	if !e.opts.Now().Before(rec.ExpiresAt) {
		return nil, 0, 0, domain.ErrUnknownJob
	}
	return &rec, kv.ModRevision, clientv3.LeaseID(kv.Lease), nil
}

// mutate applies fn to a live non-terminal record. A lost compare-and-swap
// reloads and retries; the retry sees the winner's state.
func (e *Etcd) mutate(ctx context.Context, jobID string, fn func(r *etcdRecord)) (*domain.Job, error) {
	k := e.key(jobID)
	for {
		rec, rev, oldLease, err := e.load(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if rec.State.IsTerminal() {
			return nil, domain.ErrJobTerminal
		}

		now := e.opts.Now()
		fn(rec)
		rec.UpdatedAt = now
		rec.ExpiresAt = now.Add(e.opts.Retention)
		value, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}

		leaseID, err := e.grant(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
			Then(clientv3.OpPut(k, string(value), clientv3.WithLease(leaseID))).
			Commit()
		if err != nil {
			e.revoke(ctx, leaseID)
			return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
		}
		if !resp.Succeeded {
			e.revoke(ctx, leaseID)
			continue
		}
		e.revoke(ctx, oldLease)
		return rec.toDomain(), nil
	}
}

func (e *Etcd) MarkStarted(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	return e.mutate(ctx, jobID, func(r *etcdRecord) {
		r.State = domain.JobStateStarted
		r.WorkerID = workerID
		r.Attempts++
	})
}

func (e *Etcd) Complete(ctx context.Context, jobID string, predictions []int) error {
	_, err := e.mutate(ctx, jobID, func(r *etcdRecord) {
		r.State = domain.JobStateSuccess
		r.Predictions = append([]int{}, predictions...)
		r.Error = ""
	})
	return err
}

func (e *Etcd) Fail(ctx context.Context, jobID, detail string) error {
	_, err := e.mutate(ctx, jobID, func(r *etcdRecord) {
		r.State = domain.JobStateFailure
		r.Error = detail
	})
	return err
}

func (e *Etcd) Touch(ctx context.Context, jobID string) error {
	_, err := e.mutate(ctx, jobID, func(*etcdRecord) {})
	return err
}

func (e *Etcd) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	rec, _, _, err := e.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return rec.toDomain(), nil
}

func (e *Etcd) Delete(ctx context.Context, jobID string) error {
	if _, err := e.client.Delete(ctx, e.key(jobID)); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (e *Etcd) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	now := e.opts.Now()
	jobs := make([]domain.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec etcdRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			e.logger.Warn("Skipping undecodable job entry",
				slog.String("key", string(kv.Key)),
				slog.Any("error", err),
			)
			continue
		}
		if !now.Before(rec.ExpiresAt) {
			continue
		}
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		if !pastCursor(filter.Cursor, rec.CreatedAt, rec.JobID) {
			continue
		}
		jobs = append(jobs, *rec.toDomain())
	}

	sort.Slice(jobs, func(i, k int) bool {
		return newerThan(jobs[i].CreatedAt, jobs[i].JobID, jobs[k].CreatedAt, jobs[k].JobID)
	})
	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

// PurgeExpired removes entries whose recorded expiry passed before their
// lease fired. Lease expiry removes the rest without help.
func (e *Etcd) PurgeExpired(ctx context.Context) (int, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to scan jobs: %w", err)
	}

	now := e.opts.Now()
	purged := 0
	for _, kv := range resp.Kvs {
		var rec etcdRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil || now.Before(rec.ExpiresAt) {
			continue
		}
		k := string(kv.Key)
		txn, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(k)).
			Commit()
		if err != nil {
			return purged, fmt.Errorf("failed to purge job %s: %w", rec.JobID, err)
		}
		if txn.Succeeded {
			purged++
		}
	}
	return purged, nil
}
