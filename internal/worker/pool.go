package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/iris-serving/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop processes jobs until the dispatcher closes jobsChan. Jobs
// already buffered when shutdown starts still run; they are detached from
// ctx and bounded by the job timeout.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	jobCtx := context.WithoutCancel(ctx)
	for j := range w.jobsChan {
		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", j.msg.JobID),
			slog.Uint64("delivery_tag", j.delivery.Tag),
		)

		err := w.processJob(jobCtx, workerName, j.msg)
		w.settle(workerName, j, err)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// settle ACKs handled jobs and NACKs failures, requeueing only retryable ones
func (w *Worker) settle(workerName string, j *job, err error) {
	if err == nil {
		if ackErr := j.delivery.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", j.msg.JobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := w.shouldRequeueJob(err)
	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", j.msg.JobID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
	if nackErr := j.delivery.Nack(requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", j.msg.JobID),
			slog.Any("error", nackErr),
		)
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	// Don't requeue if the message itself is bad
	if errors.Is(err, domain.ErrInvalidMessage) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue for unknown errors
	return false
}
