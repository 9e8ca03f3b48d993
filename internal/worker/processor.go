package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/iris-serving/internal/domain"
)

// processJob claims the job, runs its handler with a timeout and heartbeat,
// and records the terminal state. A nil return means the delivery can be
// ACKed; handler failures are recorded as FAILURE and also return nil.
func (w *Worker) processJob(ctx context.Context, workerName string, msg *domain.JobMessage) error {
	// Step 1: Claim job (PENDING|STARTED → STARTED)
	claimed, err := w.store.MarkStarted(ctx, msg.JobID, workerName)
	switch {
	case errors.Is(err, domain.ErrJobTerminal):
		// redelivery of a job that already finished
		w.logger.Info("Job already finished, skipping",
			slog.String("job_id", msg.JobID),
			slog.String("worker_name", workerName),
		)
		return nil
	case errors.Is(err, domain.ErrUnknownJob):
		w.logger.Warn("Job expired or rolled back, dropping message",
			slog.String("job_id", msg.JobID),
		)
		return nil
	case err != nil:
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	started := time.Now()
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_name", workerName),
		slog.Int("attempts", claimed.Attempts),
		slog.Int("batch_size", len(msg.Records)),
	)

	if w.maxAttempts > 0 && claimed.Attempts > w.maxAttempts {
		w.logger.Warn("Job exceeded delivery attempts",
			slog.String("job_id", msg.JobID),
			slog.Int("attempts", claimed.Attempts),
			slog.Int("max_attempts", w.maxAttempts),
		)
		return w.finish(ctx, msg.JobID, nil, fmt.Errorf("exceeded %d delivery attempts", w.maxAttempts), started)
	}

	// Step 2: Resolve the handler for the task
	handler, ok := w.handler(msg.Task)
	if !ok {
		return w.finish(ctx, msg.JobID, nil, fmt.Errorf("no handler registered for task %q", msg.Task), started)
	}

	// Step 3: Run under the job timeout with a heartbeat extending retention
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, msg.JobID, heartbeatDone)
	defer close(heartbeatDone)

	predictions, runErr := runHandler(jobCtx, handler, msg)

	// Step 4: Record SUCCESS or FAILURE
	return w.finish(ctx, msg.JobID, predictions, runErr, started)
}

// runHandler converts handler panics into errors
func runHandler(ctx context.Context, h Handler, msg *domain.JobMessage) (preds []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// finish writes the terminal state. Losing to another worker that already
// finished the job is not an error.
func (w *Worker) finish(ctx context.Context, jobID string, predictions []int, runErr error, started time.Time) error {
	state := domain.JobStateSuccess
	var err error
	if runErr != nil {
		state = domain.JobStateFailure
		err = w.store.Fail(ctx, jobID, runErr.Error())
	} else {
		err = w.store.Complete(ctx, jobID, predictions)
	}

	if errors.Is(err, domain.ErrJobTerminal) {
		w.logger.Info("Job finished by another worker",
			slog.String("job_id", jobID),
		)
		return nil
	}
	if errors.Is(err, domain.ErrUnknownJob) {
		w.logger.Warn("Job expired before its result was stored",
			slog.String("job_id", jobID),
		)
		return nil
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to record %s: %w", state, err))
	}

	took := time.Since(started)
	w.observer.JobFinished(state.String(), took)

	if runErr != nil {
		w.logger.Error("Job execution failed",
			slog.String("job_id", jobID),
			slog.Duration("took", took),
			slog.Any("error", runErr),
		)
		return nil
	}

	w.logger.Info("Job completed successfully",
		slog.String("job_id", jobID),
		slog.Int("predictions", len(predictions)),
		slog.Duration("took", took),
	)
	return nil
}

// sendJobHeartbeat periodically extends the retention of a running job
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.Touch(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			} else {
				w.logger.Debug("Job heartbeat updated",
					slog.String("job_id", jobID),
				)
			}
		}
	}
}
