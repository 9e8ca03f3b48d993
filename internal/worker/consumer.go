package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/iris-serving/internal/broker"
	"github.com/cuongbtq/iris-serving/internal/domain"
)

// setupConsumer subscribes to the broker with manual acknowledgement and
// per-consumer prefetch
func (w *Worker) setupConsumer(ctx context.Context) (<-chan broker.Delivery, error) {
	consumerTag := w.workerID

	deliveries, err := w.consumer.Consume(ctx, consumerTag, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan broker.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			msg, err := domain.DecodeJobMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Failed to decode job message",
					slog.Any("error", err),
					slog.Int("body_size", len(delivery.Body)),
				)
				// NACK without requeue - malformed messages go to the dead-letter queue
				if nackErr := delivery.Nack(false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &job{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.Tag),
					slog.Bool("redelivered", delivery.Redelivered),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// NACK the message so it can be reprocessed
				if nackErr := delivery.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", msg.JobID),
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}
