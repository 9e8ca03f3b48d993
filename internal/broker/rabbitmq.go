package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/iris-serving/shared/rabbitmq"
)

const (
	contentTypeJSON            = "application/json"
	defaultResubscribeInterval = 500 * time.Millisecond
)

// AMQPClient is the subset of the shared RabbitMQ client the broker uses.
type AMQPClient interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
	IsConnected() bool
}

var _ AMQPClient = (*rabbitmq.Client)(nil)

// RabbitMQ adapts an AMQP client to the Broker interface. Consumers
// resubscribe once the client has reconnected.
type RabbitMQ struct {
	client              AMQPClient
	logger              *slog.Logger
	resubscribeInterval time.Duration
}

func NewRabbitMQ(client AMQPClient, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{client: client, logger: logger, resubscribeInterval: defaultResubscribeInterval}
}

// Healthy fails while the client has no live channel.
func (r *RabbitMQ) Healthy() error {
	if !r.client.IsConnected() {
		return rabbitmq.ErrNotConnected
	}
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	return r.client.PublishWithRetry(ctx, body, contentTypeJSON)
}

func (r *RabbitMQ) subscribe(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := r.client.Qos(prefetch); err != nil {
			return nil, err
		}
	}
	msgs, err := r.client.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", consumerTag, err)
	}
	return msgs, nil
}

// resubscribe retries subscribe until it succeeds. It returns nil once ctx
// is done.
func (r *RabbitMQ) resubscribe(ctx context.Context, consumerTag string, prefetch int) <-chan amqp.Delivery {
	ticker := time.NewTicker(r.resubscribeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		msgs, err := r.subscribe(consumerTag, prefetch)
		if err == nil {
			r.logger.Info("Consumer resubscribed", slog.String("consumer_tag", consumerTag))
			return msgs
		}
		r.logger.Debug("Resubscribe failed",
			slog.String("consumer_tag", consumerTag),
			slog.Any("error", err),
		)
	}
}

func (r *RabbitMQ) Consume(ctx context.Context, consumerTag string, prefetch int) (<-chan Delivery, error) {
	msgs, err := r.subscribe(consumerTag, prefetch)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if err := r.client.Cancel(consumerTag); err != nil {
					r.logger.Warn("Failed to cancel consumer",
						slog.String("consumer_tag", consumerTag),
						slog.Any("error", err),
					)
				}
				return
			case m, ok := <-msgs:
				if !ok {
					r.logger.Warn("Delivery channel closed, waiting to resubscribe", slog.String("consumer_tag", consumerTag))
					if msgs = r.resubscribe(ctx, consumerTag, prefetch); msgs == nil {
						return
					}
					continue
				}
				d := NewDelivery(m.Body, m.DeliveryTag, m.Redelivered, amqpAck{d: m})
				select {
				case out <- d:
				case <-ctx.Done():
					// unsettled; the broker redelivers it once the channel goes away
					_ = m.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

type amqpAck struct {
	d amqp.Delivery
}

func (a amqpAck) Ack() error {
	return a.d.Ack(false)
}

func (a amqpAck) Nack(requeue bool) error {
	return a.d.Nack(false, requeue)
}
