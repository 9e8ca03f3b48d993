// Package broker carries job messages from submitters to workers with
// at-least-once delivery.
package broker

import (
	"context"
	"errors"
)

// ErrUnknownDelivery is returned when acking a delivery the broker no longer tracks,
// e.g. after the consumer's channel was lost and the message redelivered.
var ErrUnknownDelivery = errors.New("unknown delivery tag")

// Publisher durably enqueues message bodies.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Consumer streams deliveries until ctx is canceled or the broker goes away.
// prefetch bounds unacknowledged deliveries per consumer; 0 means unbounded.
type Consumer interface {
	Consume(ctx context.Context, consumerTag string, prefetch int) (<-chan Delivery, error)
}

// HealthChecker reports whether a broker can take work right now.
type HealthChecker interface {
	Healthy() error
}

// Broker is both ends of the queue.
type Broker interface {
	Publisher
	Consumer
}

// Acknowledger settles a single delivery.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is one message handed to a consumer. A delivery that is never
// settled is redelivered when its consumer goes away.
type Delivery struct {
	Body        []byte
	Redelivered bool
	Tag         uint64

	ack Acknowledger
}

// NewDelivery builds a delivery settled through ack.
func NewDelivery(body []byte, tag uint64, redelivered bool, ack Acknowledger) Delivery {
	return Delivery{Body: body, Tag: tag, Redelivered: redelivered, ack: ack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return ErrUnknownDelivery
	}
	return d.ack.Ack()
}

// Nack rejects the delivery; requeue=false drops it or routes it to a dead-letter queue.
func (d Delivery) Nack(requeue bool) error {
	if d.ack == nil {
		return ErrUnknownDelivery
	}
	return d.ack.Nack(requeue)
}
