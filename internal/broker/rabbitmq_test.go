package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/iris-serving/shared/rabbitmq"
)

type fakeAMQP struct {
	mu        sync.Mutex
	subs      []chan amqp.Delivery
	qos       []int
	connected atomic.Bool
}

func (f *fakeAMQP) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !f.connected.Load() {
		return rabbitmq.ErrNotConnected
	}
	return nil
}

func (f *fakeAMQP) Qos(prefetchCount int) error {
	if !f.connected.Load() {
		return rabbitmq.ErrNotConnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = append(f.qos, prefetchCount)
	return nil
}

func (f *fakeAMQP) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !f.connected.Load() {
		return nil, rabbitmq.ErrNotConnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp.Delivery, 1)
	f.subs = append(f.subs, ch)
	return ch, nil
}

func (f *fakeAMQP) Cancel(consumerTag string) error { return nil }

func (f *fakeAMQP) IsConnected() bool { return f.connected.Load() }

func (f *fakeAMQP) sub(i int) chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeAMQP) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeAcker struct {
	acked atomic.Int32
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acked.Add(1)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error { return nil }

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

func newTestRabbitMQ(client AMQPClient) *RabbitMQ {
	r := NewRabbitMQ(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.resubscribeInterval = time.Millisecond
	return r
}

func TestRabbitMQ_Healthy(t *testing.T) {
	f := &fakeAMQP{}
	r := newTestRabbitMQ(f)

	assert.ErrorIs(t, r.Healthy(), rabbitmq.ErrNotConnected)
	assert.ErrorIs(t, r.Publish(context.Background(), []byte("{}")), rabbitmq.ErrNotConnected)

	f.connected.Store(true)
	assert.NoError(t, r.Healthy())
	assert.NoError(t, r.Publish(context.Background(), []byte("{}")))
}

func TestRabbitMQ_ConsumeResubscribesAfterChannelLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeAMQP{}
	f.connected.Store(true)
	r := newTestRabbitMQ(f)

	out, err := r.Consume(ctx, "worker-0", 4)
	require.NoError(t, err)

	acker := &fakeAcker{}
	f.sub(0) <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("first")}
	d := receive(t, out)
	assert.Equal(t, "first", string(d.Body))
	require.NoError(t, d.Ack())
	assert.Equal(t, int32(1), acker.acked.Load())

	// the channel dies and the client is down for a while
	f.connected.Store(false)
	close(f.sub(0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.subscriptions())

	f.connected.Store(true)
	require.Eventually(t, func() bool { return f.subscriptions() == 2 }, 2*time.Second, time.Millisecond)

	f.sub(1) <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("second"), Redelivered: true}
	d = receive(t, out)
	assert.Equal(t, "second", string(d.Body))
	assert.True(t, d.Redelivered)

	f.mu.Lock()
	assert.Equal(t, []int{4, 4}, f.qos)
	f.mu.Unlock()
}

func TestRabbitMQ_ConsumeStopsWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	f := &fakeAMQP{}
	f.connected.Store(true)
	r := newTestRabbitMQ(f)

	out, err := r.Consume(ctx, "worker-0", 0)
	require.NoError(t, err)

	f.connected.Store(false)
	close(f.sub(0))
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
