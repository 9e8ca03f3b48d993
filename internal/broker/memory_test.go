package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func expectNone(t *testing.T, ch <-chan Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %q", d.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_PublishConsumeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	require.NoError(t, m.Publish(ctx, []byte("a")))
	require.NoError(t, m.Publish(ctx, []byte("b")))

	ch, err := m.Consume(ctx, "c1", 0)
	require.NoError(t, err)

	d1 := receive(t, ch)
	d2 := receive(t, ch)
	assert.Equal(t, "a", string(d1.Body))
	assert.Equal(t, "b", string(d2.Body))
	assert.False(t, d1.Redelivered)

	require.NoError(t, d1.Ack())
	require.NoError(t, d2.Ack())
	assert.ErrorIs(t, d1.Ack(), ErrUnknownDelivery)

	ready, unacked, dead := m.Stats()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{ready, unacked, dead})
}

func TestMemory_NackRequeueRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	require.NoError(t, m.Publish(ctx, []byte("job")))

	ch, err := m.Consume(ctx, "c1", 1)
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, d.Nack(true))

	again := receive(t, ch)
	assert.Equal(t, "job", string(again.Body))
	assert.True(t, again.Redelivered)
	assert.NotEqual(t, d.Tag, again.Tag)
	require.NoError(t, again.Ack())
}

func TestMemory_NackWithoutRequeueDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	require.NoError(t, m.Publish(ctx, []byte("poison")))

	ch, err := m.Consume(ctx, "c1", 0)
	require.NoError(t, err)
	require.NoError(t, receive(t, ch).Nack(false))

	ready, unacked, dead := m.Stats()
	assert.Equal(t, 0, ready)
	assert.Equal(t, 0, unacked)
	assert.Equal(t, 1, dead)
	expectNone(t, ch)
}

func TestMemory_PrefetchBoundsInflight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	for _, b := range []string{"1", "2", "3"} {
		require.NoError(t, m.Publish(ctx, []byte(b)))
	}

	ch, err := m.Consume(ctx, "c1", 1)
	require.NoError(t, err)

	first := receive(t, ch)
	expectNone(t, ch)

	require.NoError(t, first.Ack())
	second := receive(t, ch)
	assert.Equal(t, "2", string(second.Body))
}

func TestMemory_RequeueUnacked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	for _, b := range []string{"1", "2"} {
		require.NoError(t, m.Publish(ctx, []byte(b)))
	}

	ch, err := m.Consume(ctx, "crashed", 2)
	require.NoError(t, err)
	receive(t, ch)
	receive(t, ch)
	cancel()

	assert.Equal(t, 2, m.RequeueUnacked())

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	ch2, err := m.Consume(ctx2, "survivor", 0)
	require.NoError(t, err)

	d1 := receive(t, ch2)
	d2 := receive(t, ch2)
	assert.Equal(t, "1", string(d1.Body))
	assert.Equal(t, "2", string(d2.Body))
	assert.True(t, d1.Redelivered)
	assert.True(t, d2.Redelivered)
}

func TestMemory_PublishErrors(t *testing.T) {
	m := NewMemory()
	boom := errors.New("queue down")

	m.SetPublishError(boom)
	assert.ErrorIs(t, m.Publish(context.Background(), []byte("x")), boom)

	m.SetPublishError(nil)
	require.NoError(t, m.Publish(context.Background(), []byte("x")))

	require.NoError(t, m.Healthy())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Healthy(), ErrBrokerClosed)
	assert.ErrorIs(t, m.Publish(context.Background(), []byte("x")), ErrBrokerClosed)
	_, err := m.Consume(context.Background(), "late", 0)
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestMemory_ConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	ch, err := m.Consume(ctx, "c1", 0)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
