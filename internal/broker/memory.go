package broker

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("broker closed")

type memMessage struct {
	body        []byte
	tag         uint64
	consumer    string
	redelivered bool
}

// Memory is an in-process broker with manual acknowledgement and
// redelivery. It backs tests and single-process runs.
type Memory struct {
	mu         sync.Mutex
	ready      []*memMessage
	unacked    map[uint64]*memMessage
	inflight   map[string]int
	dead       [][]byte
	nextTag    uint64
	wake       chan struct{}
	closed     bool
	publishErr error
}

func NewMemory() *Memory {
	return &Memory{
		unacked:  make(map[uint64]*memMessage),
		inflight: make(map[string]int),
		wake:     make(chan struct{}),
	}
}

// broadcast wakes every waiting consumer. Callers hold mu.
func (m *Memory) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// SetPublishError makes every later Publish fail with err; nil restores it.
func (m *Memory) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Healthy fails after Close.
func (m *Memory) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBrokerClosed
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBrokerClosed
	}
	if m.publishErr != nil {
		return m.publishErr
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	m.ready = append(m.ready, &memMessage{body: cp})
	m.broadcast()
	return nil
}

func (m *Memory) Consume(ctx context.Context, consumerTag string, prefetch int) (<-chan Delivery, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrBrokerClosed
	}

	out := make(chan Delivery)
	go m.serve(ctx, consumerTag, prefetch, out)
	return out, nil
}

func (m *Memory) serve(ctx context.Context, consumerTag string, prefetch int, out chan<- Delivery) {
	defer close(out)
	for {
		m.mu.Lock()
		if m.closed || ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		var msg *memMessage
		if len(m.ready) > 0 && (prefetch <= 0 || m.inflight[consumerTag] < prefetch) {
			msg = m.ready[0]
			m.ready = m.ready[1:]
			m.nextTag++
			msg.tag = m.nextTag
			msg.consumer = consumerTag
			m.unacked[msg.tag] = msg
			m.inflight[consumerTag]++
		}
		wake := m.wake
		m.mu.Unlock()

		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		d := NewDelivery(msg.body, msg.tag, msg.redelivered, &memAck{broker: m, tag: msg.tag})
		select {
		case out <- d:
		case <-ctx.Done():
			_ = m.settle(msg.tag, true)
			return
		}
	}
}

func (m *Memory) settle(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.unacked[tag]
	if !ok {
		return ErrUnknownDelivery
	}
	delete(m.unacked, tag)
	m.inflight[msg.consumer]--
	if requeue {
		msg.redelivered = true
		m.ready = append(m.ready, msg)
	} else {
		m.dead = append(m.dead, msg.body)
	}
	m.broadcast()
	return nil
}

// RequeueUnacked simulates every consumer crashing: all unsettled
// deliveries go back to the head of the queue flagged as redelivered.
func (m *Memory) RequeueUnacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := make([]*memMessage, 0, len(m.unacked))
	for tag, msg := range m.unacked {
		msg.redelivered = true
		requeued = append(requeued, msg)
		delete(m.unacked, tag)
	}
	// keep original delivery order
	for i := 1; i < len(requeued); i++ {
		for j := i; j > 0 && requeued[j].tag < requeued[j-1].tag; j-- {
			requeued[j], requeued[j-1] = requeued[j-1], requeued[j]
		}
	}
	m.ready = append(requeued, m.ready...)
	clear(m.inflight)
	m.broadcast()
	return len(requeued)
}

// Stats reports queue depth, unacked count and dead-lettered count.
func (m *Memory) Stats() (ready, unacked, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), len(m.unacked), len(m.dead)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

type memAck struct {
	broker *Memory
	tag    uint64
}

func (a *memAck) Ack() error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	msg, ok := a.broker.unacked[a.tag]
	if !ok {
		return ErrUnknownDelivery
	}
	delete(a.broker.unacked, a.tag)
	a.broker.inflight[msg.consumer]--
	a.broker.broadcast()
	return nil
}

func (a *memAck) Nack(requeue bool) error {
	return a.broker.settle(a.tag, requeue)
}
