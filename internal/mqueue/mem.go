package mqueue

import (
	"context"
	"sync"
)

// Mem is an in-memory Queue implementation for tests: Publish pushes
// onto a per-queue buffered channel and records the body for assertions;
// Consume drains that channel exactly like Client.Consume drains AMQP
// deliveries.
type Mem struct {
	mu        sync.Mutex
	declared  map[string]bool
	queues    map[string]chan []byte
	published map[string][][]byte
}

// NewMem builds an empty Mem.
func NewMem() *Mem {
	return &Mem{
		declared:  make(map[string]bool),
		queues:    make(map[string]chan []byte),
		published: make(map[string][][]byte),
	}
}

func (m *Mem) queueFor(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan []byte, 256)
		m.queues[name] = q
	}
	return q
}

func (m *Mem) DeclareQueue(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declared[name] = true
	return nil
}

func (m *Mem) Publish(ctx context.Context, queueName string, body []byte) error {
	cp := append([]byte(nil), body...)
	m.mu.Lock()
	m.published[queueName] = append(m.published[queueName], cp)
	m.mu.Unlock()
	select {
	case m.queueFor(queueName) <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume drains queueName exactly like Client.Consume drains AMQP
// deliveries: a handler error leaves the message dropped rather than
// acked (Mem has no redelivery timer, but the contract — don't ack on
// error — is the same one consumers rely on).
func (m *Mem) Consume(ctx context.Context, queueName string, handler Handler) error {
	q := m.queueFor(queueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-q:
			_ = handler(ctx, body)
		}
	}
}

// Messages returns every body published to queueName so far, for test
// assertions.
func (m *Mem) Messages(queueName string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[queueName]...)
}
