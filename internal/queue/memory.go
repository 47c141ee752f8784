package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process queue for single-binary development setups
// and tests. Nothing survives a restart.
type MemoryQueue struct {
	ch     chan uuid.UUID
	closed chan struct{}
	once   sync.Once
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		ch:     make(chan uuid.UUID, size),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, jobID uuid.UUID) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			case id := <-q.ch:
				select {
				case out <- &memoryDelivery{q: q, id: id}:
				case <-ctx.Done():
					q.requeue(id)
					return
				case <-q.closed:
					return
				}
			}
		}
	}()
	return out, nil
}

// Len reports the number of messages waiting to be consumed.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *MemoryQueue) requeue(id uuid.UUID) {
	select {
	case q.ch <- id:
	default:
		// Buffer full; hand off so the caller never blocks.
		go func() {
			select {
			case q.ch <- id:
			case <-q.closed:
			}
		}()
	}
}

type memoryDelivery struct {
	q    *MemoryQueue
	id   uuid.UUID
	done sync.Once
}

func (d *memoryDelivery) JobID() uuid.UUID { return d.id }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.done.Do(func() {})
	return nil
}

func (d *memoryDelivery) Nack(ctx context.Context, requeue bool) error {
	d.done.Do(func() {
		if requeue {
			d.q.requeue(d.id)
		}
	})
	return nil
}
