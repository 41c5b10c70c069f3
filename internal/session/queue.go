package session

import (
	"context"
	"errors"
	"sync"

	"risktrajectory/internal/model"
)

var ErrQueueClosed = errors.New("session queue closed")

// Queue is a bounded FIFO of assessments. When full, Push discards the
// oldest entry so a slow viewer always converges on the newest state.
type Queue struct {
	mu      sync.Mutex
	items   []model.Assessment
	size    int
	ready   chan struct{}
	closed  bool
	dropped uint64
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{size: size, ready: make(chan struct{}, 1)}
}

// Push enqueues a and reports whether an older entry was dropped to make room.
func (q *Queue) Push(a model.Assessment) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	if len(q.items) >= q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, a)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until an assessment is available, ctx ends or the queue closes.
func (q *Queue) Pop(ctx context.Context) (model.Assessment, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			a := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return a, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return model.Assessment{}, ErrQueueClosed
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return model.Assessment{}, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
