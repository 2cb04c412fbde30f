package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("gateway: dispatch queue closed")

// Dispatch is one op-0 event handed to the pipeline.
type Dispatch struct {
	Type     string
	Seq      int64
	Data     json.RawMessage
	Received time.Time
}

// Queue is an unbounded single-consumer FIFO. Push never blocks the reader.
type Queue struct {
	mu     sync.Mutex
	items  []Dispatch
	wake   chan struct{}
	closed bool
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Push(d Dispatch) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an item is available, the queue is closed, or ctx ends.
func (q *Queue) Next(ctx context.Context) (Dispatch, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = Dispatch{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Dispatch{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return Dispatch{}, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer. Items already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
