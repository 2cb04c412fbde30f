// Package signal wakes goroutines waiting on a job.
//
// A waiter obtains a channel with Watch, re-checks the job state, then blocks
// on the channel. Wake closes every channel handed out for that id so far;
// the next Watch gets a fresh one. Taking the channel before checking state
// means a wake can never fall between the check and the wait.
package signal

import (
	"context"
	"sync"
)

type Hub struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewHub() *Hub {
	return &Hub{waiters: make(map[string]chan struct{})}
}

// Watch returns a channel closed by the next Wake(id).
func (h *Hub) Watch(id string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.waiters[id]
	if !ok {
		ch = make(chan struct{})
		h.waiters[id] = ch
	}
	return ch
}

// Wake releases everyone watching id. Waking an id nobody watches is a no-op.
func (h *Hub) Wake(id string) {
	h.mu.Lock()
	ch, ok := h.waiters[id]
	if ok {
		delete(h.waiters, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Forget drops the waiter slot for id without waking it.
func (h *Hub) Forget(id string) {
	h.mu.Lock()
	delete(h.waiters, id)
	h.mu.Unlock()
}

// Wait blocks until Wake(id) or ctx is done.
func (h *Hub) Wait(ctx context.Context, id string) error {
	select {
	case <-h.Watch(id):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of ids with live waiters.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}
