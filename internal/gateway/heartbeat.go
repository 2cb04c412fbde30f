package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrHeartbeatTimeout = errors.New("gateway: no inbound traffic within heartbeat interval")
	ErrHeartbeatNoAck   = errors.New("gateway: previous heartbeat was not acknowledged")
)

// Verdict is the outcome of one heartbeat check.
type Verdict int

const (
	VerdictSend Verdict = iota
	VerdictTimeout
	VerdictNoAck
)

// Heartbeat tracks liveness of one connection.
type Heartbeat struct {
	interval time.Duration
	jitter   float64
	now      func() time.Time

	mu          sync.Mutex
	lastInbound time.Time
	lastSent    time.Time
	acked       bool
	latency     time.Duration
}

func NewHeartbeat(interval time.Duration, jitter float64) *Heartbeat {
	if jitter <= 0 || jitter > 1 {
		jitter = 0.9
	}
	h := &Heartbeat{interval: interval, jitter: jitter, now: time.Now, acked: true}
	h.lastInbound = h.now()
	return h
}

// Check decides the next step at now without side effects.
func (h *Heartbeat) Check(now time.Time) Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastInbound) > h.interval {
		return VerdictTimeout
	}
	if !h.acked {
		return VerdictNoAck
	}
	return VerdictSend
}

// MarkSent records a heartbeat send and expects an ack.
func (h *Heartbeat) MarkSent(at time.Time) {
	h.mu.Lock()
	h.lastSent = at
	h.acked = false
	h.mu.Unlock()
}

// Acknowledge records an ack for the heartbeat sent at sentAt.
func (h *Heartbeat) Acknowledge(sentAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acked = true
	if !sentAt.IsZero() {
		h.latency = h.now().Sub(sentAt)
	}
}

// Touch records inbound activity.
func (h *Heartbeat) Touch() {
	h.mu.Lock()
	h.lastInbound = h.now()
	h.mu.Unlock()
}

func (h *Heartbeat) LastSent() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSent
}

func (h *Heartbeat) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}

// Delay is the pause before the next check: interval*jitter minus latency.
func (h *Heartbeat) Delay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := time.Duration(float64(h.interval)*h.jitter) - h.latency
	return max(d, 100*time.Millisecond)
}

// Run sends heartbeats until ctx ends or a check fails.
func (h *Heartbeat) Run(ctx context.Context, send func(ctx context.Context) error) error {
	for {
		switch h.Check(h.now()) {
		case VerdictTimeout:
			return ErrHeartbeatTimeout
		case VerdictNoAck:
			return ErrHeartbeatNoAck
		}
		if err := send(ctx); err != nil {
			return err
		}
		h.MarkSent(h.now())

		t := time.NewTimer(h.Delay())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
