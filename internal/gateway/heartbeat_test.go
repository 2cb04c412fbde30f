package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedHeartbeat(interval time.Duration, t0 time.Time) (*Heartbeat, *time.Time) {
	now := t0
	h := NewHeartbeat(interval, 0.9)
	h.now = func() time.Time { return now }
	h.lastInbound = t0
	return h, &now
}

func TestHeartbeatCheck(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	interval := 10 * time.Second

	cases := []struct {
		name  string
		setup func(h *Heartbeat)
		at    time.Duration
		want  Verdict
	}{
		{name: "fresh connection sends", at: time.Second, want: VerdictSend},
		{name: "inbound exactly at interval still sends", at: interval, want: VerdictSend},
		{name: "silence beyond interval times out", at: interval + time.Millisecond, want: VerdictTimeout},
		{
			name:  "unacked previous heartbeat fails",
			setup: func(h *Heartbeat) { h.MarkSent(t0) },
			at:    time.Second,
			want:  VerdictNoAck,
		},
		{
			name: "acked heartbeat allows next send",
			setup: func(h *Heartbeat) {
				h.MarkSent(t0)
				h.Acknowledge(t0)
			},
			at:   time.Second,
			want: VerdictSend,
		},
		{
			name:  "timeout wins over missing ack",
			setup: func(h *Heartbeat) { h.MarkSent(t0) },
			at:    2 * interval,
			want:  VerdictTimeout,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := fixedHeartbeat(interval, t0)
			if tc.setup != nil {
				tc.setup(h)
			}
			if got := h.Check(t0.Add(tc.at)); got != tc.want {
				t.Fatalf("Check = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHeartbeatDelaySubtractsLatency(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, now := fixedHeartbeat(10*time.Second, t0)
	h.MarkSent(t0)
	*now = t0.Add(200 * time.Millisecond)
	h.Acknowledge(t0)

	if got := h.Latency(); got != 200*time.Millisecond {
		t.Fatalf("latency = %v", got)
	}
	if got, want := h.Delay(), 9*time.Second-200*time.Millisecond; got != want {
		t.Fatalf("delay = %v, want %v", got, want)
	}
}

func TestHeartbeatRunFailsWithoutAck(t *testing.T) {
	t.Parallel()

	h := NewHeartbeat(200*time.Millisecond, 0.5)
	sends := 0
	err := h.Run(context.Background(), func(context.Context) error {
		sends++
		h.Touch()
		return nil
	})
	if !errors.Is(err, ErrHeartbeatNoAck) {
		t.Fatalf("expected ErrHeartbeatNoAck, got %v", err)
	}
	if sends != 1 {
		t.Fatalf("expected one send before failing, got %d", sends)
	}
}

func TestHeartbeatRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := NewHeartbeat(time.Hour, 0.9)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, func(context.Context) error {
			h.Acknowledge(time.Now())
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}
