package signal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWakeReleasesAllWatchers(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := h.Watch("job-1")
	b := h.Watch("job-1")
	other := h.Watch("job-2")

	h.Wake("job-1")
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("watcher not released")
		}
	}
	select {
	case <-other:
		t.Fatalf("unrelated watcher released")
	default:
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 live waiter slot, got %d", h.Len())
	}
}

func TestWatchAfterWakeGetsFreshChannel(t *testing.T) {
	t.Parallel()

	h := NewHub()
	h.Wake("job-1")
	ch := h.Watch("job-1")
	select {
	case <-ch:
		t.Fatalf("wake before watch must not be remembered")
	default:
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx, "job-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait(context.Background(), "job-2") }()
	for h.Len() < 2 {
		time.Sleep(time.Millisecond)
	}
	h.Wake("job-2")
	if err := <-done; err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
