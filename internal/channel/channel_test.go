package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mjrelay/internal/domain"
	"mjrelay/internal/signal"
)

func newJob(id string) *domain.Job {
	return domain.NewJob(domain.JobData{ID: id, Action: domain.ActionImagine})
}

func noop(context.Context) error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRespectsQueueSize(t *testing.T) {
	t.Parallel()

	ch := New(Config{ID: "c1", Enabled: true, QueueSize: 10, Concurrency: 1}, Options{})
	pos, err := ch.Enqueue(newJob("j0"), noop)
	if err != nil || pos != 0 {
		t.Fatalf("first enqueue = %d, %v", pos, err)
	}
	for i := 1; i < 10; i++ {
		pos, err := ch.Enqueue(newJob(fmt.Sprint("j", i)), noop)
		if err != nil || pos != i {
			t.Fatalf("enqueue %d = %d, %v", i, pos, err)
		}
	}
	if _, err := ch.Enqueue(newJob("j10"), noop); !errors.Is(err, ErrQueueFull) || err.Error() != "queue full" {
		t.Fatalf("11th enqueue = %v, want queue full", err)
	}
	if got := ch.Queued()[3].Data().ChannelID; got != "c1" {
		t.Fatalf("job channel = %q", got)
	}
}

func TestEnqueueUnboundedAndDisabled(t *testing.T) {
	t.Parallel()

	ch := New(Config{ID: "c1", Enabled: true}, Options{})
	for i := range 100 {
		if _, err := ch.Enqueue(newJob(fmt.Sprint(i)), noop); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	ch.SetEnabled(false)
	if _, err := ch.Enqueue(newJob("late"), noop); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestConcurrencyClamped(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want int }{{0, 1}, {-3, 1}, {5, 5}, {50, 12}}
	for _, tc := range cases {
		if got := New(Config{Concurrency: tc.in}, Options{}).Config().Concurrency; got != tc.want {
			t.Fatalf("concurrency %d clamped to %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestRunNeverExceedsGate(t *testing.T) {
	t.Parallel()

	hub := signal.NewHub()
	ch := New(Config{ID: "c1", Enabled: true, Concurrency: 2}, Options{Hub: hub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	var active, peak atomic.Int32
	jobs := make([]*domain.Job, 6)
	for i := range jobs {
		job := newJob(fmt.Sprint("j", i))
		jobs[i] = job
		_, err := ch.Enqueue(job, func(context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if r := ch.Snapshot().Running; r > 2 {
				t.Errorf("running = %d", r)
			}
			time.Sleep(15 * time.Millisecond)
			active.Add(-1)
			job.Transition(domain.StatusSubmitted, time.Now())
			go func() {
				time.Sleep(5 * time.Millisecond)
				job.Transition(domain.StatusSuccess, time.Now())
				hub.Wake(job.ID())
			}()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitFor(t, "all jobs to finish", func() bool {
		return !slices.ContainsFunc(jobs, func(j *domain.Job) bool { return !j.Status().Terminal() })
	})
	if p := peak.Load(); p > 2 || p == 0 {
		t.Fatalf("peak concurrency = %d", p)
	}
	waitFor(t, "running index to drain", func() bool { return ch.Snapshot().Running == 0 })
}

func TestSendErrorFailsJob(t *testing.T) {
	t.Parallel()

	var changed atomic.Int32
	ch := New(Config{ID: "c1", Enabled: true}, Options{OnChange: func(*domain.Job) { changed.Add(1) }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	job := newJob("j1")
	if _, err := ch.Enqueue(job, func(context.Context) error { return errors.New("HTTP 400") }); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "failure", func() bool { return job.Status() == domain.StatusFailure })
	if r := job.Data().FailReason; !strings.Contains(r, "HTTP 400") {
		t.Fatalf("reason = %q", r)
	}
	if changed.Load() != 1 {
		t.Fatalf("OnChange calls = %d", changed.Load())
	}
}

func TestPendingJobTimesOut(t *testing.T) {
	t.Parallel()

	ch := New(Config{ID: "c1", Enabled: true, Timeout: 30 * time.Millisecond}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	job := newJob("j1")
	if _, err := ch.Enqueue(job, func(context.Context) error {
		job.Transition(domain.StatusSubmitted, time.Now())
		return nil
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "timeout", func() bool { return job.Status() == domain.StatusFailure })
	if r := job.Data().FailReason; !strings.HasPrefix(r, "timed out") {
		t.Fatalf("reason = %q", r)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	t.Run("queued", func(t *testing.T) {
		t.Parallel()
		ch := New(Config{ID: "c1", Enabled: true}, Options{})
		a, b := newJob("a"), newJob("b")
		_, _ = ch.Enqueue(a, noop)
		_, _ = ch.Enqueue(b, noop)
		if !ch.Remove("a", "cancelled") {
			t.Fatalf("queued job not removed")
		}
		if a.Status() != domain.StatusFailure || a.Data().FailReason != "cancelled" {
			t.Fatalf("removed job = %+v", a.Data())
		}
		if q := ch.Queued(); len(q) != 1 || q[0] != b {
			t.Fatalf("queue = %v", q)
		}
		if ch.Remove("missing", "x") {
			t.Fatalf("unknown job reported removed")
		}
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		ch := New(Config{ID: "c1", Enabled: true}, Options{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go ch.Run(ctx)

		job := newJob("r")
		_, _ = ch.Enqueue(job, func(context.Context) error {
			job.Transition(domain.StatusSubmitted, time.Now())
			return nil
		})
		waitFor(t, "job to run", func() bool { return job.Status() == domain.StatusSubmitted })
		waitFor(t, "running index", func() bool { return len(ch.Running()) == 1 })
		if !ch.Remove("r", "cancelled") {
			t.Fatalf("running job not removed")
		}
		waitFor(t, "slot release", func() bool { return ch.Snapshot().Running == 0 })
		if job.Data().FailReason != "cancelled" {
			t.Fatalf("reason = %q", job.Data().FailReason)
		}
	})
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	t.Parallel()

	ch := New(Config{ID: "c1", Enabled: true}, Options{})
	job := newJob("j1")
	_, _ = ch.Enqueue(job, noop)
	ch.Close("instance disposed")
	ch.Close("again")
	if d := job.Data(); d.Status != domain.StatusFailure || d.FailReason != "instance disposed" {
		t.Fatalf("job = %+v", d)
	}
	if _, err := ch.Enqueue(newJob("j2"), noop); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ch.Run(context.Background()); err != nil {
		t.Fatalf("Run on closed channel: %v", err)
	}
}

type recordingSpawner struct {
	mu    sync.Mutex
	names []string
}

func (s *recordingSpawner) Go(name string, _ func(ctx context.Context) error) {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
}

func TestPoolPick(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, Options{})
	p.Rebuild([]Config{
		{ID: "busy", Enabled: true, QueueSize: 10},
		{ID: "quiet", Enabled: true, QueueSize: 10},
		{ID: "off", Enabled: false, QueueSize: 10},
	})
	busy, _ := p.Get("busy")
	quiet, _ := p.Get("quiet")
	for i := range 5 {
		_, _ = busy.Enqueue(newJob(fmt.Sprint("b", i)), noop)
	}
	_, _ = quiet.Enqueue(newJob("q0"), noop)

	if got := p.Pick(""); got != quiet {
		t.Fatalf("Pick() = %v, want quiet", got.ID())
	}
	if got := p.Pick("busy"); got != busy {
		t.Fatalf("Pick(busy) = %v", got.ID())
	}
	if got := p.Pick("unknown"); got != nil {
		t.Fatalf("Pick(unknown) = %v", got.ID())
	}
	if n := len(p.Jobs()); n != 6 {
		t.Fatalf("pool jobs = %d", n)
	}
	if !p.Remove("b3", "cancelled") || len(busy.Queued()) != 4 {
		t.Fatalf("pool remove failed")
	}
}

func TestPoolCandidatesAreRunningJobs(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, Options{})
	p.Rebuild([]Config{{ID: "c1", Enabled: true, Concurrency: 1}})
	ch, _ := p.Get("c1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	release := make(chan struct{})
	defer close(release)
	running, queued := newJob("running"), newJob("queued")
	block := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	for _, j := range []*domain.Job{running, queued} {
		if _, err := ch.Enqueue(j, block); err != nil {
			t.Fatalf("enqueue %s: %v", j.ID(), err)
		}
	}
	waitFor(t, "first job to run", func() bool { return ch.Snapshot().Running == 1 })

	if got := p.Candidates(); len(got) != 1 || got[0] != running {
		t.Fatalf("candidates = %v", got)
	}
	if n := len(p.Jobs()); n != 2 {
		t.Fatalf("pool jobs = %d", n)
	}
}

func TestPoolRebuild(t *testing.T) {
	t.Parallel()

	sp := &recordingSpawner{}
	p := NewPool(sp, Options{})
	added, removed := p.Rebuild([]Config{{ID: "a", Enabled: true}, {ID: "b", Enabled: true}})
	if !slices.Equal(added, []string{"a", "b"}) || len(removed) != 0 {
		t.Fatalf("first rebuild = %v %v", added, removed)
	}
	b, _ := p.Get("b")
	job := newJob("j1")
	_, _ = b.Enqueue(job, noop)

	added, removed = p.Rebuild([]Config{{ID: "a", Enabled: false, QueueSize: 3}, {ID: "c", Enabled: true}})
	if !slices.Equal(added, []string{"c"}) || !slices.Equal(removed, []string{"b"}) {
		t.Fatalf("second rebuild = %v %v", added, removed)
	}
	if d := job.Data(); d.Status != domain.StatusFailure || d.FailReason != RemovedReason {
		t.Fatalf("job on removed channel = %+v", d)
	}
	a, _ := p.Get("a")
	if s := a.Snapshot(); s.Enabled || s.QueueSize != 3 {
		t.Fatalf("existing channel not updated: %+v", s)
	}
	if !slices.Equal(sp.names, []string{"channel:a", "channel:b", "channel:c"}) {
		t.Fatalf("spawned = %v", sp.names)
	}
	c, _ := p.Get("c")
	if p.Pick("") != c {
		t.Fatalf("only enabled channel should be picked")
	}
}
