// Package channel runs jobs for one vendor channel: a bounded FIFO in front of
// a concurrency gate, with every admitted job tracked until it reaches a
// terminal state or times out.
package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mjrelay/internal/domain"
	"mjrelay/internal/signal"
	"mjrelay/pkg/logx"
)

var (
	ErrQueueFull = errors.New("queue full")
	ErrClosed    = errors.New("channel closed")
	ErrDisabled  = errors.New("channel disabled")
)

const (
	MinConcurrency = 1
	MaxConcurrency = 12

	DefaultTimeout = 5 * time.Minute
)

// SendFunc performs the outbound vendor call that starts a job.
type SendFunc func(ctx context.Context) error

type Config struct {
	ID      string
	Enabled bool
	// QueueSize bounds waiting jobs; 0 means unbounded.
	QueueSize   int
	Concurrency int
	// Timeout bounds how long an admitted job may stay pending.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Concurrency = min(max(c.Concurrency, MinConcurrency), MaxConcurrency)
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

type Options struct {
	Hub *signal.Hub
	// OnChange runs after the channel fails a job (send error, timeout,
	// removal, shutdown).
	OnChange func(job *domain.Job)
	Log      logx.Logger
	Now      func() time.Time
}

type entry struct {
	job      *domain.Job
	send     SendFunc
	enqueued time.Time
}

// Snapshot is a point-in-time view for diagnostics and balancing.
type Snapshot struct {
	ID          string `json:"id"`
	Enabled     bool   `json:"enabled"`
	Queued      int    `json:"queued"`
	Running     int    `json:"running"`
	QueueSize   int    `json:"queue_size"`
	Concurrency int    `json:"concurrency"`
}

type Channel struct {
	cfg  Config
	opts Options
	log  logx.Logger
	gate *semaphore.Weighted

	mu      sync.Mutex
	queue   []*entry
	running map[string]*entry
	closed  bool
	reason  string

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, opts Options) *Channel {
	cfg = cfg.withDefaults()
	if opts.Hub == nil {
		opts.Hub = signal.NewHub()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Channel{
		cfg:     cfg,
		opts:    opts,
		log:     opts.Log.With(logx.String("comp", "channel"), logx.String("channel", cfg.ID)),
		gate:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		running: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *Channel) ID() string { return c.cfg.ID }

func (c *Channel) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetEnabled toggles admission of new jobs. Queued jobs are unaffected.
func (c *Channel) SetEnabled(on bool) {
	c.mu.Lock()
	c.cfg.Enabled = on
	c.mu.Unlock()
}

// SetQueueSize changes the queue bound; jobs already queued stay queued.
func (c *Channel) SetQueueSize(n int) {
	c.mu.Lock()
	c.cfg.QueueSize = max(n, 0)
	c.mu.Unlock()
}

// Enqueue appends job and returns how many jobs wait ahead of it.
func (c *Channel) Enqueue(job *domain.Job, send SendFunc) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return 0, ErrClosed
	case !c.cfg.Enabled:
		return 0, ErrDisabled
	case c.cfg.QueueSize > 0 && len(c.queue) >= c.cfg.QueueSize:
		return 0, ErrQueueFull
	}
	pos := len(c.queue)
	job.Update(func(d *domain.JobData) { d.ChannelID = c.cfg.ID })
	c.queue = append(c.queue, &entry{job: job, send: send, enqueued: c.opts.Now()})
	c.signal()
	return pos, nil
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run consumes the queue until ctx ends or the channel is closed. Each
// admitted job runs on its own goroutine bounded by the gate.
func (c *Channel) Run(ctx context.Context) error {
	defer c.wg.Wait()
	for {
		if !c.waitQueued(ctx) {
			return nil
		}
		if err := c.gate.Acquire(ctx, 1); err != nil {
			return nil
		}
		e := c.pop()
		if e == nil {
			c.gate.Release(1)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.gate.Release(1)
			c.execute(ctx, e)
		}()
	}
}

// waitQueued blocks until the queue is non-empty. It reports false on shutdown.
func (c *Channel) waitQueued(ctx context.Context) bool {
	for {
		c.mu.Lock()
		n, closed := len(c.queue), c.closed
		c.mu.Unlock()
		if closed {
			return false
		}
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		case <-c.wake:
		}
	}
}

// pop moves the queue head into the running index.
func (c *Channel) pop() *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return nil
	}
	e := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.running[e.job.ID()] = e
	return e
}

func (c *Channel) execute(ctx context.Context, e *entry) {
	id := e.job.ID()
	defer func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
		c.opts.Hub.Forget(id)
	}()

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := e.send(jobCtx); err != nil {
		if !e.job.Status().Terminal() {
			c.fail(e.job, fmt.Sprintf("submit failed: %v", err))
		}
		return
	}
	for {
		woken := c.opts.Hub.Watch(id)
		if e.job.Status().Terminal() {
			return
		}
		select {
		case <-woken:
		case <-c.done:
			c.fail(e.job, c.closeReason())
			return
		case <-jobCtx.Done():
			if ctx.Err() != nil {
				c.fail(e.job, c.closeReason())
			} else {
				c.fail(e.job, fmt.Sprintf("timed out after %s", c.cfg.Timeout))
			}
			return
		}
	}
}

func (c *Channel) fail(job *domain.Job, reason string) {
	if !job.Fail(reason, c.opts.Now()) {
		return
	}
	c.log.Debug("job failed", logx.String("job", job.ID()), logx.String("reason", reason))
	if c.opts.OnChange != nil {
		c.opts.OnChange(job)
	}
	c.opts.Hub.Wake(job.ID())
}

func (c *Channel) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != "" {
		return c.reason
	}
	return "channel stopped"
}

// Remove drops jobID from the queue or running index and fails it with
// reason. A running job's in-flight vendor call is left alone.
func (c *Channel) Remove(jobID, reason string) bool {
	c.mu.Lock()
	var job *domain.Job
	if i := slices.IndexFunc(c.queue, func(e *entry) bool { return e.job.ID() == jobID }); i >= 0 {
		job = c.queue[i].job
		c.queue = slices.Delete(c.queue, i, i+1)
	} else if e, ok := c.running[jobID]; ok {
		job = e.job
	}
	c.mu.Unlock()
	if job == nil {
		return false
	}
	c.fail(job, reason)
	return true
}

func (c *Channel) Running() []*domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Job, 0, len(c.running))
	for _, e := range c.running {
		out = append(out, e.job)
	}
	return out
}

// Queued returns waiting jobs in FIFO order.
func (c *Channel) Queued() []*domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Job, len(c.queue))
	for i, e := range c.queue {
		out[i] = e.job
	}
	return out
}

// Jobs returns running then queued jobs.
func (c *Channel) Jobs() []*domain.Job {
	return append(c.Running(), c.Queued()...)
}

func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:          c.cfg.ID,
		Enabled:     c.cfg.Enabled && !c.closed,
		Queued:      len(c.queue),
		Running:     len(c.running),
		QueueSize:   c.cfg.QueueSize,
		Concurrency: c.cfg.Concurrency,
	}
}

// load is the balancing ratio of queued jobs to queue size.
func (s Snapshot) load() float64 {
	if s.QueueSize <= 0 {
		return float64(s.Queued)
	}
	return float64(s.Queued) / float64(s.QueueSize)
}

// Close stops admission, fails every queued job with reason and releases
// waiters of running jobs, which are failed with the same reason.
func (c *Channel) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	queued := c.queue
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	for _, e := range queued {
		c.fail(e.job, reason)
	}
}
