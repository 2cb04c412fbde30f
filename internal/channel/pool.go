package channel

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

// Spawner starts a named long-running goroutine; *supervisor.Supervisor
// satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// RemovedReason fails jobs still queued on a channel dropped by Rebuild.
const RemovedReason = "channel removed"

// Pool holds an account's channels.
type Pool struct {
	opts  Options
	spawn Spawner
	log   logx.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	order    []string
}

func NewPool(spawn Spawner, opts Options) *Pool {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Pool{
		opts:     opts,
		spawn:    spawn,
		log:      opts.Log.With(logx.String("comp", "channel-pool")),
		channels: make(map[string]*Channel),
	}
}

// Rebuild makes the pool match cfgs. New channels start consuming, missing
// ones are closed with RemovedReason and existing ones get the new queue size
// and enablement.
func (p *Pool) Rebuild(cfgs []Config) (added, removed []string) {
	want := make(map[string]Config, len(cfgs))
	order := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		if c.ID == "" {
			continue
		}
		if _, dup := want[c.ID]; !dup {
			order = append(order, c.ID)
		}
		want[c.ID] = c
	}

	var (
		started []*Channel
		stopped []*Channel
	)
	p.mu.Lock()
	for id, ch := range p.channels {
		if _, keep := want[id]; !keep {
			stopped = append(stopped, ch)
			delete(p.channels, id)
			removed = append(removed, id)
		}
	}
	for _, id := range order {
		cfg := want[id]
		if ch, ok := p.channels[id]; ok {
			ch.SetEnabled(cfg.Enabled)
			ch.SetQueueSize(cfg.QueueSize)
			continue
		}
		ch := New(cfg, p.opts)
		p.channels[id] = ch
		started = append(started, ch)
		added = append(added, id)
	}
	p.order = order
	p.mu.Unlock()

	for _, ch := range stopped {
		ch.Close(RemovedReason)
	}
	for _, ch := range started {
		if p.spawn != nil {
			p.spawn.Go("channel:"+ch.ID(), ch.Run)
		}
	}
	if len(added)+len(removed) > 0 {
		p.log.Info("channels rebuilt", logx.Strs("added", added), logx.Strs("removed", removed))
	}
	slices.Sort(removed)
	return added, removed
}

func (p *Pool) Get(id string) (*Channel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.channels[id]
	return ch, ok
}

// Channels returns the channels in configuration order.
func (p *Pool) Channels() []*Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Channel, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.channels[id])
	}
	return out
}

// Pick returns the channel owning channelID when given, else the enabled
// channel with the lowest queued/queue-size ratio. Ties break at random.
func (p *Pool) Pick(channelID string) *Channel {
	if channelID != "" {
		if ch, ok := p.Get(channelID); ok {
			return ch
		}
		return nil
	}
	var (
		best []*Channel
		low  float64
	)
	for _, ch := range p.Channels() {
		s := ch.Snapshot()
		if !s.Enabled {
			continue
		}
		l := s.load()
		switch {
		case len(best) == 0 || l < low:
			best, low = []*Channel{ch}, l
		case l == low:
			best = append(best, ch)
		}
	}
	if len(best) == 0 {
		return nil
	}
	return best[rand.IntN(len(best))]
}

// Jobs returns every running and queued job across channels.
func (p *Pool) Jobs() []*domain.Job {
	var out []*domain.Job
	for _, ch := range p.Channels() {
		out = append(out, ch.Jobs()...)
	}
	return out
}

// Candidates lets the pool serve as a correlation source. Queued jobs have
// not reached the vendor yet, so only running jobs are offered.
func (p *Pool) Candidates() []*domain.Job {
	var out []*domain.Job
	for _, ch := range p.Channels() {
		out = append(out, ch.Running()...)
	}
	return out
}

// Remove fails jobID on whichever channel holds it.
func (p *Pool) Remove(jobID, reason string) bool {
	for _, ch := range p.Channels() {
		if ch.Remove(jobID, reason) {
			return true
		}
	}
	return false
}

func (p *Pool) Snapshot() []Snapshot {
	chs := p.Channels()
	out := make([]Snapshot, len(chs))
	for i, ch := range chs {
		out[i] = ch.Snapshot()
	}
	return out
}

// Close closes every channel with reason.
func (p *Pool) Close(reason string) {
	p.mu.Lock()
	chs := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		chs = append(chs, ch)
	}
	p.channels = make(map[string]*Channel)
	p.order = nil
	p.mu.Unlock()
	for _, ch := range chs {
		ch.Close(reason)
	}
}
