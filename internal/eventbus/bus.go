package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the relay.
const (
	JobChanged      = "job.changed"
	AccountChanged  = "account.changed"
	AccountDisabled = "account.disabled"
	ChallengeRaised = "account.challenge"
)

// Event is an in-memory notification.
//
// Publish never blocks: each subscriber owns a buffered channel and a slow
// subscriber loses events once its buffer is full.
type Event struct {
	Type      string
	Time      time.Time
	AccountID string
	JobID     string
	Data      any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type is in types, or every event when
	// types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(t string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.ch, e)
	}
}

func (b *memBus) deliver(ch chan Event, e Event) {
	// The channel may be closed by a concurrent unsubscribe.
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
