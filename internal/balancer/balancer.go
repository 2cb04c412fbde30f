// Package balancer selects which account instance takes a new job.
package balancer

import (
	"slices"
	"sync"

	"mjrelay/internal/channel"
	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

// Target is a balancing candidate. *instance.Instance implements it.
type Target interface {
	ID() string
	IsAlive() bool
	Account() *domain.Account
	Pool() *channel.Pool
}

// Filter narrows the live targets a job may go to. Zero fields impose no
// constraint.
type Filter struct {
	// ChannelID prefers the live target owning this channel.
	ChannelID string
	// InstanceID pins the job to one target.
	InstanceID string
	// AllowIDs restricts selection to these targets.
	AllowIDs []string
	// IdleQueue requires a channel with nothing queued and a free slot.
	IdleQueue bool
	// Continue requires accounts that accept continuation jobs.
	Continue bool
	// Modes are the speed modes the job can run in.
	Modes []domain.SpeedMode
	// Remix, when set, requires the account's remix setting to match unless
	// the account auto-submits remix modals.
	Remix    *bool
	Action   domain.Action
	Bot      domain.BotKind
	DomainID string
}

type Balancer[T Target] struct {
	log logx.Logger

	mu      sync.RWMutex
	targets []T
	rule    Rule
}

// New returns a balancer using rule, or least-loaded when rule is nil.
func New[T Target](rule Rule, log logx.Logger) *Balancer[T] {
	if rule == nil {
		rule = LeastLoaded{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Balancer[T]{rule: rule, log: log.With(logx.String("comp", "balancer"))}
}

// Add registers t, replacing any target with the same id.
func (b *Balancer[T]) Add(t T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.targets {
		if cur.ID() == t.ID() {
			b.targets[i] = t
			return
		}
	}
	b.targets = append(b.targets, t)
}

func (b *Balancer[T]) Remove(id string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.targets {
		if cur.ID() == id {
			b.targets = slices.Delete(b.targets, i, i+1)
			return cur, true
		}
	}
	var zero T
	return zero, false
}

func (b *Balancer[T]) Get(id string) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, cur := range b.targets {
		if cur.ID() == id {
			return cur, true
		}
	}
	var zero T
	return zero, false
}

// All returns every registered target in registration order.
func (b *Balancer[T]) All() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.targets)
}

// Alive returns the registered targets that are currently live.
func (b *Balancer[T]) Alive() []T {
	var out []T
	for _, t := range b.All() {
		if t.IsAlive() {
			out = append(out, t)
		}
	}
	return out
}

func (b *Balancer[T]) SetRule(r Rule) {
	if r == nil {
		return
	}
	b.mu.Lock()
	b.rule = r
	b.mu.Unlock()
	b.log.Info("rule changed", logx.String("rule", r.Name()))
}

func (b *Balancer[T]) Rule() Rule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rule
}

// Choose returns a live target satisfying f. A live owner of f.ChannelID wins
// outright; otherwise the rule picks among the targets passing f.
func (b *Balancer[T]) Choose(f Filter) (T, bool) {
	alive := b.Alive()
	if f.ChannelID != "" {
		for _, t := range alive {
			if t.Account().Data().OwnsChannel(f.ChannelID) {
				return t, true
			}
		}
	}

	var (
		picked []T
		cands  []Candidate
	)
	for _, t := range alive {
		d := t.Account().Data()
		if !f.accepts(t.ID(), d) {
			continue
		}
		snaps := t.Pool().Snapshot()
		if f.IdleQueue && !hasIdleChannel(snaps) {
			continue
		}
		picked = append(picked, t)
		cands = append(cands, Candidate{ID: t.ID(), Load: load(snaps), Weight: d.Weight})
	}
	if len(picked) == 0 {
		var zero T
		return zero, false
	}
	return picked[b.Rule().Pick(cands)], true
}

func (f Filter) accepts(id string, d domain.AccountData) bool {
	switch {
	case f.InstanceID != "" && id != f.InstanceID:
		return false
	case len(f.AllowIDs) > 0 && !slices.Contains(f.AllowIDs, id):
		return false
	case f.Continue && !d.AllowContinue:
		return false
	case !f.modesOK(d):
		return false
	case f.Remix != nil && *f.Remix != d.RemixOn && !d.RemixAutoSubmit:
		return false
	case !capable(f.Action, f.Bot, d):
		return false
	case f.DomainID != "" && !(d.VerticalDomain && slices.Contains(d.DomainIDs, f.DomainID)):
		return false
	case f.Action.CountsTowardDailyLimit() && !d.UnderDailyLimit():
		return false
	}
	return true
}

// modesOK requires one requested mode the account allows, and a forced
// account mode among the requested ones.
func (f Filter) modesOK(d domain.AccountData) bool {
	if len(f.Modes) == 0 {
		return true
	}
	if d.Mode != domain.ModeNone && !slices.Contains(f.Modes, d.Mode) {
		return false
	}
	return slices.ContainsFunc(f.Modes, d.AllowsMode)
}

func capable(a domain.Action, bot domain.BotKind, d domain.AccountData) bool {
	switch bot {
	case domain.BotNiji:
		if !d.EnableNiji {
			return false
		}
	case domain.BotMJ:
		if !d.EnableMJ {
			return false
		}
	}
	switch a {
	case domain.ActionBlend:
		return d.AllowBlend
	case domain.ActionDescribe:
		return d.AllowDescribe
	case domain.ActionShorten:
		return d.AllowShorten
	}
	return true
}

func hasIdleChannel(snaps []channel.Snapshot) bool {
	for _, s := range snaps {
		if s.Enabled && s.Queued == 0 && s.Running < s.Concurrency {
			return true
		}
	}
	return false
}

// load is queued jobs over total queue capacity of the enabled channels.
// With no bounded channel it is the raw queued count.
func load(snaps []channel.Snapshot) float64 {
	var queued, size int
	for _, s := range snaps {
		if !s.Enabled {
			continue
		}
		queued += s.Queued
		size += max(s.QueueSize, 0)
	}
	if size == 0 {
		return float64(queued)
	}
	return float64(queued) / float64(size)
}
