// Package pipeline turns an account's gateway dispatches into job and account
// state changes.
//
// Each dispatch runs through ordered pre-processors (channel filter,
// interaction binding, account control, channel-set changes) and then through
// ordered handlers. The first handler that returns Stop ends processing.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"mjrelay/internal/cache"
	"mjrelay/internal/correlate"
	"mjrelay/internal/domain"
	"mjrelay/internal/eventbus"
	"mjrelay/internal/gateway"
	"mjrelay/internal/signal"
	"mjrelay/internal/storage"
	"mjrelay/pkg/logx"
)

// Result tells the pipeline whether to keep offering an event.
type Result int

const (
	Continue Result = iota
	Stop
)

// Handler is one stage-B classifier.
type Handler struct {
	Name      string
	CanHandle func(ev *Event) bool
	Handle    func(ctx context.Context, ev *Event) Result
}

type stage struct {
	name string
	run  func(ctx context.Context, ev *Event) Result
}

// ObjectStore persists intermediate progress images and returns the URL to
// expose instead of the vendor's.
type ObjectStore interface {
	PutIntermediate(ctx context.Context, job domain.JobData, img domain.Image) (string, error)
}

// ChallengeDispatcher hands a verification challenge to whoever solves it.
type ChallengeDispatcher interface {
	Dispatch(ctx context.Context, hashURL, channelID string) error
}

// Actions are the calls the pipeline makes back into the owning instance.
type Actions interface {
	// Acknowledge presses the acknowledgement button of a moderation or
	// terms message on behalf of job.
	Acknowledge(ctx context.Context, job *domain.Job, messageID, customID string, flags int) error
	// RebuildChannels re-reads the account's channel set into the pool.
	RebuildChannels(ctx context.Context) error
	DisableAccount(ctx context.Context, reason string)
}

// Deps wires a Pipeline. Account, Jobs and Actions are required.
type Deps struct {
	Account *domain.Account
	Jobs    correlate.Source
	Actions Actions

	Index      *correlate.Index
	Store      storage.JobStore
	Accounts   storage.AccountStore
	Cache      cache.Cache
	Bus        eventbus.Bus
	Hub        *signal.Hub
	Objects    ObjectStore
	Challenges ChallengeDispatcher

	// BanTTL bounds the banned-prompt counters.
	BanTTL      time.Duration
	HandledTTL  time.Duration
	HandledSize uint64

	Log logx.Logger
	Now func() time.Time
}

type Pipeline struct {
	deps     Deps
	log      logx.Logger
	index    *correlate.Index
	handled  *handledSet
	pre      []stage
	handlers []Handler
}

func New(d Deps) (*Pipeline, error) {
	if d.Account == nil || d.Jobs == nil || d.Actions == nil {
		return nil, errors.New("pipeline: account, job source and actions are required")
	}
	if d.Index == nil {
		d.Index = correlate.New()
	}
	if d.BanTTL <= 0 {
		d.BanTTL = 24 * time.Hour
	}
	if d.HandledTTL <= 0 {
		d.HandledTTL = time.Hour
	}
	if d.HandledSize == 0 {
		d.HandledSize = 4096
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}

	p := &Pipeline{
		deps:    d,
		log:     d.Log.With(logx.String("comp", "pipeline"), logx.String("account", d.Account.ID())),
		index:   d.Index,
		handled: newHandledSet(d.HandledTTL, d.HandledSize),
	}
	p.pre = []stage{
		{"channel-filter", p.filterChannel},
		{"interaction", p.bindInteraction},
		{"account-control", p.interceptAccountControl},
		{"channel-set", p.channelSetChanged},
	}
	p.handlers = p.defaultHandlers()
	return p, nil
}

// Handlers returns the stage-B handler names in order.
func (p *Pipeline) Handlers() []string {
	out := make([]string, len(p.handlers))
	for i, h := range p.handlers {
		out[i] = h.Name
	}
	return out
}

// Run drains q until it is closed or ctx ends.
func (p *Pipeline) Run(ctx context.Context, q *gateway.Queue) error {
	for {
		d, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, gateway.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		p.Process(ctx, d)
	}
}

// Process classifies one dispatch. A panicking handler is logged and the
// event dropped.
func (p *Pipeline) Process(ctx context.Context, d gateway.Dispatch) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", logx.String("type", d.Type), logx.Int64("seq", d.Seq), logx.Any("panic", r))
		}
	}()

	ev, err := Decode(d)
	if err != nil {
		p.log.Warn("decode dispatch failed", logx.String("type", d.Type), logx.Err(err))
		return
	}
	if ev == nil {
		return
	}
	for _, s := range p.pre {
		if s.run(ctx, ev) == Stop {
			if p.log.Enabled(logx.LevelTrace) {
				p.log.Trace("event stopped", logx.String("stage", s.name), logx.String("type", ev.Type))
			}
			return
		}
	}
	if !ev.IsMessage() {
		return
	}
	for _, h := range p.handlers {
		if !h.CanHandle(ev) {
			continue
		}
		if h.Handle(ctx, ev) == Stop {
			return
		}
	}
	if correlate.ExtractPrompt(ev.Content()) != "" || ev.Embed() != nil {
		p.log.Debug("unattributed event",
			logx.String("type", ev.Type),
			logx.String("message", ev.MessageID()),
			logx.String("channel", ev.ChannelID()),
		)
	}
}

func (p *Pipeline) now() time.Time { return p.deps.Now() }

func (p *Pipeline) filterChannel(_ context.Context, ev *Event) Result {
	acct := p.deps.Account.Data()
	switch {
	case ev.Channel != nil:
		if ev.Channel.GuildID != acct.GuildID {
			return Stop
		}
	case ev.Message != nil:
		if !acct.OwnsChannel(ev.ChannelID()) {
			return Stop
		}
	}
	return Continue
}

func (p *Pipeline) bindInteraction(ctx context.Context, ev *Event) Result {
	switch ev.Type {
	case InteractionCreate, InteractionSuccess:
		if ev.Nonce == "" {
			return Stop
		}
		job, ok := p.find(correlate.Query{Nonce: ev.Nonce})
		if !ok {
			return Stop
		}
		job.Update(func(d *domain.JobData) { d.InteractionID = ev.InteractionID })
		p.save(ctx, job)
		return Stop
	case InteractionModal:
		job, ok := p.find(correlate.Query{Nonce: ev.Nonce})
		if !ok {
			return Stop
		}
		job.Update(func(d *domain.JobData) {
			d.Props.ModalID = ev.InteractionID
			d.Props.ModalCustomID = ev.CustomID
		})
		p.save(ctx, job)
		if p.deps.Hub != nil {
			p.deps.Hub.Wake(job.ID())
		}
		return Stop
	case InteractionFailure:
		if job, ok := p.find(correlate.Query{Nonce: ev.Nonce, InteractionID: ev.InteractionID}); ok {
			p.fail(ctx, job, "interaction failed")
		}
		return Stop
	case MessageCreate:
		if ev.Nonce == "" || ev.Message == nil {
			return Continue
		}
		if job, ok := p.find(correlate.Query{Nonce: ev.Nonce}); ok {
			job.Update(func(d *domain.JobData) {
				if d.Props.ProgressMessageID == "" {
					d.Props.ProgressMessageID = ev.Message.ID
				}
				if d.InteractionID == "" {
					d.InteractionID = ev.InteractionID
				}
			})
			job.AddMessageID(ev.Message.ID)
		}
	}
	return Continue
}

func (p *Pipeline) channelSetChanged(ctx context.Context, ev *Event) Result {
	if ev.Channel == nil {
		return Continue
	}
	if err := p.deps.Actions.RebuildChannels(ctx); err != nil {
		p.log.Warn("channel rebuild failed", logx.String("channel", ev.Channel.ID), logx.Err(err))
	}
	return Stop
}

func (p *Pipeline) find(q correlate.Query) (*domain.Job, bool) {
	job, tag, ok := p.index.Find(p.deps.Jobs, q)
	if ok && p.log.Enabled(logx.LevelTrace) {
		p.log.Trace("correlated", logx.String("job", job.ID()), logx.String("rule", tag))
	}
	return job, ok
}

// findMessage looks the job up by the event itself, then by the message it
// replies to.
func (p *Pipeline) findMessage(ev *Event, q correlate.Query) (*domain.Job, bool) {
	q.MessageID = ev.MessageID()
	q.Nonce = firstNonEmpty(q.Nonce, ev.Nonce)
	q.InteractionID = firstNonEmpty(q.InteractionID, ev.InteractionID)
	if job, ok := p.find(q); ok {
		return job, true
	}
	if ref := ev.ReferencedMessageID(); ref != "" {
		return p.find(correlate.Query{MessageID: ref, Action: q.Action})
	}
	return nil, false
}

func (p *Pipeline) saveAccount(ctx context.Context) {
	d := p.deps.Account.Data()
	if p.deps.Accounts != nil {
		if err := p.deps.Accounts.SaveAccount(ctx, d); err != nil {
			p.log.Warn("save account failed", logx.Err(err))
		}
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(eventbus.Event{Type: eventbus.AccountChanged, AccountID: d.ID, Data: d})
	}
}

func handledKey(parts ...string) string {
	return strings.Join(parts, "|")
}
