// Package instance runs one vendor account: its gateway connection, event
// pipeline and channel pool, plus the outbound calls that start jobs.
package instance

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mjrelay/internal/cache"
	"mjrelay/internal/channel"
	"mjrelay/internal/domain"
	"mjrelay/internal/eventbus"
	"mjrelay/internal/gateway"
	"mjrelay/internal/lock"
	"mjrelay/internal/pipeline"
	"mjrelay/internal/runtime/supervisor"
	"mjrelay/internal/signal"
	"mjrelay/internal/storage"
	"mjrelay/pkg/logx"
)

// Connection is the gateway surface an instance drives. *gateway.Conn
// implements it.
type Connection interface {
	Start(ctx context.Context, resume bool) error
	WaitLive(ctx context.Context) error
	IsLive() bool
	State() gateway.State
	Session() gateway.Session
	Dispatches() *gateway.Queue
	Close() error
}

// Code is the outcome of Submit.
type Code int

const (
	Accepted Code = iota
	Queued
	Rejected
)

func (c Code) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

type SubmitResult struct {
	Code Code `json:"code"`
	// Position counts the jobs waiting ahead in the channel queue.
	Position int    `json:"position"`
	Reason   string `json:"reason,omitempty"`
}

const DisposedReason = "instance disposed"

type Deps struct {
	Account *domain.Account

	// Client and Conn are built from Vendor and Gateway when nil.
	Client  *Client
	Vendor  ClientConfig
	Conn    Connection
	Gateway gateway.Config
	Locks   *lock.MutexMap

	Jobs       storage.JobStore
	Accounts   storage.AccountStore
	Cache      cache.Cache
	Bus        eventbus.Bus
	Hub        *signal.Hub
	Objects    pipeline.ObjectStore
	Challenges pipeline.ChallengeDispatcher

	// Rehost rewrites prompt links. When nil and RehostLinks is set, links
	// are re-uploaded through the account's first channel.
	Rehost      Rehoster
	RehostLinks bool

	RehostTTL time.Duration
	// BanTTL, HandledTTL and HandledSize are passed to the pipeline.
	BanTTL      time.Duration
	HandledTTL  time.Duration
	HandledSize uint64
	// ModalWait bounds how long a remix or custom zoom press waits for the
	// vendor to open its modal.
	ModalWait   time.Duration
	MaxAttempts int
	// RetryDelay returns the pause after a rate-limited call. The default
	// picks 3 to 6 seconds at random.
	RetryDelay func() time.Duration

	Log logx.Logger
	Now func() time.Time
}

type Instance struct {
	deps   Deps
	acct   *domain.Account
	client *Client
	conn   Connection
	pool   *channel.Pool
	pipe   *pipeline.Pipeline
	memo   *rehostMemo
	log    logx.Logger

	fallbackSession string

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	disposed bool
}

func New(d Deps) (*Instance, error) {
	if d.Account == nil {
		return nil, errors.New("instance: account is required")
	}
	if d.Hub == nil {
		d.Hub = signal.NewHub()
	}
	if d.Locks == nil {
		d.Locks = lock.NewMutexMap()
	}
	if d.ModalWait <= 0 {
		d.ModalWait = 15 * time.Second
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
	if d.RetryDelay == nil {
		d.RetryDelay = func() time.Duration {
			return 3*time.Second + rand.N(3*time.Second)
		}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}

	acct := d.Account.Data()
	i := &Instance{
		deps:            d,
		acct:            d.Account,
		client:          d.Client,
		conn:            d.Conn,
		log:             d.Log.With(logx.String("comp", "instance"), logx.String("account", acct.ID)),
		fallbackSession: strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	if i.client == nil {
		vendor := d.Vendor
		if acct.UserAgent != "" {
			vendor.UserAgent = acct.UserAgent
		}
		i.client = NewClient(vendor, acct.UserToken, d.Log)
	}
	if i.conn == nil {
		gcfg := d.Gateway
		gcfg.AccountID = acct.ID
		gcfg.Token = acct.UserToken
		if acct.UserAgent != "" {
			gcfg.UserAgent = acct.UserAgent
		}
		conn := gateway.New(gcfg, d.Locks, d.Log)
		conn.OnDisable = func(reason string) {
			go i.DisableAccount(context.Background(), reason)
		}
		i.conn = conn
	}
	i.pool = channel.NewPool(i, channel.Options{Hub: d.Hub, OnChange: i.commit, Log: d.Log, Now: d.Now})
	rehost := d.Rehost
	if rehost == nil && d.RehostLinks {
		rehost = channelRehoster{i}
	}
	i.memo = newRehostMemo(rehost, d.Cache, d.RehostTTL, i.log)

	pipe, err := pipeline.New(pipeline.Deps{
		Account:     d.Account,
		Jobs:        i.pool,
		Actions:     i,
		Store:       d.Jobs,
		Accounts:    d.Accounts,
		Cache:       d.Cache,
		Bus:         d.Bus,
		Hub:         d.Hub,
		Objects:     d.Objects,
		Challenges:  d.Challenges,
		BanTTL:      d.BanTTL,
		HandledTTL:  d.HandledTTL,
		HandledSize: d.HandledSize,
		Log:         d.Log,
		Now:         d.Now,
	})
	if err != nil {
		return nil, err
	}
	i.pipe = pipe
	return i, nil
}

func (i *Instance) ID() string { return i.acct.ID() }
func (i *Instance) Account() *domain.Account { return i.acct }
func (i *Instance) Pool() *channel.Pool { return i.pool }
func (i *Instance) Client() *Client { return i.client }
func (i *Instance) Pipeline() *pipeline.Pipeline { return i.pipe }

// Go runs fn under the instance supervisor. It is a no-op before Start.
func (i *Instance) Go(name string, fn func(ctx context.Context) error) {
	i.mu.Lock()
	sup := i.sup
	i.mu.Unlock()
	if sup != nil {
		sup.Go(name, fn)
	}
}

// Start connects the gateway and starts the pipeline worker and channel
// consumers. ctx bounds the instance lifetime.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return ErrDisposed
	}
	if i.sup != nil {
		i.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(i.log))
	i.sup = sup
	i.mu.Unlock()

	i.pool.Rebuild(i.channelConfigs())
	sup.Go("pipeline:"+i.ID(), func(ctx context.Context) error {
		return i.pipe.Run(ctx, i.conn.Dispatches())
	})
	sup.Go("session:"+i.ID(), i.syncSession)
	if err := i.conn.Start(sup.Context(), false); err != nil {
		// A failed dial keeps retrying in the gateway; the session sync
		// picks up whenever it comes live.
		return fmt.Errorf("instance %s: connect: %w", i.ID(), err)
	}
	i.log.Info("instance started", logx.Int("channels", len(i.pool.Channels())))
	return nil
}

// syncSession copies what READY told us about the user into the account.
func (i *Instance) syncSession(ctx context.Context) error {
	if err := i.conn.WaitLive(ctx); err != nil {
		if errors.Is(err, gateway.ErrDisabled) {
			return nil
		}
		return err
	}
	s := i.conn.Session()
	i.acct.Update(func(d *domain.AccountData) {
		if s.UserID != "" {
			d.UserID = s.UserID
		}
		if id := s.PrivateChannels[i.client.cfg.MJApplicationID]; id != "" && d.PrivateChannelID == "" {
			d.PrivateChannelID = id
		}
		if id := s.PrivateChannels[i.client.cfg.NijiApplicationID]; id != "" && d.NijiPrivateChannelID == "" {
			d.NijiPrivateChannelID = id
		}
	})
	i.saveAccount(ctx)
	return nil
}

// Dispose stops the instance. Queued and running jobs fail with
// DisposedReason. It is safe to call more than once.
func (i *Instance) Dispose() {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.disposed = true
	sup := i.sup
	i.mu.Unlock()

	i.pool.Close(DisposedReason)
	if err := i.conn.Close(); err != nil {
		i.log.Warn("gateway close failed", logx.Err(err))
	}
	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			i.log.Debug("instance stopped with error", logx.Err(err))
		}
	}
	i.log.Info("instance disposed")
}

// IsAlive reports whether the instance may take new jobs.
func (i *Instance) IsAlive() bool {
	i.mu.Lock()
	disposed := i.disposed
	i.mu.Unlock()
	if disposed {
		return false
	}
	d := i.acct.Data()
	return d.Enabled && !d.Locked && i.conn.IsLive()
}

func (i *Instance) channelConfigs() []channel.Config {
	d := i.acct.Data()
	timeout := time.Duration(d.TimeoutMinutes) * time.Minute
	out := make([]channel.Config, 0, len(d.ChannelIDs))
	for _, id := range d.ChannelIDs {
		out = append(out, channel.Config{
			ID:          id,
			Enabled:     d.Enabled,
			QueueSize:   d.QueueSize,
			Concurrency: d.CoreSize,
			Timeout:     timeout,
		})
	}
	return out
}

// Submit places job on channelID, or on the least loaded channel when
// channelID is empty. send starts the job once a slot is free.
func (i *Instance) Submit(job *domain.Job, send channel.SendFunc, channelID string) SubmitResult {
	if !i.IsAlive() {
		return rejected(ErrNotAlive)
	}
	acct := i.acct.Data()
	counts := job.Data().Action.CountsTowardDailyLimit()
	if counts && !acct.UnderDailyLimit() {
		return rejected(ErrDailyLimit)
	}
	ch := i.pool.Pick(channelID)
	if ch == nil {
		return rejected(ErrNoChannel)
	}
	job.Update(func(d *domain.JobData) { d.AccountID = acct.ID })
	pos, err := ch.Enqueue(job, send)
	if err != nil {
		return rejected(err)
	}

	ctx := context.Background()
	if counts {
		i.acct.Update(func(d *domain.AccountData) { d.DayDrawCount++ })
		i.saveAccount(ctx)
	}
	i.save(ctx, job)
	i.log.Debug("job queued",
		logx.String("job", job.ID()),
		logx.String("channel", ch.ID()),
		logx.Int("position", pos),
	)
	if pos == 0 {
		return SubmitResult{Code: Accepted}
	}
	return SubmitResult{Code: Queued, Position: pos}
}

func rejected(err error) SubmitResult {
	return SubmitResult{Code: Rejected, Reason: err.Error()}
}

// Running returns the running jobs of channelID, or of every channel.
func (i *Instance) Running(channelID string) []*domain.Job {
	return i.collect(channelID, (*channel.Channel).Running)
}

// Queued returns the waiting jobs of channelID, or of every channel.
func (i *Instance) Queued(channelID string) []*domain.Job {
	return i.collect(channelID, (*channel.Channel).Queued)
}

func (i *Instance) collect(channelID string, fn func(*channel.Channel) []*domain.Job) []*domain.Job {
	if channelID != "" {
		ch, ok := i.pool.Get(channelID)
		if !ok {
			return nil
		}
		return fn(ch)
	}
	var out []*domain.Job
	for _, ch := range i.pool.Channels() {
		out = append(out, fn(ch)...)
	}
	return out
}

// Remove fails jobID with reason wherever it waits or runs. An in-flight
// vendor call is not interrupted; its result is discarded.
func (i *Instance) Remove(jobID, reason string) bool {
	return i.pool.Remove(jobID, reason)
}

// Reconfigure applies operator-owned account fields and resizes the pool.
func (i *Instance) Reconfigure(next domain.AccountData) {
	i.acct.Update(func(d *domain.AccountData) {
		d.Name = next.Name
		d.ChannelIDs = next.ChannelIDs
		d.SubChannelIDs = next.SubChannelIDs
		d.Enabled = next.Enabled
		if next.Enabled {
			d.DisabledReason = ""
		}
		d.Locked = next.Locked
		d.CoreSize = next.CoreSize
		d.QueueSize = next.QueueSize
		d.TimeoutMinutes = next.TimeoutMinutes
		d.Weight = next.Weight
		d.Sort = next.Sort
		d.AllowModes = next.AllowModes
		d.Mode = next.Mode
		d.EnableMJ, d.EnableNiji = next.EnableMJ, next.EnableNiji
		d.AllowBlend, d.AllowDescribe, d.AllowShorten = next.AllowBlend, next.AllowDescribe, next.AllowShorten
		d.RemixAutoSubmit = next.RemixAutoSubmit
		d.VerticalDomain, d.DomainIDs = next.VerticalDomain, next.DomainIDs
		d.DayDrawLimit = next.DayDrawLimit
		d.AllowContinue = next.AllowContinue
	})
	if i.started() {
		i.pool.Rebuild(i.channelConfigs())
	}
}

func (i *Instance) started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sup != nil && !i.disposed
}

// RebuildChannels re-reads the account's channel set and rebuilds the pool.
func (i *Instance) RebuildChannels(ctx context.Context) error {
	if !i.started() {
		return ErrNotStarted
	}
	if i.deps.Accounts != nil {
		fresh, err := i.deps.Accounts.GetAccount(ctx, i.ID())
		switch {
		case err == nil:
			i.acct.Update(func(d *domain.AccountData) {
				d.ChannelIDs = fresh.ChannelIDs
				d.SubChannelIDs = fresh.SubChannelIDs
			})
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("instance: reload account: %w", err)
		}
	}
	i.pool.Rebuild(i.channelConfigs())
	return nil
}

// DisableAccount turns the account off, fails its pending work and raises
// an operator alert.
func (i *Instance) DisableAccount(ctx context.Context, reason string) {
	if !i.acct.Disable(reason) {
		return
	}
	i.log.Error("account disabled", logx.String("reason", reason))
	i.saveAccount(ctx)
	i.pool.Close("account disabled: " + reason)
	if i.deps.Bus != nil {
		i.deps.Bus.Publish(eventbus.Event{
			Type:      eventbus.AccountDisabled,
			Time:      i.deps.Now(),
			AccountID: i.ID(),
			Data:      reason,
		})
	}
}

// ResetDailyCount zeroes the daily draw counter.
func (i *Instance) ResetDailyCount(ctx context.Context) {
	i.acct.Update(func(d *domain.AccountData) { d.DayDrawCount = 0 })
	i.saveAccount(ctx)
}

func (i *Instance) commit(job *domain.Job) {
	ctx := context.Background()
	i.save(ctx, job)
	if i.deps.Bus != nil {
		d := job.Data()
		i.deps.Bus.Publish(eventbus.Event{
			Type:      eventbus.JobChanged,
			Time:      i.deps.Now(),
			AccountID: d.AccountID,
			JobID:     d.ID,
			Data:      d,
		})
	}
}

func (i *Instance) save(ctx context.Context, job *domain.Job) {
	if i.deps.Jobs == nil {
		return
	}
	if err := i.deps.Jobs.SaveJob(ctx, job.Data()); err != nil {
		i.log.Warn("save job failed", logx.String("job", job.ID()), logx.Err(err))
	}
}

func (i *Instance) saveAccount(ctx context.Context) {
	d := i.acct.Data()
	if i.deps.Accounts != nil {
		if err := i.deps.Accounts.SaveAccount(ctx, d); err != nil {
			i.log.Warn("save account failed", logx.Err(err))
		}
	}
	if i.deps.Bus != nil {
		i.deps.Bus.Publish(eventbus.Event{Type: eventbus.AccountChanged, Time: i.deps.Now(), AccountID: d.ID, Data: d})
	}
}

// Snapshot is the diagnostic view of an instance.
type Snapshot struct {
	ID             string             `json:"id"`
	Name           string             `json:"name,omitempty"`
	Alive          bool               `json:"alive"`
	State          string             `json:"state"`
	Enabled        bool               `json:"enabled"`
	Locked         bool               `json:"locked"`
	DisabledReason string             `json:"disabled_reason,omitempty"`
	CurrentMode    domain.SpeedMode   `json:"current_mode,omitempty"`
	FastExhausted  bool               `json:"fast_exhausted"`
	DayDrawCount   int                `json:"day_draw_count"`
	DayDrawLimit   int                `json:"day_draw_limit"`
	Channels       []channel.Snapshot `json:"channels"`
}

func (i *Instance) Snapshot() Snapshot {
	d := i.acct.Data()
	return Snapshot{
		ID:             d.ID,
		Name:           d.Name,
		Alive:          i.IsAlive(),
		State:          i.conn.State().String(),
		Enabled:        d.Enabled,
		Locked:         d.Locked,
		DisabledReason: d.DisabledReason,
		CurrentMode:    d.CurrentMode,
		FastExhausted:  d.FastExhausted,
		DayDrawCount:   d.DayDrawCount,
		DayDrawLimit:   d.DayDrawLimit,
		Channels:       i.pool.Snapshot(),
	}
}
