// Package app wires the relay: storage, shared cache, account instances,
// the balancer, operator alerts, maintenance and the debug surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mjrelay/internal/balancer"
	"mjrelay/internal/cache"
	"mjrelay/internal/config"
	"mjrelay/internal/domain"
	"mjrelay/internal/eventbus"
	"mjrelay/internal/gateway"
	"mjrelay/internal/instance"
	"mjrelay/internal/lock"
	"mjrelay/internal/maintenance"
	"mjrelay/internal/notifier"
	"mjrelay/internal/observability/debughttp"
	rtsup "mjrelay/internal/runtime/supervisor"
	"mjrelay/internal/signal"
	"mjrelay/internal/storage"
	kit "mjrelay/internal/transport"
	"mjrelay/internal/transport/telegram"
	"mjrelay/pkg/logx"
)

// ErrNoLiveAccount is reported by Ready while no instance can take jobs.
var ErrNoLiveAccount = errors.New("no live account")

// Option customizes an App.
type Option func(*options)

type options struct {
	conns func(acct domain.AccountData) instance.Connection
	log   logx.Logger
}

// WithConnections replaces the gateway connection of every account.
func WithConnections(fn func(acct domain.AccountData) instance.Connection) Option {
	return func(o *options) { o.conns = fn }
}

// WithLogger skips the logging service and logs to log instead.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

type App struct {
	opts options
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	cache *cache.Memory
	hub   *signal.Hub
	locks *lock.MutexMap

	bal   *balancer.Balancer[*instance.Instance]
	tg    *telegram.Bot
	notif *notifier.Service
	maint *maintenance.Service

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	cfg     *config.Config
	gateway gateway.Config
	vendor  instance.ClientConfig
	tune    tuning
	debug   *debughttp.Service
}

// New loads the config file at cfgPath and builds the relay.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, cfgm, opts)
}

// NewFromConfig builds the relay from an already decoded config. Hot reload
// is unavailable.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(ctx, cfg, nil, opts)
}

func build(ctx context.Context, cfg *config.Config, cfgm *config.ConfigManager, opts []Option) (*App, error) {
	a := &App{cfgm: cfgm, cfg: cfg}
	for _, o := range opts {
		o(&a.opts)
	}
	if err := a.validate(ctx, cfg); err != nil {
		return nil, err
	}

	if tc, ok, err := mapTelegramConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		bot, err := telegram.New(tc, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, err
		}
		a.tg = bot
	}

	if a.opts.log.IsZero() {
		var sink logx.Sender
		if a.tg != nil {
			sink = a.tg
		}
		a.logs, a.log = logx.New(mapLoggingConfig(cfg), sink)
	} else {
		a.log = a.opts.log
	}
	log := a.log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, a.log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a.bus = eventbus.New()
	a.cache = cache.NewMemory()
	a.hub = signal.NewHub()
	a.locks = lock.NewMutexMap()

	if a.gateway, err = mapGatewayConfig(cfg); err != nil {
		return nil, err
	}
	if a.vendor, err = mapVendorConfig(cfg); err != nil {
		return nil, err
	}
	if a.tune, err = mapTuning(cfg); err != nil {
		return nil, err
	}

	rule, err := balancer.NewRule(cfg.Balancer.Rule)
	if err != nil {
		return nil, err
	}
	a.bal = balancer.New[*instance.Instance](rule, a.log)
	for _, ac := range cfg.Accounts {
		inst, err := a.newInstance(ctx, ac)
		if err != nil {
			return nil, err
		}
		a.bal.Add(inst)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender kit.Sender
	if a.tg != nil {
		sender = a.tg
	}
	a.notif = notifier.New(ncfg, sender, a.log, a.bus, a.store)

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.maint = maintenance.New(mcfg, a.maintenanceTargets, a.log)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = debughttp.New(dcfg, a.debugDeps(), a.log)

	log.Info("relay built", logx.Int("accounts", len(cfg.Accounts)), logx.String("rule", rule.Name()))
	return a, nil
}

// validate maps every section so a bad reload is rejected before commit.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	checks := []func(*config.Config) error{
		func(c *config.Config) error { _, err := mapStorageConfig(c); return err },
		func(c *config.Config) error { _, err := mapGatewayConfig(c); return err },
		func(c *config.Config) error { _, err := mapVendorConfig(c); return err },
		func(c *config.Config) error { _, err := mapTuning(c); return err },
		func(c *config.Config) error { _, _, err := mapTelegramConfig(c); return err },
		func(c *config.Config) error { _, err := mapNotifierConfig(c); return err },
		func(c *config.Config) error { _, err := mapMaintenanceConfig(c); return err },
		func(c *config.Config) error { _, err := mapDebugConfig(c); return err },
	}
	var errs []error
	for _, check := range checks {
		if err := check(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) maintenanceTargets() []maintenance.Target {
	all := a.bal.All()
	out := make([]maintenance.Target, len(all))
	for i, inst := range all {
		out[i] = inst
	}
	return out
}

func (a *App) debugDeps() debughttp.Deps {
	return debughttp.Deps{
		Instances: a.Instances,
		Alerts:    a.notif.Snapshot,
		Ready:     a.Ready,
		RunTask:   a.maint.RunNow,
	}
}

// Store exposes the job and account store.
func (a *App) Store() storage.Store { return a.store }

// Bus exposes job and account change events.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Balancer exposes the instance registry.
func (a *App) Balancer() *balancer.Balancer[*instance.Instance] { return a.bal }

// Instances returns a diagnostic view of every account instance.
func (a *App) Instances() []instance.Snapshot {
	all := a.bal.All()
	out := make([]instance.Snapshot, len(all))
	for i, inst := range all {
		out[i] = inst.Snapshot()
	}
	return out
}

// Ready reports ErrNoLiveAccount until one instance can take jobs.
func (a *App) Ready() error {
	if len(a.bal.Alive()) == 0 {
		return ErrNoLiveAccount
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.sup = sup
	debug := a.debug
	a.mu.Unlock()
	run := sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(run)
		sup.Go("notifier.alerts", func(c context.Context) error { return a.notif.Watch(c, a.bus) })
	}

	a.startInstances(run, a.bal.All())

	if err := a.maint.Start(run); err != nil {
		return err
	}
	if err := debug.Start(run); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128, eventbus.AccountChanged, eventbus.AccountDisabled, eventbus.ChallengeRaised)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("account", e.AccountID), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validate)
		sub := a.cfgm.Subscribe(8)
		sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(c, latest(sub, next))
				}
			}
		})
		sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.Int("accounts", len(a.bal.All())))
	return nil
}

// latest drains queued configs so bursts apply once.
func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	debug := a.debug
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("debug", time.Second, func(c context.Context) error { debug.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("instances", 10*time.Second, func(context.Context) error {
		var wg sync.WaitGroup
		for _, inst := range a.bal.All() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst.Dispose()
			}()
		}
		wg.Wait()
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.cache.Close()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
