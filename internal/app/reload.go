package app

import (
	"context"
	"strings"
	"time"

	"mjrelay/internal/balancer"
	"mjrelay/internal/config"
	"mjrelay/internal/observability/debughttp"
	"mjrelay/pkg/logx"
)

// restartOnly lists sections whose changes need a process restart.
var restartOnly = []string{"storage", "telegram"}

// applyConfig moves the running relay to next. Sections that fail to map
// keep their previous settings.
func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.Strs("changed", ch.Sections)}, ch.Fields...)...)
	for _, s := range restartOnly {
		if ch.Has(s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if ch.Has("logging") && a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}

	if ch.Has("balancer") {
		if rule, err := balancer.NewRule(next.Balancer.Rule); err != nil {
			a.log.Warn("invalid balancer rule; keeping previous", logx.Err(err))
		} else {
			a.bal.SetRule(rule)
		}
	}

	// Gateway, vendor and cache settings reach instances built from now on.
	if ch.Has("gateway") || ch.Has("vendor") || ch.Has("cache") {
		gw, gerr := mapGatewayConfig(next)
		vendor, verr := mapVendorConfig(next)
		tune, terr := mapTuning(next)
		if gerr != nil || verr != nil || terr != nil {
			a.log.Warn("invalid instance settings; keeping previous")
		} else {
			a.mu.Lock()
			a.gateway, a.vendor, a.tune = gw, vendor, tune
			a.mu.Unlock()
			a.log.Info("instance settings updated; running accounts keep theirs until rebuilt")
		}
	}

	if ch.Has("accounts") {
		a.reconcileAccounts(ctx, prev, next, ch)
	}

	if ch.Has("notifier") || ch.Has("telegram") {
		a.applyNotifier(ctx, next)
	}

	if ch.Has("maintenance") {
		if mcfg, err := mapMaintenanceConfig(next); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else if err := a.maint.Apply(mcfg); err != nil {
			a.log.Warn("maintenance reschedule failed", logx.Err(err))
		} else if mcfg.Enabled {
			if err := a.maint.Start(ctx); err != nil {
				a.log.Warn("maintenance start failed", logx.Err(err))
			}
		}
	}

	if ch.Has("debug") {
		a.applyDebug(ctx, next)
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasOn := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch on := a.notif.Enabled(); {
	case wasOn && !on:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && on:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
		a.mu.Lock()
		sup := a.sup
		a.mu.Unlock()
		if sup != nil {
			sup.Go("notifier.alerts", func(c context.Context) error { return a.notif.Watch(c, a.bus) })
		}
	}
}

func (a *App) applyDebug(ctx context.Context, next *config.Config) {
	dcfg, err := mapDebugConfig(next)
	if err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		return
	}
	a.mu.Lock()
	old := a.debug
	a.debug = debughttp.New(dcfg, a.debugDeps(), a.log)
	fresh := a.debug
	a.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	old.Stop(stopCtx)
	cancel()
	if err := fresh.Start(ctx); err != nil {
		a.log.Warn("debug http restart failed", logx.Err(err))
	}
}
