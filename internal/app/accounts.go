package app

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"mjrelay/internal/config"
	"mjrelay/internal/domain"
	"mjrelay/internal/instance"
	"mjrelay/internal/storage"
	"mjrelay/pkg/logx"
)

// startParallel bounds concurrent gateway handshakes at startup.
const startParallel = 4

// newInstance builds the instance for ac, carrying over vendor-reported
// state from the store.
func (a *App) newInstance(ctx context.Context, ac config.AccountConfig) (*instance.Instance, error) {
	data := ac.Data()
	stored, err := a.store.GetAccount(ctx, data.ID)
	switch {
	case err == nil:
		data = mergeStored(data, stored)
	case !errors.Is(err, storage.ErrNotFound):
		a.log.Warn("load stored account failed", logx.String("account", data.ID), logx.Err(err))
	}

	a.mu.Lock()
	gw, vendor, tune := a.gateway, a.vendor, a.tune
	a.mu.Unlock()

	deps := instance.Deps{
		Account:     domain.NewAccount(data),
		Vendor:      vendor,
		Gateway:     gw,
		Locks:       a.locks,
		Jobs:        a.store,
		Accounts:    a.store,
		Cache:       a.cache,
		Bus:         a.bus,
		Hub:         a.hub,
		RehostTTL:   tune.RehostTTL,
		RehostLinks: tune.RehostLinks,
		BanTTL:      tune.BanTTL,
		HandledTTL:  tune.HandledTTL,
		HandledSize: tune.HandledSize,
		ModalWait:   tune.ModalWait,
		MaxAttempts: tune.MaxAttempts,
		Log:         a.log,
	}
	if a.opts.conns != nil {
		deps.Conn = a.opts.conns(data)
	}
	return instance.New(deps)
}

// mergeStored keeps what the vendor told us about the account across
// restarts. Operator-owned fields come from the config.
func mergeStored(cfg, stored domain.AccountData) domain.AccountData {
	cfg.UserID = stored.UserID
	cfg.RemixOn = stored.RemixOn
	cfg.CurrentMode = stored.CurrentMode
	cfg.FastExhausted = stored.FastExhausted
	cfg.FastTimeRemaining = stored.FastTimeRemaining
	cfg.InfoUpdatedAt = stored.InfoUpdatedAt
	cfg.DayDrawCount = stored.DayDrawCount
	if cfg.PrivateChannelID == "" {
		cfg.PrivateChannelID = stored.PrivateChannelID
	}
	if cfg.NijiPrivateChannelID == "" {
		cfg.NijiPrivateChannelID = stored.NijiPrivateChannelID
	}
	return cfg
}

// startInstances connects instances in parallel. A failed start is logged;
// the instance stays registered but is not alive.
func (a *App) startInstances(ctx context.Context, insts []*instance.Instance) {
	var g errgroup.Group
	g.SetLimit(startParallel)
	for _, inst := range insts {
		g.Go(func() error {
			if err := inst.Start(ctx); err != nil {
				a.log.Warn("instance start failed", logx.String("account", inst.ID()), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// credentialsChanged reports whether the account must be rebuilt instead of
// reconfigured in place.
func credentialsChanged(prev, next config.AccountConfig) bool {
	return prev.Token() != next.Token() ||
		prev.UserAgent != next.UserAgent ||
		prev.GuildID != next.GuildID ||
		prev.PrivateChannelID != next.PrivateChannelID ||
		prev.NijiPrivateChannelID != next.NijiPrivateChannelID
}

// reconcileAccounts applies account additions, removals and updates.
func (a *App) reconcileAccounts(ctx context.Context, prev, next *config.Config, ch config.Change) {
	byID := func(list []config.AccountConfig, id string) (config.AccountConfig, bool) {
		i := slices.IndexFunc(list, func(ac config.AccountConfig) bool { return ac.ID == id })
		if i < 0 {
			return config.AccountConfig{}, false
		}
		return list[i], true
	}

	for _, id := range ch.Removed {
		if inst, ok := a.bal.Remove(id); ok {
			inst.Dispose()
			a.log.Info("account removed", logx.String("account", id))
		}
	}

	var fresh []*instance.Instance
	build := func(ac config.AccountConfig) {
		inst, err := a.newInstance(ctx, ac)
		if err != nil {
			a.log.Warn("account build failed", logx.String("account", ac.ID), logx.Err(err))
			return
		}
		fresh = append(fresh, inst)
	}
	for _, id := range ch.Added {
		if ac, ok := byID(next.Accounts, id); ok {
			build(ac)
		}
	}
	for _, id := range ch.Updated {
		nextAC, _ := byID(next.Accounts, id)
		prevAC, _ := byID(prev.Accounts, id)
		inst, ok := a.bal.Get(id)
		if !ok || credentialsChanged(prevAC, nextAC) {
			if ok {
				a.bal.Remove(id)
				inst.Dispose()
			}
			build(nextAC)
			continue
		}
		inst.Reconfigure(nextAC.Data())
		a.log.Info("account reconfigured", logx.String("account", id))
	}

	for _, inst := range fresh {
		a.bal.Add(inst)
	}
	a.startInstances(ctx, fresh)
}
