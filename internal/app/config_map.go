package app

import (
	"fmt"
	"strings"
	"time"

	"mjrelay/internal/config"
	"mjrelay/internal/gateway"
	"mjrelay/internal/instance"
	"mjrelay/internal/maintenance"
	"mjrelay/internal/notifier"
	"mjrelay/internal/observability/debughttp"
	"mjrelay/internal/storage"
	kit "mjrelay/internal/transport"
	"mjrelay/internal/transport/telegram"
	"mjrelay/pkg/logx"
)

// tuning is the per-instance timing shared by every account.
type tuning struct {
	RehostTTL   time.Duration
	BanTTL      time.Duration
	HandledTTL  time.Duration
	HandledSize uint64
	ModalWait   time.Duration
	MaxAttempts int
	RehostLinks bool
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sink: logx.SinkConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	g := cfg.Gateway
	out := gateway.Config{
		URL:             strings.TrimSpace(g.URL),
		UserAgent:       strings.TrimSpace(cfg.Vendor.UserAgent),
		HeartbeatJitter: g.HeartbeatJitter,
		FailureLimit:    g.FailureLimit,
		Compress:        g.Compress == nil || *g.Compress,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("gateway.read_timeout", g.ReadTimeout); err != nil {
		return gateway.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("gateway.write_timeout", g.WriteTimeout); err != nil {
		return gateway.Config{}, err
	}
	if out.FailureWindow, err = config.ParseDurationField("gateway.failure_window", g.FailureWindow); err != nil {
		return gateway.Config{}, err
	}
	if out.RetryDelay, err = config.ParseDurationField("gateway.retry_delay", g.RetryDelay); err != nil {
		return gateway.Config{}, err
	}
	if out.HeartbeatJitter < 0 || out.HeartbeatJitter > 1 {
		return gateway.Config{}, fmt.Errorf("gateway.heartbeat_jitter must be within [0, 1]")
	}
	return out, nil
}

func mapVendorConfig(cfg *config.Config) (instance.ClientConfig, error) {
	v := cfg.Vendor
	timeout, err := config.ParseDurationField("vendor.timeout", v.Timeout)
	if err != nil {
		return instance.ClientConfig{}, err
	}
	return instance.ClientConfig{
		BaseURL:           strings.TrimSpace(v.BaseURL),
		UserAgent:         strings.TrimSpace(v.UserAgent),
		Timeout:           timeout,
		RatePerSec:        v.RatePerSec,
		Burst:             v.Burst,
		MJApplicationID:   strings.TrimSpace(v.MJApplicationID),
		NijiApplicationID: strings.TrimSpace(v.NijiApplicationID),
	}, nil
}

func mapTuning(cfg *config.Config) (tuning, error) {
	out := tuning{
		HandledSize: cfg.Cache.HandledSize,
		MaxAttempts: cfg.Vendor.MaxAttempts,
		RehostLinks: cfg.Vendor.RehostLinks,
	}
	var err error
	if out.RehostTTL, err = config.ParseDurationOrDefault("cache.rehost_ttl", cfg.Cache.RehostTTL, 24*time.Hour); err != nil {
		return tuning{}, err
	}
	if out.BanTTL, err = config.ParseDurationField("cache.ban_ttl", cfg.Cache.BanTTL); err != nil {
		return tuning{}, err
	}
	if out.HandledTTL, err = config.ParseDurationField("cache.handled_ttl", cfg.Cache.HandledTTL); err != nil {
		return tuning{}, err
	}
	if out.ModalWait, err = config.ParseDurationField("vendor.modal_wait", cfg.Vendor.ModalWait); err != nil {
		return tuning{}, err
	}
	if out.MaxAttempts < 0 {
		return tuning{}, fmt.Errorf("vendor.max_attempts must be >= 0")
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		return telegram.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("telegram.timeout", t.Timeout)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:    strings.TrimSpace(t.Token),
		URL:      strings.TrimSpace(t.URL),
		ChatID:   t.ChatID,
		ThreadID: t.ThreadID,
		Timeout:  timeout,
	}, true, nil
}

// mapNotifierConfig fills runtime defaults. An omitted notifier section is
// enabled whenever telegram is configured.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         strings.TrimSpace(cfg.Telegram.Token) != "",
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     10 * time.Minute,
		DedupMaxEntries: 2000,
		PersistDedup:    true,
		Target:          kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	timeout, err := config.ParseDurationField("maintenance.task_timeout", m.TaskTimeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return maintenance.Config{
		Enabled:     m.Enabled,
		Timezone:    strings.TrimSpace(m.Timezone),
		DailyReset:  strings.TrimSpace(m.DailyReset),
		InfoRefresh: strings.TrimSpace(m.InfoRefresh),
		TaskTimeout: timeout,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	d := cfg.Debug
	out := debughttp.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second); err != nil {
		return debughttp.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", d.WriteTimeout); err != nil {
		return debughttp.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second); err != nil {
		return debughttp.Config{}, err
	}
	return out, nil
}
