package config

import (
	"errors"
	"fmt"
	"strings"

	"mjrelay/internal/balancer"
)

// Validate checks cross-field constraints that strict decoding cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := balancer.NewRule(cfg.Balancer.Rule); err != nil {
		errs = append(errs, fmt.Errorf("balancer.rule: %w", err))
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		path := fmt.Sprintf("accounts[%d]", i)
		id := strings.TrimSpace(a.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s.id is required", path))
			continue
		case seen[id]:
			errs = append(errs, fmt.Errorf("%s.id %q is duplicated", path, id))
			continue
		}
		seen[id] = true
		path = fmt.Sprintf("accounts[%s]", id)
		if !boolOr(a.Enabled, true) {
			continue
		}
		if a.Token() == "" {
			errs = append(errs, fmt.Errorf("%s: user_token or token_env is required", path))
		}
		if strings.TrimSpace(a.GuildID) == "" {
			errs = append(errs, fmt.Errorf("%s.guild_id is required", path))
		}
		if len(a.ChannelIDs) == 0 {
			errs = append(errs, fmt.Errorf("%s.channel_ids is empty", path))
		}
		if a.QueueSize != nil && *a.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("%s.queue_size must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("logging.telegram.enabled needs telegram.token"))
	}

	durations := []struct{ path, raw string }{
		{"gateway.read_timeout", cfg.Gateway.ReadTimeout},
		{"gateway.write_timeout", cfg.Gateway.WriteTimeout},
		{"gateway.failure_window", cfg.Gateway.FailureWindow},
		{"gateway.retry_delay", cfg.Gateway.RetryDelay},
		{"vendor.timeout", cfg.Vendor.Timeout},
		{"vendor.modal_wait", cfg.Vendor.ModalWait},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"cache.rehost_ttl", cfg.Cache.RehostTTL},
		{"cache.ban_ttl", cfg.Cache.BanTTL},
		{"cache.handled_ttl", cfg.Cache.HandledTTL},
		{"telegram.timeout", cfg.Telegram.Timeout},
		{"maintenance.task_timeout", cfg.Maintenance.TaskTimeout},
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout},
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", n.DedupWindow},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
