package config

import (
	"mjrelay/internal/domain"
)

// Config is the relay configuration file. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m"). Fields tagged env can be overridden from the
// environment after the file is decoded.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Gateway  GatewayConfig   `json:"gateway"`
	Vendor   VendorConfig    `json:"vendor"`
	Balancer BalancerConfig  `json:"balancer"`
	Accounts []AccountConfig `json:"accounts"`
	Storage  StorageConfig   `json:"storage"`
	Cache    CacheConfig     `json:"cache"`

	// Notifier may be omitted; it then defaults to enabled whenever a
	// telegram token is set.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`

	Maintenance MaintenanceConfig `json:"maintenance"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"MJRELAY_LOGGING_LEVEL"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Telegram forwards warnings and errors to the alert chat.
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" env:"MJRELAY_LOGGING_FILE_PATH"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// GatewayConfig applies to every account connection.
type GatewayConfig struct {
	URL             string  `json:"url,omitempty" env:"MJRELAY_GATEWAY_URL"`
	HeartbeatJitter float64 `json:"heartbeat_jitter,omitempty"`
	ReadTimeout     string  `json:"read_timeout,omitempty"`
	WriteTimeout    string  `json:"write_timeout,omitempty"`
	Compress        *bool   `json:"compress,omitempty"`

	// FailureLimit connections inside FailureWindow are tolerated; one more
	// disables the account.
	FailureLimit  int    `json:"failure_limit,omitempty"`
	FailureWindow string `json:"failure_window,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
}

// VendorConfig configures the REST client of every account.
type VendorConfig struct {
	BaseURL           string  `json:"base_url,omitempty" env:"MJRELAY_VENDOR_BASE_URL"`
	UserAgent         string  `json:"user_agent,omitempty"`
	Timeout           string  `json:"timeout,omitempty"`
	RatePerSec        float64 `json:"rate_per_sec,omitempty"`
	Burst             int     `json:"burst,omitempty"`
	MJApplicationID   string  `json:"mj_application_id,omitempty"`
	NijiApplicationID string  `json:"niji_application_id,omitempty"`

	// ModalWait bounds how long a remix or zoom press waits for its modal.
	ModalWait   string `json:"modal_wait,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// RehostLinks re-uploads prompt links to the account's channel before
	// they are sent.
	RehostLinks bool `json:"rehost_links,omitempty"`
}

type BalancerConfig struct {
	// Rule is least_loaded (default), round_robin, random or weighted.
	Rule string `json:"rule,omitempty" env:"MJRELAY_BALANCER_RULE"`
}

// AccountConfig is the operator-owned part of an account. Vendor-reported
// state (remix, fast time, draw counts) lives in the store.
type AccountConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	UserToken string `json:"user_token,omitempty"`
	// TokenEnv names an environment variable holding the user token. It is
	// used when UserToken is empty.
	TokenEnv  string `json:"token_env,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	GuildID   string `json:"guild_id"`

	ChannelIDs           []string `json:"channel_ids"`
	SubChannelIDs        []string `json:"sub_channel_ids,omitempty"`
	PrivateChannelID     string   `json:"private_channel_id,omitempty"`
	NijiPrivateChannelID string   `json:"niji_private_channel_id,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
	Locked  bool  `json:"locked,omitempty"`

	CoreSize int `json:"core_size,omitempty"`
	// QueueSize defaults to 10 when omitted; 0 means unbounded.
	QueueSize      *int `json:"queue_size,omitempty"`
	TimeoutMinutes int  `json:"timeout_minutes,omitempty"`
	Weight         int  `json:"weight,omitempty"`
	Sort           int  `json:"sort,omitempty"`

	AllowModes []domain.SpeedMode `json:"allow_modes,omitempty"`
	Mode       domain.SpeedMode   `json:"mode,omitempty"`

	EnableMJ        *bool `json:"enable_mj,omitempty"`
	EnableNiji      *bool `json:"enable_niji,omitempty"`
	AllowBlend      *bool `json:"allow_blend,omitempty"`
	AllowDescribe   *bool `json:"allow_describe,omitempty"`
	AllowShorten    *bool `json:"allow_shorten,omitempty"`
	RemixAutoSubmit bool  `json:"remix_auto_submit,omitempty"`

	VerticalDomain bool     `json:"vertical_domain,omitempty"`
	DomainIDs      []string `json:"domain_ids,omitempty"`

	DayDrawLimit  int  `json:"day_draw_limit,omitempty"`
	AllowContinue bool `json:"allow_continue,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mjrelay.db" }
type StorageConfig struct {
	// Driver is memory (default), file, sqlite or postgres.
	Driver      string `json:"driver,omitempty" env:"MJRELAY_STORAGE_DRIVER"`
	Path        string `json:"path,omitempty" env:"MJRELAY_STORAGE_PATH"`
	DSN         string `json:"dsn,omitempty" env:"MJRELAY_STORAGE_DSN"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CacheConfig bounds the shared in-process cache entries.
type CacheConfig struct {
	RehostTTL   string `json:"rehost_ttl,omitempty"`
	BanTTL      string `json:"ban_ttl,omitempty"`
	HandledTTL  string `json:"handled_ttl,omitempty"`
	HandledSize uint64 `json:"handled_size,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token" env:"MJRELAY_TELEGRAM_TOKEN"`
	URL      string `json:"url,omitempty"`
	ChatID   int64  `json:"chat_id" env:"MJRELAY_TELEGRAM_CHAT_ID"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// MaintenanceConfig schedules the account chores with cron specs.
type MaintenanceConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	DailyReset  string `json:"daily_reset,omitempty"`
	InfoRefresh string `json:"info_refresh,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// DebugConfig controls the operator HTTP surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" env:"MJRELAY_DEBUG_ADDR"`
	Token         string `json:"token,omitempty" env:"MJRELAY_DEBUG_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile can run 30s+.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
