package domain

import (
	"slices"
	"sync"
	"time"
)

// AccountData is the persisted configuration and health of one vendor account.
type AccountData struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	UserToken string `json:"user_token"`
	UserAgent string `json:"user_agent,omitempty"`
	GuildID   string `json:"guild_id"`
	// UserID is the vendor user id learned from the gateway READY event.
	UserID string `json:"user_id,omitempty"`

	ChannelIDs           []string `json:"channel_ids"`
	SubChannelIDs        []string `json:"sub_channel_ids,omitempty"`
	PrivateChannelID     string   `json:"private_channel_id,omitempty"`
	NijiPrivateChannelID string   `json:"niji_private_channel_id,omitempty"`

	Enabled        bool   `json:"enabled"`
	Locked         bool   `json:"locked,omitempty"`
	DisabledReason string `json:"disabled_reason,omitempty"`

	CoreSize       int `json:"core_size"`
	QueueSize      int `json:"queue_size"`
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`
	Weight         int `json:"weight,omitempty"`
	Sort           int `json:"sort,omitempty"`

	AllowModes []SpeedMode `json:"allow_modes,omitempty"`
	// Mode forces a speed mode for every job on this account.
	Mode SpeedMode `json:"mode,omitempty"`

	EnableMJ        bool `json:"enable_mj"`
	EnableNiji      bool `json:"enable_niji"`
	AllowBlend      bool `json:"allow_blend"`
	AllowDescribe   bool `json:"allow_describe"`
	AllowShorten    bool `json:"allow_shorten"`
	RemixAutoSubmit bool `json:"remix_auto_submit,omitempty"`

	VerticalDomain bool     `json:"vertical_domain,omitempty"`
	DomainIDs      []string `json:"domain_ids,omitempty"`

	DayDrawLimit  int  `json:"day_draw_limit,omitempty"`
	DayDrawCount  int  `json:"day_draw_count,omitempty"`
	AllowContinue bool `json:"allow_continue,omitempty"`

	// Vendor-reported state.
	RemixOn           bool      `json:"remix_on,omitempty"`
	CurrentMode       SpeedMode `json:"current_mode,omitempty"`
	FastExhausted     bool      `json:"fast_exhausted,omitempty"`
	FastTimeRemaining string    `json:"fast_time_remaining,omitempty"`
	InfoUpdatedAt     time.Time `json:"info_updated_at,omitempty"`
}

func (d AccountData) clone() AccountData {
	d.ChannelIDs = slices.Clone(d.ChannelIDs)
	d.SubChannelIDs = slices.Clone(d.SubChannelIDs)
	d.AllowModes = slices.Clone(d.AllowModes)
	d.DomainIDs = slices.Clone(d.DomainIDs)
	return d
}

// OwnsChannel reports whether messages in channelID belong to this account.
func (d AccountData) OwnsChannel(channelID string) bool {
	if channelID == "" {
		return false
	}
	if channelID == d.PrivateChannelID || channelID == d.NijiPrivateChannelID {
		return true
	}
	return slices.Contains(d.ChannelIDs, channelID) || slices.Contains(d.SubChannelIDs, channelID)
}

// AllowsMode reports whether the account accepts jobs in mode m.
// An empty allow list accepts everything.
func (d AccountData) AllowsMode(m SpeedMode) bool {
	if m == ModeNone || len(d.AllowModes) == 0 {
		return true
	}
	return slices.Contains(d.AllowModes, m)
}

// UnderDailyLimit reports whether the account may take another new drawing today.
func (d AccountData) UnderDailyLimit() bool {
	return d.DayDrawLimit <= 0 || d.DayDrawCount < d.DayDrawLimit
}

// Account is a vendor account. It is safe for concurrent use.
type Account struct {
	mu   sync.RWMutex
	data AccountData
}

func NewAccount(d AccountData) *Account { return &Account{data: d.clone()} }

func (a *Account) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.ID
}

func (a *Account) Data() AccountData {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.clone()
}

// Update mutates the account under its lock.
func (a *Account) Update(fn func(d *AccountData)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.data)
}

// Disable turns the account off and records why. It reports false when the
// account was already disabled.
func (a *Account) Disable(reason string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.data.Enabled {
		return false
	}
	a.data.Enabled = false
	a.data.DisabledReason = reason
	return true
}
