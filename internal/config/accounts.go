package config

import (
	"os"
	"slices"
	"strings"

	"mjrelay/internal/domain"
)

const (
	DefaultCoreSize       = 3
	DefaultQueueSize      = 10
	DefaultTimeoutMinutes = 5
)

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Token returns the user token, falling back to the TokenEnv variable.
func (a AccountConfig) Token() string {
	if t := strings.TrimSpace(a.UserToken); t != "" {
		return t
	}
	if name := strings.TrimSpace(a.TokenEnv); name != "" {
		return strings.TrimSpace(os.Getenv(name))
	}
	return ""
}

// Data maps the account onto its domain record with defaults filled in.
func (a AccountConfig) Data() domain.AccountData {
	d := domain.AccountData{
		ID:                   strings.TrimSpace(a.ID),
		Name:                 a.Name,
		UserToken:            a.Token(),
		UserAgent:            a.UserAgent,
		GuildID:              strings.TrimSpace(a.GuildID),
		ChannelIDs:           slices.Clone(a.ChannelIDs),
		SubChannelIDs:        slices.Clone(a.SubChannelIDs),
		PrivateChannelID:     a.PrivateChannelID,
		NijiPrivateChannelID: a.NijiPrivateChannelID,
		Enabled:              boolOr(a.Enabled, true),
		Locked:               a.Locked,
		CoreSize:             a.CoreSize,
		TimeoutMinutes:       a.TimeoutMinutes,
		Weight:               a.Weight,
		Sort:                 a.Sort,
		AllowModes:           slices.Clone(a.AllowModes),
		Mode:                 a.Mode,
		EnableMJ:             boolOr(a.EnableMJ, true),
		EnableNiji:           boolOr(a.EnableNiji, true),
		AllowBlend:           boolOr(a.AllowBlend, true),
		AllowDescribe:        boolOr(a.AllowDescribe, true),
		AllowShorten:         boolOr(a.AllowShorten, true),
		RemixAutoSubmit:      a.RemixAutoSubmit,
		VerticalDomain:       a.VerticalDomain,
		DomainIDs:            slices.Clone(a.DomainIDs),
		DayDrawLimit:         a.DayDrawLimit,
		AllowContinue:        a.AllowContinue,
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.CoreSize <= 0 {
		d.CoreSize = DefaultCoreSize
	}
	d.QueueSize = DefaultQueueSize
	if a.QueueSize != nil {
		d.QueueSize = max(*a.QueueSize, 0)
	}
	if d.TimeoutMinutes <= 0 {
		d.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if d.Weight <= 0 {
		d.Weight = 1
	}
	return d
}
