package config

import (
	"reflect"
	"slices"
	"strings"

	"mjrelay/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the changed top-level sections, sorted.
	Sections []string
	// Added, Removed and Updated list account ids.
	Added   []string
	Removed []string
	Updated []string
	// Fields are safe log attributes; tokens are never included.
	Fields []logx.Field
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		ch.Sections = append(ch.Sections, "gateway")
	}
	if !reflect.DeepEqual(oldCfg.Vendor, newCfg.Vendor) {
		ch.Sections = append(ch.Sections, "vendor")
	}
	if strings.TrimSpace(oldCfg.Balancer.Rule) != strings.TrimSpace(newCfg.Balancer.Rule) {
		ch.Sections = append(ch.Sections, "balancer")
		ch.Fields = append(ch.Fields, logx.String("balancer.rule", newCfg.Balancer.Rule))
	}

	ch.Added, ch.Removed, ch.Updated = diffAccounts(oldCfg.Accounts, newCfg.Accounts)
	if len(ch.Added)+len(ch.Removed)+len(ch.Updated) > 0 {
		ch.Sections = append(ch.Sections, "accounts")
		ch.Fields = append(ch.Fields,
			logx.Strs("accounts.added", ch.Added),
			logx.Strs("accounts.removed", ch.Removed),
			logx.Strs("accounts.updated", ch.Updated),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if oldCfg.Cache != newCfg.Cache {
		ch.Sections = append(ch.Sections, "cache")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		ch.Sections = append(ch.Sections, "notifier")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Fields = append(ch.Fields,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		ch.Sections = append(ch.Sections, "maintenance")
		ch.Fields = append(ch.Fields,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.daily_reset", newCfg.Maintenance.DailyReset),
			logx.String("maintenance.info_refresh", newCfg.Maintenance.InfoRefresh),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		ch.Sections = append(ch.Sections, "debug")
		ch.Fields = append(ch.Fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	slices.Sort(ch.Sections)
	return ch
}

func diffAccounts(oldList, newList []AccountConfig) (added, removed, updated []string) {
	oldByID := make(map[string]uint64, len(oldList))
	for _, a := range oldList {
		oldByID[strings.TrimSpace(a.ID)] = hashJSON(a)
	}
	newIDs := make(map[string]bool, len(newList))
	for _, a := range newList {
		id := strings.TrimSpace(a.ID)
		newIDs[id] = true
		h, ok := oldByID[id]
		switch {
		case !ok:
			added = append(added, id)
		case h != hashJSON(a):
			updated = append(updated, id)
		}
	}
	for id := range oldByID {
		if !newIDs[id] {
			removed = append(removed, id)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	slices.Sort(updated)
	return added, removed, updated
}
