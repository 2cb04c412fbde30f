package pipeline

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

var (
	infoModeRe      = regexp.MustCompile(`\*\*Job Mode\*\*:\s*([A-Za-z]+)`)
	infoRemainingRe = regexp.MustCompile(`\*\*Fast Time Remaining\*\*:\s*([^\n]+)`)
	remainingHours  = regexp.MustCompile(`^\s*([\d.]+)\s*/`)
	remixToggleRe   = regexp.MustCompile(`(?i)^remix mode (?:turned|is now) (on|off)`)
	speedToggleRe   = regexp.MustCompile(`(?i)^(?:(fast|relax|turbo) mode turned on|you are now in \*{0,2}(fast|relax|turbo)\*{0,2} mode)`)
)

const settingsPrefix = "Adjust your settings here"

// interceptAccountControl applies vendor replies that describe the account
// itself (/info, /settings, mode and remix toggles) and stops them there.
func (p *Pipeline) interceptAccountControl(ctx context.Context, ev *Event) Result {
	if !ev.IsMessage() {
		return Continue
	}
	var apply func(d *domain.AccountData)
	switch {
	case isInfo(ev):
		apply = p.parseInfo(ev.Embed().Description)
	case strings.HasPrefix(ev.Content(), settingsPrefix):
		apply = parseSettings(ev.Buttons())
	default:
		content := strings.TrimSpace(ev.Content())
		if m := remixToggleRe.FindStringSubmatch(content); m != nil {
			on := strings.EqualFold(m[1], "on")
			apply = func(d *domain.AccountData) { d.RemixOn = on }
		} else if m := speedToggleRe.FindStringSubmatch(content); m != nil {
			mode := domain.ParseSpeedMode(firstNonEmpty(m[1], m[2]))
			apply = func(d *domain.AccountData) { d.CurrentMode = mode }
		}
	}
	if apply == nil {
		return Continue
	}
	p.deps.Account.Update(apply)
	p.saveAccount(ctx)
	p.log.Debug("account state refreshed", logx.String("message", ev.MessageID()))
	return Stop
}

func isInfo(ev *Event) bool {
	em := ev.Embed()
	if em == nil {
		return false
	}
	return strings.Contains(em.Description, "**Fast Time Remaining**") || strings.Contains(em.Description, "**Job Mode**")
}

func (p *Pipeline) parseInfo(desc string) func(d *domain.AccountData) {
	now := p.now()
	var (
		mode      domain.SpeedMode
		remaining string
		exhausted *bool
	)
	if m := infoModeRe.FindStringSubmatch(desc); m != nil {
		mode = domain.ParseSpeedMode(m[1])
	}
	if m := infoRemainingRe.FindStringSubmatch(desc); m != nil {
		remaining = strings.TrimSpace(m[1])
		if h := remainingHours.FindStringSubmatch(remaining); h != nil {
			if v, err := strconv.ParseFloat(h[1], 64); err == nil {
				ex := v <= 0
				exhausted = &ex
			}
		}
	}
	return func(d *domain.AccountData) {
		if mode != domain.ModeNone {
			d.CurrentMode = mode
		}
		if remaining != "" {
			d.FastTimeRemaining = remaining
		}
		if exhausted != nil {
			d.FastExhausted = *exhausted
		}
		d.InfoUpdatedAt = now
	}
}

// parseSettings reads the toggle buttons of a /settings reply. The active
// choice is rendered with the success style.
func parseSettings(buttons []domain.Button) func(d *domain.AccountData) {
	if len(buttons) == 0 {
		return nil
	}
	var (
		remix bool
		mode  domain.SpeedMode
	)
	for _, b := range buttons {
		active := b.Style == int(discordgo.SuccessButton)
		label := strings.ToLower(b.Label)
		switch {
		case strings.HasPrefix(label, "remix"):
			remix = active
		case active && strings.HasSuffix(label, " mode"):
			if m := domain.ParseSpeedMode(strings.TrimSuffix(label, " mode")); m != domain.ModeNone {
				mode = m
			}
		}
	}
	return func(d *domain.AccountData) {
		d.RemixOn = remix
		if mode != domain.ModeNone {
			d.CurrentMode = mode
		}
	}
}
