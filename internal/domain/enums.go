package domain

import "strings"

// Action is the kind of work a job asks the vendor bot to do.
type Action string

const (
	ActionImagine    Action = "IMAGINE"
	ActionUpscale    Action = "UPSCALE"
	ActionVariation  Action = "VARIATION"
	ActionReroll     Action = "REROLL"
	ActionDescribe   Action = "DESCRIBE"
	ActionShorten    Action = "SHORTEN"
	ActionBlend      Action = "BLEND"
	ActionShow       Action = "SHOW"
	ActionZoom       Action = "ZOOM"
	ActionPan        Action = "PAN"
	ActionCustomZoom Action = "CUSTOM_ZOOM"
	ActionRemix      Action = "REMIX"
	// ActionGeneric covers any other follow-on button (bookmark, vary region, ...).
	ActionGeneric Action = "ACTION"
)

// IsFollowOn reports whether the action operates on a previous job's message
// instead of starting from a fresh prompt.
func (a Action) IsFollowOn() bool {
	switch a {
	case ActionUpscale, ActionVariation, ActionReroll, ActionZoom, ActionPan,
		ActionCustomZoom, ActionRemix, ActionGeneric:
		return true
	default:
		return false
	}
}

// CountsTowardDailyLimit reports whether a submission of this action consumes
// one unit of the account's daily draw budget.
func (a Action) CountsTowardDailyLimit() bool {
	switch a {
	case ActionImagine, ActionBlend, ActionVariation, ActionReroll, ActionZoom,
		ActionPan, ActionCustomZoom, ActionRemix:
		return true
	default:
		return false
	}
}

// SpeedMode is the vendor generation speed. The zero value means "no preference".
type SpeedMode string

const (
	ModeNone  SpeedMode = ""
	ModeFast  SpeedMode = "FAST"
	ModeRelax SpeedMode = "RELAX"
	ModeTurbo SpeedMode = "TURBO"
)

// ParseSpeedMode accepts vendor spellings ("fast", "--relax", "Turbo") and
// returns ModeNone for anything else.
func ParseSpeedMode(s string) SpeedMode {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "--")
	switch s {
	case "fast":
		return ModeFast
	case "relax", "relaxed":
		return ModeRelax
	case "turbo":
		return ModeTurbo
	default:
		return ModeNone
	}
}

// Flag returns the prompt parameter selecting the mode ("--fast").
func (m SpeedMode) Flag() string {
	if m == ModeNone {
		return ""
	}
	return "--" + strings.ToLower(string(m))
}

// BotKind selects which vendor bot application handles a job.
type BotKind string

const (
	BotMJ   BotKind = "MID_JOURNEY"
	BotNiji BotKind = "NIJI_JOURNEY"
)
