package pipeline

import (
	"context"
	"regexp"
	"strings"

	"mjrelay/internal/correlate"
	"mjrelay/internal/domain"
	"mjrelay/internal/eventbus"
	"mjrelay/pkg/logx"
)

type errorClass int

const (
	classFail errorClass = iota
	classExhausted
	classDisable
	classAcknowledge
)

// errorTitles maps vendor error embed titles (lower case) to their effect.
var errorTitles = map[string]errorClass{
	"banned prompt detected":                  classFail,
	"banned prompt":                           classFail,
	"invalid parameter":                       classFail,
	"invalid link":                            classFail,
	"queue full":                              classFail,
	"job action restricted":                   classFail,
	"request cancelled due to output filters": classFail,
	"denied image":                            classFail,
	"sorry! could not complete the job!":      classFail,
	"credits exhausted":                       classExhausted,
	"fast hours exhausted":                    classExhausted,
	"blocked":                                 classDisable,
	"subscription required":                   classDisable,
	"subscription paused":                     classDisable,
	"pending mod message":                     classAcknowledge,
	"terms of service":                        classAcknowledge,
}

const challengeTitle = "action needed to continue"

var linkInText = regexp.MustCompile(`https?://[^\s)>\]]+`)

func classify(title string) (errorClass, bool) {
	c, ok := errorTitles[strings.ToLower(strings.TrimSpace(title))]
	return c, ok
}

// isRed reports whether an embed color reads as an error. The vendor uses a
// few shades of red for failures.
func isRed(color int) bool {
	r, g, b := color>>16&0xff, color>>8&0xff, color&0xff
	return r >= 0xc0 && g < 0x70 && b < 0x70
}

func isErrorEmbed(ev *Event) bool {
	em := ev.Embed()
	if em == nil || strings.EqualFold(strings.TrimSpace(em.Title), challengeTitle) {
		return false
	}
	if _, ok := classify(em.Title); ok {
		return true
	}
	return isRed(em.Color)
}

// footerPrompt recovers the prompt some error embeds echo in their footer
// ("/imagine a cat").
func footerPrompt(ev *Event) string {
	em := ev.Embed()
	if em == nil || em.Footer == nil {
		return ""
	}
	s := strings.TrimSpace(em.Footer.Text)
	if !strings.HasPrefix(s, "/") {
		return ""
	}
	if i := strings.IndexByte(s, ' '); i > 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return ""
}

func errorReason(title, desc string) string {
	title = strings.TrimSpace(title)
	desc = strings.TrimSpace(desc)
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = strings.TrimSpace(desc[:i])
	}
	switch {
	case title == "":
		return desc
	case desc == "":
		return "[" + title + "]"
	}
	return "[" + title + "] " + desc
}

func (p *Pipeline) handleError(ctx context.Context, ev *Event) Result {
	em := ev.Embed()
	if !p.handled.mark(handledKey("error", ev.MessageID())) {
		return Stop
	}
	class, known := classify(em.Title)
	if !known {
		class = classFail
	}
	title := em.Title
	if title == "" {
		title = "vendor error"
	}
	reason := errorReason(title, em.Description)
	job, found := p.findMessage(ev, correlate.Query{Prompt: footerPrompt(ev)})

	switch class {
	case classExhausted:
		p.deps.Account.Update(func(d *domain.AccountData) {
			d.FastExhausted = true
			d.CurrentMode = domain.ModeRelax
		})
		p.saveAccount(ctx)
		p.log.Warn("fast hours exhausted, forcing relax", logx.String("reason", reason))
	case classDisable:
		p.deps.Actions.DisableAccount(ctx, reason)
	case classAcknowledge:
		if found && p.acknowledge(ctx, job, ev) {
			return Stop
		}
	}

	if !found {
		p.log.Warn("unattributed vendor error", logx.String("reason", reason), logx.String("message", ev.MessageID()))
		return Stop
	}
	p.fail(ctx, job, reason)
	return Stop
}

// acknowledge presses the first button of a moderation or terms message once
// per job. It reports whether the job stays pending.
func (p *Pipeline) acknowledge(ctx context.Context, job *domain.Job, ev *Event) bool {
	if job.Data().Props.TermsAcknowledged {
		return false
	}
	buttons := ev.Buttons()
	if len(buttons) == 0 {
		return false
	}
	job.Update(func(d *domain.JobData) { d.Props.TermsAcknowledged = true })
	if err := p.deps.Actions.Acknowledge(ctx, job, ev.MessageID(), buttons[0].CustomID, int(ev.Message.Flags)); err != nil {
		p.log.Warn("acknowledge failed", logx.String("job", job.ID()), logx.Err(err))
		return false
	}
	p.save(ctx, job)
	return true
}

func isChallenge(ev *Event) bool {
	em := ev.Embed()
	return em != nil && strings.EqualFold(strings.TrimSpace(em.Title), challengeTitle)
}

func (p *Pipeline) handleChallenge(ctx context.Context, ev *Event) Result {
	if !p.handled.mark(handledKey("challenge", ev.MessageID())) {
		return Stop
	}
	hashURL := ev.LinkButtonURL()
	if hashURL == "" {
		hashURL = linkInText.FindString(ev.Embed().Description)
	}
	channelID := ev.ChannelID()
	if p.deps.Challenges != nil && hashURL != "" {
		if err := p.deps.Challenges.Dispatch(ctx, hashURL, channelID); err != nil {
			p.log.Warn("challenge dispatch failed", logx.Err(err))
		}
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(eventbus.Event{
			Type:      eventbus.ChallengeRaised,
			AccountID: p.deps.Account.ID(),
			Data:      map[string]string{"url": hashURL, "channel_id": channelID},
		})
	}
	if job, ok := p.findMessage(ev, correlate.Query{}); ok {
		p.fail(ctx, job, "verification required")
	}
	return Stop
}
