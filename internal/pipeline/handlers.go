package pipeline

import (
	"context"
	"regexp"
	"strings"

	"mjrelay/internal/correlate"
	"mjrelay/internal/domain"
)

var (
	// **prompt** - <@123> (Waiting to start)
	waitingRe = regexp.MustCompile(`\(Waiting to start\)\s*$`)
	// **prompt** - <@123> (37%) (fast)
	progressRe = regexp.MustCompile(`\((\d{1,3})%\)`)
	// **prompt** - <@123> (fast)
	finalRe = regexp.MustCompile(`- <@\d+>(?:\s*\((?:fast|relax(?:ed)?|turbo)(?:, stealth)?\))?\s*$`)
	// **prompt** - Image #1 <@123>, **prompt** - Upscaled (Subtle) by <@123> (fast)
	upscaleRe = regexp.MustCompile(`- (?:Image #\d+ <@|Upscaled(?: \([^)]*\))? by <@)`)
	// **prompt** - Variations (Strong) by <@123> (fast)
	variationRe = regexp.MustCompile(`- Variations(?: \([^)]*\))? by <@`)
	// **prompt** - Zoom Out by <@123> (fast), **prompt** - Pan Left by <@123>
	actionRe = regexp.MustCompile(`- ([A-Z][A-Za-z ]*?)(?: \([^)]*\))? by <@`)
	// describe and shorten results list numbered options.
	numberedRe = regexp.MustCompile(`(?m)^\s*(?:[1-5]\x{FE0F}?\x{20E3}|[1-5][.)])\s*(.+)$`)
)

func (p *Pipeline) defaultHandlers() []Handler {
	return []Handler{
		{Name: "error", CanHandle: isErrorEmbed, Handle: p.handleError},
		{Name: "challenge", CanHandle: isChallenge, Handle: p.handleChallenge},
		{Name: "imagine-start", CanHandle: isStart, Handle: p.handleStart},
		{Name: "progress", CanHandle: isProgress, Handle: p.handleProgress},
		p.result("imagine", isGridResult, domain.ActionImagine),
		p.result("upscale", matches(upscaleRe), domain.ActionUpscale),
		p.result("variation", matches(variationRe), domain.ActionVariation),
		p.result("reroll", isGridResult, domain.ActionReroll),
		p.result("blend", isGridResult, domain.ActionBlend),
		{Name: "describe", CanHandle: isDescribe, Handle: p.handleListing(domain.ActionDescribe)},
		{Name: "shorten", CanHandle: isShorten, Handle: p.handleListing(domain.ActionShorten)},
		{Name: "show", CanHandle: hasResultImage, Handle: p.handleShow},
		{Name: "action", CanHandle: isGenericAction, Handle: p.handleGenericAction},
	}
}

func matches(re *regexp.Regexp) func(ev *Event) bool {
	return func(ev *Event) bool {
		return hasResultImage(ev) && re.MatchString(ev.Content())
	}
}

func hasResultImage(ev *Event) bool {
	return ev.Type == MessageCreate && ev.Attachment() != nil
}

func isStart(ev *Event) bool {
	return ev.Type == MessageCreate && waitingRe.MatchString(ev.Content())
}

func isProgress(ev *Event) bool {
	return progressRe.MatchString(ev.Content())
}

// isGridResult matches a finished imagine-shaped result: the bare
// "- <@id> (mode)" tail with an image.
func isGridResult(ev *Event) bool {
	c := ev.Content()
	return hasResultImage(ev) && finalRe.MatchString(c) && !progressRe.MatchString(c)
}

func isGenericAction(ev *Event) bool {
	c := ev.Content()
	return hasResultImage(ev) && actionRe.MatchString(c) && !upscaleRe.MatchString(c) && !variationRe.MatchString(c)
}

func isDescribe(ev *Event) bool {
	em := ev.Embed()
	return em != nil && !isShorten(ev) && len(numberedRe.FindAllString(em.Description, -1)) > 0 &&
		(em.Image != nil || ev.InteractionName == "describe")
}

func isShorten(ev *Event) bool {
	em := ev.Embed()
	if em == nil {
		return false
	}
	d := strings.ToLower(em.Description)
	return strings.Contains(d, "shortened prompt") || strings.Contains(d, "important tokens")
}

func (p *Pipeline) promptQuery(ev *Event, action domain.Action) correlate.Query {
	q := correlate.Query{Prompt: correlate.ExtractPrompt(ev.Content()), Action: action}
	if a := ev.Attachment(); a != nil {
		q.ImageHash = ImageHash(a.Filename)
	}
	return q
}

func (p *Pipeline) handleStart(ctx context.Context, ev *Event) Result {
	job, ok := p.findMessage(ev, p.promptQuery(ev, ""))
	if !ok {
		return Continue
	}
	if !p.handled.mark(handledKey("start", ev.MessageID())) {
		return Stop
	}
	p.progress(ctx, job, ev, "0%")
	return Stop
}

func (p *Pipeline) handleProgress(ctx context.Context, ev *Event) Result {
	job, ok := p.findMessage(ev, p.promptQuery(ev, ""))
	if !ok {
		return Continue
	}
	pct := progressRe.FindStringSubmatch(ev.Content())[1] + "%"
	if !p.handled.mark(handledKey("progress", ev.MessageID(), pct)) {
		return Stop
	}
	p.progress(ctx, job, ev, pct)
	return Stop
}

// result builds a handler completing jobs of action from a result message.
func (p *Pipeline) result(name string, can func(ev *Event) bool, action domain.Action) Handler {
	return Handler{
		Name:      name,
		CanHandle: can,
		Handle: func(ctx context.Context, ev *Event) Result {
			job, ok := p.findMessage(ev, p.promptQuery(ev, action))
			if !ok {
				return Continue
			}
			return p.complete(ctx, job, ev, nil)
		},
	}
}

func (p *Pipeline) complete(ctx context.Context, job *domain.Job, ev *Event, mut func(d *domain.JobData)) Result {
	if !p.handled.mark(handledKey("result", ev.MessageID())) {
		return Stop
	}
	p.succeed(ctx, job, ev, mut)
	return Stop
}

func (p *Pipeline) handleShow(ctx context.Context, ev *Event) Result {
	q := p.promptQuery(ev, domain.ActionShow)
	if q.ImageHash == "" {
		return Continue
	}
	job, ok := p.find(correlate.Query{ImageHash: q.ImageHash, Action: domain.ActionShow})
	if !ok {
		return Continue
	}
	return p.complete(ctx, job, ev, nil)
}

// genericActions are tried in order for "<Label> by <@id>" results.
var genericActions = []domain.Action{
	domain.ActionZoom,
	domain.ActionPan,
	domain.ActionCustomZoom,
	domain.ActionRemix,
	domain.ActionGeneric,
}

func (p *Pipeline) handleGenericAction(ctx context.Context, ev *Event) Result {
	for _, a := range genericActions {
		if job, ok := p.findMessage(ev, p.promptQuery(ev, a)); ok {
			return p.complete(ctx, job, ev, nil)
		}
	}
	return Continue
}

// handleListing completes describe and shorten jobs, whose result is a list
// of suggested prompts in the embed.
func (p *Pipeline) handleListing(action domain.Action) func(ctx context.Context, ev *Event) Result {
	return func(ctx context.Context, ev *Event) Result {
		job, ok := p.findMessage(ev, correlate.Query{Action: action})
		if !ok {
			return Continue
		}
		em := ev.Embed()
		var prompts []string
		for _, m := range numberedRe.FindAllStringSubmatch(em.Description, -1) {
			prompts = append(prompts, strings.TrimSpace(m[1]))
		}
		return p.complete(ctx, job, ev, func(d *domain.JobData) {
			d.Props.Prompts = prompts
			d.Description = em.Description
		})
	}
}
