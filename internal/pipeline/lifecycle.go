package pipeline

import (
	"context"
	"strings"

	"mjrelay/internal/correlate"
	"mjrelay/internal/domain"
	"mjrelay/internal/eventbus"
	"mjrelay/pkg/logx"
)

// Ban counter key prefixes in the shared cache.
const (
	BannedUserPrefix = "banned:user:"
	BannedIPPrefix   = "banned:ip:"
)

// progress moves job to in-progress and records the vendor's progress text
// and intermediate image. A job that already ended is left alone.
func (p *Pipeline) progress(ctx context.Context, job *domain.Job, ev *Event, text string) {
	if job.Status().Terminal() {
		return
	}
	img, hasImage := ev.Image()
	if hasImage && p.deps.Objects != nil {
		url, err := p.deps.Objects.PutIntermediate(ctx, job.Data(), img)
		if err != nil {
			p.log.Warn("store intermediate image failed", logx.String("job", job.ID()), logx.Err(err))
		} else if url != "" {
			img.URL = url
		}
	}
	now := p.now()
	applied := false
	job.Update(func(d *domain.JobData) {
		if d.Status.Terminal() {
			return
		}
		if d.Status != domain.StatusInProgress && domain.CanTransition(d.Status, domain.StatusInProgress) {
			d.Status = domain.StatusInProgress
			if d.StartTime.IsZero() {
				d.StartTime = now
			}
		}
		d.Progress = text
		if d.Props.ProgressMessageID == "" {
			d.Props.ProgressMessageID = ev.MessageID()
		}
		if d.PromptFull == "" {
			d.PromptFull = correlate.ExtractPrompt(ev.Content())
		}
		if hasImage {
			d.Image = img
		}
		applied = true
	})
	if !applied {
		return
	}
	job.AddMessageID(ev.MessageID())
	p.commit(ctx, job)
}

// succeed completes job from a result message. mut, when set, applies
// action-specific attributes before the status change.
func (p *Pipeline) succeed(ctx context.Context, job *domain.Job, ev *Event, mut func(d *domain.JobData)) {
	img, hasImage := ev.Image()
	buttons := ev.Buttons()
	job.Update(func(d *domain.JobData) {
		d.MessageID = ev.MessageID()
		if ev.Message != nil {
			d.Props.MessageFlags = int(ev.Message.Flags)
		}
		if echoed := correlate.ExtractPrompt(ev.Content()); echoed != "" {
			d.PromptFull = echoed
		}
		if hasImage {
			d.Image = img
			if h := ImageHash(img.Filename); h != "" {
				d.ImageHash = h
			}
		}
		if len(buttons) > 0 {
			d.Buttons = buttons
		}
		if mut != nil {
			mut(d)
		}
	})
	job.AddMessageID(ev.MessageID())
	if d := job.Data(); d.Status == domain.StatusSubmitted {
		job.Transition(domain.StatusInProgress, p.now())
	}
	job.Transition(domain.StatusSuccess, p.now())
	p.commit(ctx, job)
}

// fail moves job to failure. Banned-prompt and denied-image reasons count
// against the requesting user and address.
func (p *Pipeline) fail(ctx context.Context, job *domain.Job, reason string) {
	if !job.Fail(reason, p.now()) {
		return
	}
	if isBanReason(reason) {
		p.countBan(ctx, job.Data())
	}
	p.commit(ctx, job)
}

func isBanReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "banned prompt") || strings.Contains(r, "denied image")
}

func (p *Pipeline) countBan(ctx context.Context, d domain.JobData) {
	if p.deps.Cache == nil {
		return
	}
	for _, key := range []string{prefixed(BannedUserPrefix, d.UserID), prefixed(BannedIPPrefix, d.ClientIP)} {
		if key == "" {
			continue
		}
		if _, err := p.deps.Cache.Incr(ctx, key, p.deps.BanTTL); err != nil {
			p.log.Warn("ban counter failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func prefixed(prefix, id string) string {
	if id == "" {
		return ""
	}
	return prefix + id
}

// save persists job without notifying.
func (p *Pipeline) save(ctx context.Context, job *domain.Job) {
	if p.deps.Store == nil {
		return
	}
	if err := p.deps.Store.SaveJob(ctx, job.Data()); err != nil {
		p.log.Warn("save job failed", logx.String("job", job.ID()), logx.Err(err))
	}
}

// commit persists job, publishes the change and wakes its waiter.
func (p *Pipeline) commit(ctx context.Context, job *domain.Job) {
	p.save(ctx, job)
	d := job.Data()
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(eventbus.Event{
			Type:      eventbus.JobChanged,
			AccountID: d.AccountID,
			JobID:     d.ID,
			Data:      d,
		})
	}
	if p.deps.Hub != nil {
		p.deps.Hub.Wake(d.ID)
	}
}
