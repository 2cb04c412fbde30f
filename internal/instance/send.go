package instance

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"mjrelay/internal/channel"
	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

// discordEpoch is the snowflake epoch in unix milliseconds.
const discordEpoch = 1420070400000

// NewNonce returns a snowflake-shaped nonce for now.
func NewNonce(now time.Time) string {
	ms := max(now.UnixMilli()-discordEpoch, 0)
	return strconv.FormatInt(ms<<22|rand.Int64N(1<<22), 10)
}

// SendFor builds the vendor call that starts job.
func (i *Instance) SendFor(job *domain.Job) (channel.SendFunc, error) {
	d := job.Data()
	switch d.Action {
	case domain.ActionImagine:
		return i.imagine(job), nil
	case domain.ActionShorten:
		return i.shorten(job), nil
	case domain.ActionDescribe:
		if len(d.Props.ImageURLs) == 0 {
			return nil, fmt.Errorf("%w: describe needs an image", ErrMissingInput)
		}
		return i.describe(job), nil
	case domain.ActionBlend:
		if n := len(d.Props.ImageURLs); n < 2 || n > 5 {
			return nil, fmt.Errorf("%w: blend needs 2 to 5 images, got %d", ErrMissingInput, n)
		}
		return i.blend(job), nil
	case domain.ActionShow:
		if d.Props.ShowHash == "" {
			return nil, fmt.Errorf("%w: show needs a job hash", ErrMissingInput)
		}
		return i.show(job), nil
	case domain.ActionUpscale, domain.ActionVariation, domain.ActionReroll, domain.ActionZoom,
		domain.ActionPan, domain.ActionCustomZoom, domain.ActionRemix, domain.ActionGeneric:
		if d.Props.TargetMessageID == "" || d.Props.CustomID == "" {
			return nil, fmt.Errorf("%w: follow-on action needs a message and custom id", ErrMissingInput)
		}
		if i.opensModal(d) {
			return i.pressAndSubmit(job), nil
		}
		return i.press(job), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, d.Action)
}

// opensModal reports whether pressing the job's button makes the vendor ask
// for a prompt first.
func (i *Instance) opensModal(d domain.JobData) bool {
	switch d.Action {
	case domain.ActionCustomZoom, domain.ActionRemix:
		return true
	case domain.ActionVariation, domain.ActionReroll, domain.ActionPan:
		return i.acct.Data().RemixOn
	}
	return false
}

// begin stamps a fresh nonce on job and moves it to submitted. The status
// change precedes the vendor call because the vendor may answer on the
// gateway before the HTTP response arrives.
func (i *Instance) begin(job *domain.Job) domain.JobData {
	nonce := NewNonce(i.deps.Now())
	job.Update(func(d *domain.JobData) { d.Nonce = nonce })
	job.Transition(domain.StatusSubmitted, i.deps.Now())
	i.commit(job)
	return job.Data()
}

func (i *Instance) sessionID() string {
	if id := i.conn.Session().ID; id != "" {
		return id
	}
	return i.fallbackSession
}

func (i *Instance) vars(d domain.JobData) Vars {
	return Vars{
		"application_id": i.client.ApplicationID(d.Props.Bot),
		"guild_id":       i.acct.Data().GuildID,
		"channel_id":     d.ChannelID,
		"session_id":     i.sessionID(),
		"nonce":          d.Nonce,
	}
}

// finalPrompt prepares the prompt as sent: links rehosted and the resolved
// speed mode applied. It records both on job.
func (i *Instance) finalPrompt(ctx context.Context, job *domain.Job) (string, error) {
	d := job.Data()
	prompt, err := i.memo.rewrite(ctx, d.MatchPrompt())
	if err != nil {
		return "", NoRetry(err)
	}
	mode := ResolveMode(d.Mode, i.acct.Data())
	prompt = ApplyMode(prompt, mode)
	job.Update(func(d *domain.JobData) {
		d.Mode = mode
		d.Props.FinalPrompt = prompt
	})
	return prompt, nil
}

func stringOption(name, value string) map[string]any {
	return map[string]any{"type": 3, "name": name, "value": value}
}

// command runs slash command name for job.
func (i *Instance) command(ctx context.Context, job *domain.Job, d domain.JobData, name string, options, attachments []any) error {
	vars := i.vars(d)
	cmd, err := i.client.Command(ctx, i.acct.Data().GuildID, vars["application_id"].(string), name)
	if err != nil {
		return err
	}
	if options == nil {
		options = []any{}
	}
	if attachments == nil {
		attachments = []any{}
	}
	vars["command_id"] = cmd.ID
	vars["command_version"] = cmd.Version
	vars["command_name"] = cmd.Name
	vars["command"] = cmd.Raw
	vars["options"] = options
	vars["attachments"] = attachments
	return i.retry(ctx, job, vars, func(ctx context.Context, v Vars) error {
		return i.client.Interact(ctx, "command", v)
	})
}

func (i *Instance) imagine(job *domain.Job) channel.SendFunc {
	return func(ctx context.Context) error {
		prompt, err := i.finalPrompt(ctx, job)
		if err != nil {
			return err
		}
		d := i.begin(job)
		return i.command(ctx, job, d, "imagine", []any{stringOption("prompt", prompt)}, nil)
	}
}

func (i *Instance) shorten(job *domain.Job) channel.SendFunc {
	return func(ctx context.Context) error {
		prompt, err := i.finalPrompt(ctx, job)
		if err != nil {
			return err
		}
		d := i.begin(job)
		return i.command(ctx, job, d, "shorten", []any{stringOption("prompt", prompt)}, nil)
	}
}

func (i *Instance) describe(job *domain.Job) channel.SendFunc {
	return func(ctx context.Context) error {
		link, err := i.memo.rewrite(ctx, job.Data().Props.ImageURLs[0])
		if err != nil {
			return NoRetry(err)
		}
		d := i.begin(job)
		return i.command(ctx, job, d, "describe", []any{stringOption("link", link)}, nil)
	}
}

func (i *Instance) show(job *domain.Job) channel.SendFunc {
	return func(ctx context.Context) error {
		d := i.begin(job)
		return i.command(ctx, job, d, "show", []any{stringOption("job_id", d.Props.ShowHash)}, nil)
	}
}

// blend downloads every input, stages it as an attachment and references
// the attachments as image options.
func (i *Instance) blend(job *domain.Job) channel.SendFunc {
	return func(ctx context.Context) error {
		d := job.Data()
		var (
			options     []any
			attachments []any
		)
		for n, url := range d.Props.ImageURLs {
			data, name, err := i.client.Fetch(ctx, url)
			if err != nil {
				return err
			}
			up, err := i.client.Upload(ctx, d.ChannelID, name, data)
			if err != nil {
				return err
			}
			options = append(options, map[string]any{"type": 11, "name": fmt.Sprintf("image%d", n+1), "value": n})
			attachments = append(attachments, map[string]any{
				"id":                strconv.Itoa(n),
				"filename":          up.Filename,
				"uploaded_filename": up.UploadedFilename,
			})
		}
		if d.Props.Dimensions != "" {
			options = append(options, stringOption("dimensions", "--ar "+d.Props.Dimensions))
		}
		d = i.begin(job)
		return i.command(ctx, job, d, "blend", options, attachments)
	}
}

// press clicks the job's button on its target message.
func (i *Instance) press(job *domain.Job) channel.SendFunc {
	return func(ctx context.Context) error {
		d := i.begin(job)
		vars := i.vars(d)
		vars["message_id"] = d.Props.TargetMessageID
		vars["custom_id"] = d.Props.CustomID
		vars["message_flags"] = d.Props.MessageFlags
		return i.retry(ctx, job, vars, func(ctx context.Context, v Vars) error {
			return i.client.Interact(ctx, "action", v)
		})
	}
}

// pressAndSubmit clicks the button, waits for the vendor's modal and submits
// the job's prompt into it.
func (i *Instance) pressAndSubmit(job *domain.Job) channel.SendFunc {
	press := i.press(job)
	return func(ctx context.Context) error {
		if err := press(ctx); err != nil {
			return err
		}
		if err := i.awaitModal(ctx, job); err != nil {
			return err
		}
		if job.Status().Terminal() {
			return nil
		}
		prompt, err := i.finalPrompt(ctx, job)
		if err != nil {
			return err
		}
		nonce := NewNonce(i.deps.Now())
		job.Update(func(d *domain.JobData) { d.Nonce = nonce })
		i.commit(job)

		d := job.Data()
		vars := i.vars(d)
		vars["modal_id"] = d.Props.ModalID
		vars["custom_id"] = d.Props.ModalCustomID
		vars["field_id"] = modalField(d.Props.ModalCustomID)
		vars["prompt"] = prompt
		return i.retry(ctx, job, vars, func(ctx context.Context, v Vars) error {
			return i.client.Interact(ctx, "modal", v)
		})
	}
}

func (i *Instance) awaitModal(ctx context.Context, job *domain.Job) error {
	timer := time.NewTimer(i.deps.ModalWait)
	defer timer.Stop()
	for {
		woken := i.deps.Hub.Watch(job.ID())
		d := job.Data()
		if d.Props.ModalID != "" || d.Status.Terminal() {
			return nil
		}
		select {
		case <-woken:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return NoRetry(ErrNoModal)
		}
	}
}

// modalField names the text input of the modal opened under customID.
func modalField(customID string) string {
	for _, prefix := range []string{"MJ::OutpaintCustomZoomModal::", "MJ::PanModal::"} {
		if strings.HasPrefix(customID, prefix) {
			return prefix + "prompt"
		}
	}
	return "MJ::RemixModal::new_prompt"
}

// Acknowledge presses the acknowledgement button of a moderation or terms
// message on behalf of job.
func (i *Instance) Acknowledge(ctx context.Context, job *domain.Job, messageID, customID string, flags int) error {
	d := job.Data()
	vars := i.vars(d)
	vars["nonce"] = NewNonce(i.deps.Now())
	vars["message_id"] = messageID
	vars["custom_id"] = customID
	vars["message_flags"] = flags
	return i.retry(ctx, nil, vars, func(ctx context.Context, v Vars) error {
		return i.client.Interact(ctx, "action", v)
	})
}

// RefreshInfo asks the vendor for the account's /info card; the pipeline
// records the answer.
func (i *Instance) RefreshInfo(ctx context.Context) error { return i.accountCommand(ctx, "info") }

// RefreshSettings asks for the /settings panel.
func (i *Instance) RefreshSettings(ctx context.Context) error {
	return i.accountCommand(ctx, "settings")
}

func (i *Instance) accountCommand(ctx context.Context, name string) error {
	if !i.IsAlive() {
		return ErrNotAlive
	}
	acct := i.acct.Data()
	if len(acct.ChannelIDs) == 0 {
		return ErrNoChannel
	}
	d := domain.JobData{ChannelID: acct.ChannelIDs[0], Nonce: NewNonce(i.deps.Now())}
	return i.command(ctx, nil, d, name, nil, nil)
}

// retry runs call under the vendor retry policy. Rate limits pause and try
// again; a missing message is retried once against a sibling message of the
// parent job; forbidden disables the account. A job that went terminal while
// the call was in flight discards the outcome.
func (i *Instance) retry(ctx context.Context, job *domain.Job, vars Vars, call func(ctx context.Context, v Vars) error) error {
	swapped := false
	for attempt := 1; ; attempt++ {
		err := call(ctx, vars)
		if err == nil {
			return nil
		}
		if job != nil && job.Status().Terminal() {
			i.log.Debug("vendor call outcome discarded", logx.String("job", job.ID()), logx.Err(err))
			return nil
		}
		switch StatusOf(err) {
		case http.StatusTooManyRequests:
			if !retryable(err) || attempt >= i.deps.MaxAttempts {
				return fmt.Errorf("rate limited after %d attempts: %w", attempt, err)
			}
			delay := i.deps.RetryDelay()
			i.log.Warn("vendor rate limited", logx.Int("attempt", attempt), logx.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		case http.StatusNotFound:
			if !swapped && job != nil {
				if id := i.siblingMessage(ctx, job, vars); id != "" {
					swapped = true
					vars["message_id"] = id
					job.Update(func(d *domain.JobData) { d.Props.TargetMessageID = id })
					i.log.Info("retrying with sibling message", logx.String("job", job.ID()), logx.String("message", id))
					continue
				}
			}
		case http.StatusForbidden:
			i.DisableAccount(ctx, "vendor refused the account: "+err.Error())
			return NoRetry(err)
		}
		return err
	}
}

// siblingMessage returns another message of the job's parent to press the
// same button on.
func (i *Instance) siblingMessage(ctx context.Context, job *domain.Job, vars Vars) string {
	current, _ := vars["message_id"].(string)
	if current == "" || i.deps.Jobs == nil {
		return ""
	}
	parentID := job.Data().ParentID
	if parentID == "" {
		return ""
	}
	parent, err := i.deps.Jobs.GetJob(ctx, parentID)
	if err != nil {
		return ""
	}
	ids := append([]string{parent.MessageID}, parent.MessageIDs...)
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == "" || id == current })
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}
