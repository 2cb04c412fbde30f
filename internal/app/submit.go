package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mjrelay/internal/balancer"
	"mjrelay/internal/domain"
	"mjrelay/internal/instance"
	"mjrelay/internal/storage"
	"mjrelay/pkg/logx"
)

var (
	// ErrNoInstance is returned when no live account accepts the request.
	ErrNoInstance = errors.New("app: no available account")
	// ErrNoParent is returned when a follow-on names an unknown job.
	ErrNoParent = errors.New("app: parent job not found")
)

// Request describes a job to route.
type Request struct {
	Action     domain.Action
	Prompt     string
	PromptEn   string
	Mode       domain.SpeedMode
	Bot        domain.BotKind
	ImageURLs  []string
	Dimensions string
	ShowHash   string

	// ParentID names the job whose result message a follow-on action uses.
	ParentID        string
	CustomID        string
	TargetMessageID string
	MessageFlags    int

	UserID   string
	ClientIP string

	// AccountID pins the job to one account. AllowAccounts restricts the
	// candidates.
	AccountID     string
	AllowAccounts []string
	ChannelID     string
	DomainID      string
	IdleQueue     bool
	Continue      bool
	Remix         *bool
}

type Result struct {
	JobID     string `json:"job_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	instance.SubmitResult
}

// Submit picks an account for req and queues the job on it. A rejected
// submission is reported in the result, not as an error.
func (a *App) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Action == "" {
		req.Action = domain.ActionImagine
	}
	d := domain.JobData{
		ID:         uuid.NewString(),
		Action:     req.Action,
		Prompt:     strings.TrimSpace(req.Prompt),
		PromptEn:   strings.TrimSpace(req.PromptEn),
		UserID:     req.UserID,
		ClientIP:   req.ClientIP,
		Mode:       req.Mode,
		ParentID:   req.ParentID,
		SubmitTime: time.Now(),
		Props: domain.JobProps{
			TargetMessageID: req.TargetMessageID,
			MessageFlags:    req.MessageFlags,
			CustomID:        req.CustomID,
			ShowHash:        req.ShowHash,
			Bot:             req.Bot,
			DomainID:        req.DomainID,
			ImageURLs:       req.ImageURLs,
			Dimensions:      req.Dimensions,
		},
	}

	f := balancer.Filter{
		ChannelID:  req.ChannelID,
		InstanceID: req.AccountID,
		AllowIDs:   req.AllowAccounts,
		IdleQueue:  req.IdleQueue,
		Continue:   req.Continue,
		Remix:      req.Remix,
		Action:     req.Action,
		Bot:        req.Bot,
		DomainID:   req.DomainID,
	}
	if req.Mode != domain.ModeNone {
		f.Modes = []domain.SpeedMode{req.Mode}
	}
	channelID := req.ChannelID

	if req.Action.IsFollowOn() || req.ParentID != "" {
		if req.ParentID == "" {
			return Result{}, fmt.Errorf("%w: %s needs a parent job", instance.ErrMissingInput, req.Action)
		}
		parent, err := a.store.GetJob(ctx, req.ParentID)
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNoParent, req.ParentID)
		}
		if err != nil {
			return Result{}, fmt.Errorf("load parent job: %w", err)
		}
		// The vendor only accepts button presses from the account and
		// channel that own the message.
		f.InstanceID = parent.AccountID
		f.ChannelID = ""
		channelID = parent.ChannelID
		if d.Props.TargetMessageID == "" {
			d.Props.TargetMessageID = parent.MessageID
		}
		if d.Props.Bot == "" {
			d.Props.Bot = parent.Props.Bot
			f.Bot = parent.Props.Bot
		}
		// The vendor echoes the parent's prompt on follow-on results, so
		// prompt matching needs it when the result carries no interaction.
		if d.Prompt == "" {
			d.Prompt, d.PromptEn = parent.Prompt, parent.PromptEn
			d.PromptFull = parent.PromptFull
			d.Props.FinalPrompt = parent.Props.FinalPrompt
		}
	}

	inst, ok := a.bal.Choose(f)
	if !ok {
		a.log.Debug("no account for job", logx.String("action", string(req.Action)), logx.String("account", f.InstanceID))
		return Result{}, ErrNoInstance
	}
	if channelID != "" && !inst.Account().Data().OwnsChannel(channelID) {
		channelID = ""
	}
	d.Props.RemixAutoSubmit = inst.Account().Data().RemixAutoSubmit

	job := domain.NewJob(d)
	send, err := inst.SendFor(job)
	if err != nil {
		return Result{}, err
	}
	res := inst.Submit(job, send, channelID)
	if res.Code != instance.Rejected {
		a.log.Info("job submitted",
			logx.String("job", d.ID),
			logx.String("action", string(d.Action)),
			logx.String("account", inst.ID()),
			logx.String("code", res.Code.String()),
		)
	}
	return Result{JobID: d.ID, AccountID: inst.ID(), SubmitResult: res}, nil
}

// Job returns the stored state of a job.
func (a *App) Job(ctx context.Context, id string) (domain.JobData, error) {
	return a.store.GetJob(ctx, id)
}

// Cancel fails a queued or running job. It reports whether any account held it.
func (a *App) Cancel(jobID, reason string) bool {
	if reason == "" {
		reason = "canceled"
	}
	for _, inst := range a.bal.All() {
		if inst.Remove(jobID, reason) {
			a.log.Info("job canceled", logx.String("job", jobID), logx.String("account", inst.ID()))
			return true
		}
	}
	return false
}
