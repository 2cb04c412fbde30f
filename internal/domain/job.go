package domain

import (
	"slices"
	"sync"
	"time"
)

// Image describes a vendor-hosted result or intermediate image.
type Image struct {
	URL      string `json:"url,omitempty"`
	ProxyURL string `json:"proxy_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Size     int    `json:"size,omitempty"`
}

// Button is a follow-on action offered by the vendor under a result message.
type Button struct {
	CustomID string `json:"custom_id"`
	Label    string `json:"label,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	Style    int    `json:"style,omitempty"`
	Type     int    `json:"type,omitempty"`
}

// JobProps holds optional, action-specific attributes.
type JobProps struct {
	// FinalPrompt is the prompt exactly as sent, including speed-mode flags and rehosted links.
	FinalPrompt string `json:"final_prompt,omitempty"`
	// ProgressMessageID is the vendor message that carries progress updates.
	ProgressMessageID string `json:"progress_message_id,omitempty"`
	// TargetMessageID is the message whose button a follow-on action presses.
	TargetMessageID string `json:"target_message_id,omitempty"`
	MessageFlags    int    `json:"message_flags,omitempty"`
	CustomID        string `json:"custom_id,omitempty"`
	// ShowHash is the vendor job hash a "show" job expects to see in the result filename.
	ShowHash string `json:"show_hash,omitempty"`
	// TermsAcknowledged is set once a terms-of-service prompt was answered for this job.
	TermsAcknowledged bool    `json:"terms_acknowledged,omitempty"`
	RemixAutoSubmit   bool    `json:"remix_auto_submit,omitempty"`
	Bot               BotKind `json:"bot,omitempty"`
	DomainID          string  `json:"domain_id,omitempty"`
	// ModalID and ModalCustomID identify the modal a remix or custom zoom
	// press opened; the follow-up submission answers it.
	ModalID       string `json:"modal_id,omitempty"`
	ModalCustomID string `json:"modal_custom_id,omitempty"`
	// ImageURLs are the inputs of describe and blend jobs.
	ImageURLs  []string `json:"image_urls,omitempty"`
	Dimensions string   `json:"dimensions,omitempty"`
	// Describe/shorten results.
	Prompts []string `json:"prompts,omitempty"`
}

// JobData is the persisted state of a job.
type JobData struct {
	ID          string    `json:"id"`
	Action      Action    `json:"action"`
	Prompt      string    `json:"prompt,omitempty"`
	PromptEn    string    `json:"prompt_en,omitempty"`
	PromptFull  string    `json:"prompt_full,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      JobStatus `json:"status"`
	Progress    string    `json:"progress,omitempty"`
	FailReason  string    `json:"fail_reason,omitempty"`

	Nonce         string   `json:"nonce,omitempty"`
	MessageID     string   `json:"message_id,omitempty"`
	MessageIDs    []string `json:"message_ids,omitempty"`
	InteractionID string   `json:"interaction_id,omitempty"`
	ImageHash     string   `json:"image_hash,omitempty"`

	SubmitTime time.Time `json:"submit_time,omitempty"`
	StartTime  time.Time `json:"start_time,omitempty"`
	FinishTime time.Time `json:"finish_time,omitempty"`

	Image   Image    `json:"image,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`

	AccountID string    `json:"account_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Mode      SpeedMode `json:"mode,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`

	Props JobProps `json:"props"`
}

// MatchPrompt returns the prompt correlation compares against: the
// translated prompt when present, else the raw one.
func (d JobData) MatchPrompt() string {
	if d.PromptEn != "" {
		return d.PromptEn
	}
	return d.Prompt
}

// HasMessage reports whether id is the job's message or one of its associated messages.
func (d JobData) HasMessage(id string) bool {
	if id == "" {
		return false
	}
	return d.MessageID == id || d.Props.ProgressMessageID == id || slices.Contains(d.MessageIDs, id)
}

func (d JobData) clone() JobData {
	d.MessageIDs = slices.Clone(d.MessageIDs)
	d.Buttons = slices.Clone(d.Buttons)
	d.Props.Prompts = slices.Clone(d.Props.Prompts)
	d.Props.ImageURLs = slices.Clone(d.Props.ImageURLs)
	return d
}

// Job is a tracked generation request. It is safe for concurrent use.
type Job struct {
	mu   sync.RWMutex
	data JobData
}

func NewJob(d JobData) *Job {
	if d.Status == "" {
		d.Status = StatusNotStart
	}
	return &Job{data: d.clone()}
}

func (j *Job) ID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.data.ID
}

func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.data.Status
}

// Data returns a copy of the current state.
func (j *Job) Data() JobData {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.data.clone()
}

// Update mutates the job under its lock. A status change made by fn that
// would regress the lifecycle is reverted; Update reports whether the status
// ended up different from before.
func (j *Job) Update(fn func(d *JobData)) (changed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	prev := j.data.Status
	fn(&j.data)
	if j.data.Status != prev && !CanTransition(prev, j.data.Status) {
		j.data.Status = prev
	}
	return j.data.Status != prev
}

// Transition moves the job to status to when the lifecycle allows it.
func (j *Job) Transition(to JobStatus, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.data.Status, to) {
		return false
	}
	j.data.Status = to
	switch to {
	case StatusSubmitted:
		if j.data.SubmitTime.IsZero() {
			j.data.SubmitTime = now
		}
	case StatusInProgress:
		if j.data.StartTime.IsZero() {
			j.data.StartTime = now
		}
	case StatusSuccess, StatusFailure:
		j.data.FinishTime = now
		if to == StatusSuccess {
			j.data.Progress = "100%"
		}
	}
	return true
}

// Fail marks the job failed with reason. It is a no-op on terminal jobs.
func (j *Job) Fail(reason string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.data.Status, StatusFailure) {
		return false
	}
	j.data.Status = StatusFailure
	j.data.FailReason = reason
	j.data.FinishTime = now
	return true
}

// AddMessageID associates a vendor message with the job.
func (j *Job) AddMessageID(id string) {
	if id == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !slices.Contains(j.data.MessageIDs, id) {
		j.data.MessageIDs = append(j.data.MessageIDs, id)
	}
}
