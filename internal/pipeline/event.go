package pipeline

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/tidwall/gjson"

	"mjrelay/internal/domain"
	"mjrelay/internal/gateway"
)

// Dispatch event names the pipeline understands.
const (
	MessageCreate      = "MESSAGE_CREATE"
	MessageUpdate      = "MESSAGE_UPDATE"
	MessageDelete      = "MESSAGE_DELETE"
	InteractionCreate  = "INTERACTION_CREATE"
	InteractionSuccess = "INTERACTION_SUCCESS"
	InteractionFailure = "INTERACTION_FAILURE"
	// InteractionModal announces a modal opened by a button press.
	InteractionModal = "INTERACTION_MODAL_CREATE"
	ChannelCreate    = "CHANNEL_CREATE"
	ChannelDelete    = "CHANNEL_DELETE"
	ThreadCreate     = "THREAD_CREATE"
	ThreadDelete     = "THREAD_DELETE"
)

// Event is a decoded dispatch.
type Event struct {
	Type     string
	Seq      int64
	Received time.Time
	Raw      json.RawMessage

	// Message is set for MESSAGE_* events.
	Message *discordgo.Message
	// Channel is set for CHANNEL_* and THREAD_* events.
	Channel *discordgo.Channel

	Nonce string
	// InteractionID identifies the interaction the event answers: the id of
	// an INTERACTION_* event, or a message's interaction metadata.
	InteractionID   string
	InteractionName string
	// CustomID is the custom id of an opened modal.
	CustomID string
}

// Decode turns a gateway dispatch into an Event. It returns (nil, nil) for
// dispatch types the pipeline does not consume.
func Decode(d gateway.Dispatch) (*Event, error) {
	ev := &Event{Type: d.Type, Seq: d.Seq, Received: d.Received, Raw: d.Data}
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	raw := gjson.ParseBytes(d.Data)

	switch d.Type {
	case MessageCreate, MessageUpdate, MessageDelete:
		var m discordgo.Message
		if err := json.Unmarshal(d.Data, &m); err != nil {
			return nil, fmt.Errorf("pipeline: decode %s: %w", d.Type, err)
		}
		ev.Message = &m
		ev.Nonce = raw.Get("nonce").String()
		ev.InteractionID = firstNonEmpty(raw.Get("interaction_metadata.id").String(), raw.Get("interaction.id").String())
		ev.InteractionName = firstNonEmpty(raw.Get("interaction.name").String(), raw.Get("interaction_metadata.name").String())
	case InteractionCreate, InteractionSuccess, InteractionFailure, InteractionModal:
		ev.InteractionID = raw.Get("id").String()
		ev.Nonce = raw.Get("nonce").String()
		ev.CustomID = raw.Get("custom_id").String()
	case ChannelCreate, ChannelDelete, ThreadCreate, ThreadDelete:
		var c discordgo.Channel
		if err := json.Unmarshal(d.Data, &c); err != nil {
			return nil, fmt.Errorf("pipeline: decode %s: %w", d.Type, err)
		}
		ev.Channel = &c
	default:
		return nil, nil
	}
	return ev, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ChannelID returns the channel the event happened in, or "" when it has none.
func (e *Event) ChannelID() string {
	switch {
	case e.Message != nil:
		return e.Message.ChannelID
	case e.Channel != nil:
		return e.Channel.ID
	}
	return ""
}

func (e *Event) MessageID() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.ID
}

func (e *Event) Content() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Content
}

// IsMessage reports whether the event creates or edits a message.
func (e *Event) IsMessage() bool {
	return e.Message != nil && (e.Type == MessageCreate || e.Type == MessageUpdate)
}

// Embed returns the first embed, or nil.
func (e *Event) Embed() *discordgo.MessageEmbed {
	if e.Message == nil || len(e.Message.Embeds) == 0 {
		return nil
	}
	return e.Message.Embeds[0]
}

// Attachment returns the first attachment, or nil.
func (e *Event) Attachment() *discordgo.MessageAttachment {
	if e.Message == nil || len(e.Message.Attachments) == 0 {
		return nil
	}
	return e.Message.Attachments[0]
}

// ReferencedMessageID is the message a reply points at.
func (e *Event) ReferencedMessageID() string {
	if e.Message == nil || e.Message.MessageReference == nil {
		return ""
	}
	return e.Message.MessageReference.MessageID
}

// Image converts the first attachment, falling back to the first embed image.
func (e *Event) Image() (domain.Image, bool) {
	if a := e.Attachment(); a != nil {
		return domain.Image{
			URL:      a.URL,
			ProxyURL: a.ProxyURL,
			Filename: a.Filename,
			Width:    a.Width,
			Height:   a.Height,
			Size:     a.Size,
		}, true
	}
	if em := e.Embed(); em != nil && em.Image != nil && em.Image.URL != "" {
		return domain.Image{
			URL:      em.Image.URL,
			ProxyURL: em.Image.ProxyURL,
			Filename: path.Base(strings.SplitN(em.Image.URL, "?", 2)[0]),
			Width:    em.Image.Width,
			Height:   em.Image.Height,
		}, true
	}
	return domain.Image{}, false
}

// ImageHash extracts the vendor job hash from a result filename such as
// "user_a_cat_0f3c2a9e-1111-2222-3333-444455556666.png".
func ImageHash(filename string) string {
	name := strings.TrimSuffix(filename, path.Ext(filename))
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		name = name[i+1:]
	}
	if len(name) != 36 || strings.Count(name, "-") != 4 {
		return ""
	}
	return name
}

// Buttons flattens the message's action rows.
func (e *Event) Buttons() []domain.Button {
	if e.Message == nil {
		return nil
	}
	var out []domain.Button
	for _, c := range e.Message.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			b, ok := rc.(*discordgo.Button)
			if !ok || b.CustomID == "" {
				continue
			}
			btn := domain.Button{
				CustomID: b.CustomID,
				Label:    b.Label,
				Style:    int(b.Style),
				Type:     int(b.Type()),
			}
			if b.Emoji != nil {
				btn.Emoji = b.Emoji.Name
			}
			out = append(out, btn)
		}
	}
	return out
}

// LinkButtonURL returns the URL of the first link-style button.
func (e *Event) LinkButtonURL() string {
	if e.Message == nil {
		return ""
	}
	for _, c := range e.Message.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			if b, ok := rc.(*discordgo.Button); ok && b.URL != "" {
				return b.URL
			}
		}
	}
	return ""
}
