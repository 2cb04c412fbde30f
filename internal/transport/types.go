// Package transport holds the operator messaging types shared by the
// notifier and its delivery adapters.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id, 0 if none
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one operator alert.
type Notification struct {
	Channel  string // delivery adapter name, e.g. "telegram"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to an operator chat.
type Sender interface {
	Send(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
