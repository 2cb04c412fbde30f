// Package telegram delivers operator alerts and forwarded log lines through a
// Telegram bot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "mjrelay/internal/transport"
	"mjrelay/pkg/logx"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint.
	URL      string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// Bot sends text messages. It never polls for updates.
type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// Target is the default chat configured for this bot.
func (b *Bot) Target() kit.ChatTarget {
	return kit.ChatTarget{ChatID: b.cfg.ChatID, ThreadID: b.cfg.ThreadID}
}

// Send delivers text to to, split into chunks Telegram accepts.
func (b *Bot) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if to.ChatID == 0 {
		to = b.Target()
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := b.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SendText delivers a log line to the default chat.
func (b *Bot) SendText(ctx context.Context, text string) error {
	return b.Send(ctx, b.Target(), text, &kit.SendOptions{DisablePreview: true})
}

const textLimit = 4000

// splitText breaks s into chunks of at most limit runes, preferring newline
// boundaries and avoiding cuts inside an HTML tag when parseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
