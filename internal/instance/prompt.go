package instance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mjrelay/internal/cache"
	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

var (
	modeFlagRe = regexp.MustCompile(`(?i)\s*--(?:fast|relax|turbo)\b`)
	linkRe     = regexp.MustCompile(`https?://[^\s<>"]+`)
)

// ResolveMode picks the speed mode a job runs in: the job's own request,
// then the account's forced mode, then relax once fast hours are exhausted.
func ResolveMode(requested domain.SpeedMode, acct domain.AccountData) domain.SpeedMode {
	switch {
	case requested != domain.ModeNone:
		return requested
	case acct.Mode != domain.ModeNone:
		return acct.Mode
	case acct.FastExhausted:
		return domain.ModeRelax
	}
	return domain.ModeNone
}

// ApplyMode replaces any speed flag in prompt with the flag for mode. With no
// mode the prompt is returned unchanged.
func ApplyMode(prompt string, mode domain.SpeedMode) string {
	if mode == domain.ModeNone {
		return prompt
	}
	return strings.TrimSpace(modeFlagRe.ReplaceAllString(prompt, "")) + " " + mode.Flag()
}

// Rehoster copies a remote file somewhere the vendor can fetch it.
type Rehoster interface {
	Rehost(ctx context.Context, url string) (string, error)
}

// channelRehoster re-uploads a remote file as an attachment in the account's
// first channel and returns the vendor's CDN link.
type channelRehoster struct{ i *Instance }

func (r channelRehoster) Rehost(ctx context.Context, url string) (string, error) {
	acct := r.i.acct.Data()
	if len(acct.ChannelIDs) == 0 {
		return "", ErrNoChannel
	}
	channelID := acct.ChannelIDs[0]
	data, name, err := r.i.client.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	up, err := r.i.client.Upload(ctx, channelID, name, data)
	if err != nil {
		return "", err
	}
	sent, err := r.i.client.SendMessage(ctx, channelID, "", NewNonce(r.i.deps.Now()), []Uploaded{up})
	if err != nil {
		return "", err
	}
	if len(sent.AttachmentURLs) == 0 {
		return "", fmt.Errorf("instance: message %s has no attachment", sent.ID)
	}
	return sent.AttachmentURLs[0], nil
}

const rehostPrefix = "rehost:"

// rehostMemo remembers rehosted URLs in the shared cache. Concurrent misses
// for one URL share a single upload.
type rehostMemo struct {
	r     Rehoster
	cache cache.Cache
	ttl   time.Duration
	group singleflight.Group
	log   logx.Logger
}

func newRehostMemo(r Rehoster, c cache.Cache, ttl time.Duration, log logx.Logger) *rehostMemo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &rehostMemo{r: r, cache: c, ttl: ttl, log: log}
}

func (m *rehostMemo) cached(ctx context.Context, url string) (string, bool) {
	if m.cache == nil {
		return "", false
	}
	v, ok, err := m.cache.Get(ctx, rehostPrefix+url)
	return v, err == nil && ok
}

func (m *rehostMemo) get(ctx context.Context, url string) (string, error) {
	if v, ok := m.cached(ctx, url); ok {
		return v, nil
	}
	v, err, _ := m.group.Do(url, func() (any, error) {
		if v, ok := m.cached(ctx, url); ok {
			return v, nil
		}
		out, err := m.r.Rehost(ctx, url)
		if err != nil {
			return "", err
		}
		if m.cache != nil {
			if err := m.cache.Set(ctx, rehostPrefix+url, out, m.ttl); err != nil {
				m.log.Warn("rehost memo write failed", logx.Err(err))
			}
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// rewrite replaces every link in prompt with its rehosted form.
func (m *rehostMemo) rewrite(ctx context.Context, prompt string) (string, error) {
	if m == nil || m.r == nil {
		return prompt, nil
	}
	var firstErr error
	out := linkRe.ReplaceAllStringFunc(prompt, func(link string) string {
		if firstErr != nil {
			return link
		}
		hosted, err := m.get(ctx, link)
		if err != nil {
			firstErr = fmt.Errorf("rehost %s: %w", link, err)
			return link
		}
		return hosted
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
