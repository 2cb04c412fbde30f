package notifier

import (
	"context"
	"fmt"

	"mjrelay/internal/eventbus"
	kit "mjrelay/internal/transport"
	"mjrelay/pkg/logx"
)

// Watch turns account alerts published on bus into notifications until ctx
// ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(64, eventbus.AccountDisabled, eventbus.ChallengeRaised)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n, ok := s.alertFor(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && ctx.Err() == nil {
				s.log.Warn("alert not queued", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) alertFor(ev eventbus.Event) (kit.Notification, bool) {
	s.mu.Lock()
	target := s.cfg.Target
	s.mu.Unlock()

	n := kit.Notification{Channel: "telegram", Target: target, Options: &kit.SendOptions{DisablePreview: true}}
	switch ev.Type {
	case eventbus.AccountDisabled:
		n.Priority = 9
		n.Text = fmt.Sprintf("Account %s disabled: %v", ev.AccountID, ev.Data)
	case eventbus.ChallengeRaised:
		n.Priority = 7
		url := ""
		if m, ok := ev.Data.(map[string]string); ok {
			url = m["url"]
		}
		n.Text = fmt.Sprintf("Account %s needs verification %s", ev.AccountID, url)
	default:
		return kit.Notification{}, false
	}
	return n, true
}
