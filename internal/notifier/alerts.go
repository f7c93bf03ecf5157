package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"

	"reimportd/internal/eventbus"
	"reimportd/internal/reimport"
	"reimportd/pkg/logx"
)

// Run turns terminal job failures on bus into alerts until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := eventbus.SubscribePrefix(bus, 64, "job.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a, ok := AlertFor(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && err != ErrDisabled {
				s.log.Warn("alert not queued", logx.String("key", a.Key), logx.Err(err))
			}
		}
	}
}

// AlertFor maps exhausted and failed job events to an alert.
func AlertFor(ev eventbus.Event) (Alert, bool) {
	je, ok := ev.Data.(reimport.JobEvent)
	if !ok {
		return Alert{}, false
	}
	var title string
	switch ev.Type {
	case reimport.EventExhausted:
		title = "Reimport gave up after timeouts"
	case reimport.EventFailed:
		title = "Reimport could not be launched"
	default:
		return Alert{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "Range: <code>%s .. %s</code>\n", html.EscapeString(je.From), html.EscapeString(je.To))
	if je.Attempts > 0 {
		fmt.Fprintf(&b, "Attempts: %d\n", je.Attempts)
	}
	if je.Handle != "" {
		fmt.Fprintf(&b, "Session: <code>%s</code>\n", html.EscapeString(je.Handle))
	}
	if je.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", html.EscapeString(je.Error))
	}
	return Alert{
		Kind: ev.Type,
		Key:  ev.Type + ":" + je.From + ":" + je.To,
		Text: strings.TrimRight(b.String(), "\n"),
	}, true
}
