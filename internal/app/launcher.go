package app

import (
	"context"
	"fmt"
	"time"

	"reimportd/internal/reimport"
	"reimportd/internal/storage"
)

// sessionLauncher launches reimports as update sessions in the job-status
// store. The importer picks up ready sessions and marks them finished.
type sessionLauncher struct {
	store storage.Store
	imp   importSettings
}

// window returns the session bounds for r: [From+offset, To+offset-1s] in UTC.
func (l *sessionLauncher) window(r reimport.DateRange) (time.Time, time.Time) {
	from := r.From.Time(time.UTC).Add(l.imp.Offset)
	to := r.To.Time(time.UTC).Add(l.imp.Offset - time.Second)
	return from, to
}

func (l *sessionLauncher) CreateJob(ctx context.Context, r reimport.DateRange) (reimport.Handle, error) {
	if l.store == nil {
		return "", storage.ErrDisabled
	}
	from, to := l.window(r)
	s, err := l.store.CreateSession(ctx, storage.NewSession{
		Name:   l.imp.Prefix + r.From.String(),
		Source: l.imp.Source,
		From:   from,
		To:     to,
	})
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", r, err)
	}
	return reimport.Handle(s.ID), nil
}

func (l *sessionLauncher) Status(ctx context.Context, h reimport.Handle) (reimport.RemoteStatus, error) {
	if l.store == nil {
		return "", storage.ErrDisabled
	}
	st, err := l.store.SessionStatus(ctx, string(h))
	if err != nil {
		return "", err
	}
	switch st {
	case storage.StatusReady:
		return reimport.RemoteReady, nil
	case storage.StatusRunning:
		return reimport.RemoteRunning, nil
	case storage.StatusFinished:
		return reimport.RemoteFinished, nil
	default:
		return "", fmt.Errorf("session %s: unknown status %q", h, st)
	}
}
