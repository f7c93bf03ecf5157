package app

import (
	"context"
	"sync"
	"time"

	"reimportd/internal/eventbus"
	"reimportd/internal/reimport"
	"reimportd/internal/storage"
	"reimportd/pkg/logx"
)

const auditBuffer = 1024

// auditLog appends every terminal job outcome to the store.
type auditLog struct {
	store storage.Store
	log   logx.Logger

	unsubscribe func()
	done        chan struct{}
	once        sync.Once
}

// startAudit subscribes before any job can run, so no outcome is missed.
func startAudit(bus eventbus.Bus, store storage.Store, log logx.Logger) *auditLog {
	a := &auditLog{store: store, log: log.With(logx.String("comp", "audit")), done: make(chan struct{})}
	if bus == nil || store == nil {
		close(a.done)
		return a
	}
	ch, unsubscribe := eventbus.SubscribePrefix(bus, auditBuffer, "job.")
	a.unsubscribe = unsubscribe
	go func() {
		defer close(a.done)
		for ev := range ch {
			a.record(ev)
		}
	}()
	return a
}

func (a *auditLog) record(ev eventbus.Event) {
	rec, ok := outcomeRecord(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.AppendOutcome(ctx, rec); err != nil {
		a.log.Warn("outcome not recorded", logx.String("job", rec.JobID), logx.String("state", rec.State), logx.Err(err))
	}
}

// Stop unsubscribes and writes whatever is still buffered.
func (a *auditLog) Stop(ctx context.Context) error {
	a.once.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcomeRecord(ev eventbus.Event) (storage.OutcomeRecord, bool) {
	switch ev.Type {
	case reimport.EventFinished, reimport.EventExhausted, reimport.EventFailed:
	default:
		return storage.OutcomeRecord{}, false
	}
	je, ok := ev.Data.(reimport.JobEvent)
	if !ok {
		return storage.OutcomeRecord{}, false
	}
	return storage.OutcomeRecord{
		At:       je.At,
		JobID:    je.JobID,
		From:     je.From,
		To:       je.To,
		State:    je.State,
		Session:  je.Handle,
		Attempts: je.Attempts,
		Error:    je.Error,
		Started:  je.Started,
		Ended:    je.At,
	}, true
}
