package reimport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"reimportd/internal/eventbus"
	"reimportd/pkg/logx"
)

// RelaunchFunc is called with the range of every successfully finished job.
// It may call Scheduler.Enqueue again.
type RelaunchFunc func(r DateRange)

// OutcomeFunc receives exhausted or failed job outcomes.
type OutcomeFunc func(o Outcome)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithContext sets the parent of every JobStore call. Close cancels it.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.parent = ctx
		}
	}
}

// Scheduler admits date ranges through a per-day Ledger and runs them as
// Jobs on a bounded Pool.
//
// Callbacks are registered with the Set* methods before the first Enqueue;
// after that the registrations are sealed.
type Scheduler struct {
	cfg    Config
	store  JobStore
	clock  Clock
	log    logx.Logger
	bus    eventbus.Bus
	parent context.Context

	ctx    context.Context
	cancel context.CancelFunc
	ledger *Ledger
	pool   *Pool

	mu        sync.Mutex
	sealed    bool
	closed    bool
	relaunch  RelaunchFunc
	exhausted OutcomeFunc
	failed    OutcomeFunc

	stats counters
}

type counters struct {
	enqueued   atomic.Int64
	denied     atomic.Int64
	started    atomic.Int64
	relaunched atomic.Int64
	finished   atomic.Int64
	exhausted  atomic.Int64
	failed     atomic.Int64
}

func New(cfg Config, store JobStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		clock:  SystemClock{},
		parent: context.Background(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.String("comp", "reimport"))
	s.ctx, s.cancel = context.WithCancel(s.parent)
	s.ledger = NewLedger(s.cfg.MaxAttemptsPerDay)
	s.pool = NewPool(s.ctx, s.cfg.PoolSize, s.cfg.Order, s.log, PoolHooks{
		Started: s.onJobStarted,
		Done:    s.onJobDone,
	})
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) SetRelaunchFunc(fn RelaunchFunc) error {
	return s.register(func() { s.relaunch = fn })
}

func (s *Scheduler) SetExhaustionFunc(fn OutcomeFunc) error {
	return s.register(func() { s.exhausted = fn })
}

// SetFailureFunc handles launch failures. Without one, failures go to the
// exhaustion callback.
func (s *Scheduler) SetFailureFunc(fn OutcomeFunc) error {
	return s.register(func() { s.failed = fn })
}

func (s *Scheduler) register(set func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSealed
	}
	set()
	return nil
}

// Enqueue admits r.From through the ledger and queues a job for r.
// A denied day is dropped and ErrAdmissionDenied is returned.
func (s *Scheduler) Enqueue(r DateRange) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sealed = true
	s.mu.Unlock()

	if !s.ledger.Admit(r.From) {
		s.stats.denied.Add(1)
		s.log.Warn("max attempts per day reached, dropping day",
			logx.String("day", r.From.String()),
			logx.Int("max", s.ledger.Max()),
		)
		s.publish(EventDenied, JobEvent{From: r.From.String(), To: r.To.String()})
		return ErrAdmissionDenied
	}

	j := NewJob(r, s.cfg, s.store, s.clock, s.log)
	j.onRelaunch = s.onJobRelaunched
	n, _ := s.ledger.Attempts(r.From)
	s.log.Info("reimport enqueued",
		logx.String("job", j.id),
		logx.String("range", r.String()),
		logx.Int("day_attempt", n),
	)
	s.stats.enqueued.Add(1)
	s.publish(EventEnqueued, jobEvent(j.Outcome(), s.clock.Now()))
	if err := s.pool.Enqueue(j); err != nil {
		// closed between the check above and here
		s.ledger.Refund(r.From)
		s.stats.enqueued.Add(-1)
		return err
	}
	return nil
}

// HasPendingWork reports whether any job is queued or running.
func (s *Scheduler) HasPendingWork() bool { return s.pool.HasPendingWork() }

// Wait blocks until no work is pending or ctx is done, checking every interval.
func (s *Scheduler) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for s.HasPendingWork() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close cancels all jobs and rejects further enqueues.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Close()
	s.cancel()
}

func (s *Scheduler) onJobStarted(j *Job) {
	s.stats.started.Add(1)
	s.publish(EventStarted, jobEvent(j.Outcome(), s.clock.Now()))
}

func (s *Scheduler) onJobRelaunched(_ *Job, o Outcome) {
	s.stats.relaunched.Add(1)
	s.publish(EventRelaunched, jobEvent(o, s.clock.Now()))
}

func (s *Scheduler) onJobDone(_ *Job, o Outcome) {
	s.mu.Lock()
	relaunch, exhausted, failed := s.relaunch, s.exhausted, s.failed
	s.mu.Unlock()

	ev := jobEvent(o, s.clock.Now())
	switch o.State {
	case StateFinished:
		total := s.stats.finished.Add(1)
		s.log.Info("reimport finished",
			logx.String("range", o.Range.String()),
			logx.Int("attempts", o.Attempts),
			logx.Int64("total_imports", total),
		)
		s.publish(EventFinished, ev)
		if relaunch != nil {
			relaunch(o.Range)
		}
	case StateMaxAttemptsExceeded:
		s.stats.exhausted.Add(1)
		s.log.Warn("reimport exhausted",
			logx.String("range", o.Range.String()),
			logx.Int("attempts", o.Attempts),
		)
		s.publish(EventExhausted, ev)
		if exhausted != nil {
			exhausted(o)
		}
	case StateLaunchFailed:
		s.stats.failed.Add(1)
		s.log.Error("reimport launch failed",
			logx.String("range", o.Range.String()),
			logx.Err(o.Err),
		)
		s.publish(EventFailed, ev)
		switch {
		case failed != nil:
			failed(o)
		case exhausted != nil:
			exhausted(o)
		}
	}
}

func (s *Scheduler) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func jobEvent(o Outcome, at time.Time) JobEvent {
	ev := JobEvent{
		JobID:    o.JobID,
		From:     o.Range.From.String(),
		To:       o.Range.To.String(),
		Handle:   string(o.Handle),
		State:    o.State.String(),
		Attempts: o.Attempts,
		Started:  o.Started,
		At:       at,
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}

// IsDenied reports whether err is an admission denial.
func IsDenied(err error) bool { return errors.Is(err, ErrAdmissionDenied) }
