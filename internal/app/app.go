// Package app wires the reimport scheduler to its stores, counters and
// outer surfaces for the one-shot run and the daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"reimportd/internal/config"
	"reimportd/internal/eventbus"
	"reimportd/internal/eventsink"
	"reimportd/internal/httpapi"
	"reimportd/internal/metrics"
	"reimportd/internal/notifier"
	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/internal/runtime/supervisor"
	"reimportd/internal/storage"
	"reimportd/internal/task/engine"
	"reimportd/internal/task/scheduler"
	"reimportd/pkg/logx"
)

// checkKey groups every count check under one circuit breaker: they all hit
// the same two stores.
const checkKey = "counts"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	imp       importSettings
	drainPoll time.Duration

	sched  *reimport.Scheduler
	engine *engine.Service
	audit  *auditLog
	report *runReport

	// checksQueued only grows; drained() uses it to spot checks queued
	// while it was looking.
	checksQueued atomic.Int64

	cmu      sync.Mutex
	counters *counterSet
	rec      *reconcile.Reconciler

	// daemon only
	cron    *scheduler.Service
	http    *httpapi.Server
	notif   *notifier.Service
	sink    *eventsink.Sink
	metrics *metrics.Metrics
	sender  notifier.Sender

	stopOnce sync.Once
}

// deps are the collaborators Open builds from config; tests inject fakes.
type deps struct {
	store    storage.Store
	counters *counterSet
	sender   notifier.Sender
}

// Open loads the config file and builds the app. Counters connect lazily,
// on the first command that needs them.
func Open(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Warn("storage disabled; reimports cannot be launched")
		store = nil
	case err != nil:
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a, err := newApp(cfgm, cfg, log, deps{store: store})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	a.logs = logs
	return a, nil
}

func newApp(cfgm *config.Manager, cfg *config.Config, log logx.Logger, d deps) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	rc, drainPoll, err := mapReimportConfig(cfg)
	if err != nil {
		return nil, err
	}
	imp, err := mapImportConfig(cfg)
	if err != nil {
		return nil, err
	}
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	a := &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		bus:       bus,
		store:     d.store,
		imp:       imp,
		drainPoll: drainPoll,
		report:    newRunReport(),
		sender:    d.sender,
	}
	a.sched = reimport.New(rc, &sessionLauncher{store: d.store, imp: imp},
		reimport.WithLogger(log),
		reimport.WithBus(bus),
	)
	a.engine = engine.New(ec, log, bus)

	// A finished reimport is checked again; a day still short is enqueued
	// again until its attempt budget runs out.
	if err := a.sched.SetRelaunchFunc(a.recheck); err != nil {
		return nil, err
	}
	if err := a.sched.SetExhaustionFunc(a.report.unresolved); err != nil {
		return nil, err
	}
	if d.counters != nil {
		a.useCounters(d.counters)
	}
	a.audit = startAudit(bus, d.store, log)
	return a, nil
}

// DateLayout is the layout of dates given on the command line.
func (a *App) DateLayout() string { return a.imp.Layout }

func (a *App) Store() (storage.Store, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store, nil
}

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) useCounters(set *counterSet) {
	a.cmu.Lock()
	defer a.cmu.Unlock()
	a.counters = set
	a.rec = reconcile.New(set.auth, set.down, a.sched, a.log, a.bus)
}

func (a *App) ensureCounters(ctx context.Context) error {
	a.cmu.Lock()
	ready := a.rec != nil
	a.cmu.Unlock()
	if ready {
		return nil
	}
	set, err := openCounters(ctx, a.cfgm.Get())
	if err != nil {
		return err
	}
	a.useCounters(set)
	return nil
}

func (a *App) reconciler() *reconcile.Reconciler {
	a.cmu.Lock()
	defer a.cmu.Unlock()
	return a.rec
}

// CheckDay counts day in both stores without scheduling anything.
func (a *App) CheckDay(ctx context.Context, day reimport.Day) (reconcile.Diff, error) {
	if err := a.ensureCounters(ctx); err != nil {
		return reconcile.Diff{}, err
	}
	return a.reconciler().Difference(ctx, day)
}

// checkTask compares r.From and enqueues r when the downstream store is short.
func (a *App) checkTask(r reimport.DateRange) engine.Task {
	return engine.Task{
		Name: "check." + r.From.String(),
		Key:  checkKey,
		Run: func(ctx context.Context) error {
			rec := a.reconciler()
			if rec == nil {
				return engine.NoRetry(errors.New("counters not configured"))
			}
			res, err := rec.Check(ctx, r)
			if err != nil {
				if errors.Is(err, reimport.ErrClosed) {
					return engine.NoRetry(err)
				}
				return err
			}
			a.report.checked(res)
			return nil
		},
		OnDone: func(err error) {
			if err != nil {
				a.report.failed(r, err)
			}
		},
	}
}

// queueCheck never blocks; it is called from the scheduler's job callbacks.
func (a *App) queueCheck(r reimport.DateRange) error {
	a.checksQueued.Add(1)
	return a.engine.Enqueue(a.checkTask(r))
}

// recheck queues the check that confirms a finished reimport. A re-check the
// engine refuses lands in the day's report so the stale verdict is not taken
// as the result.
func (a *App) recheck(r reimport.DateRange) {
	if err := a.queueCheck(r); err != nil {
		a.log.Warn("re-check not queued", logx.String("range", r.String()), logx.Err(err))
		a.report.failed(r, fmt.Errorf("re-check not queued: %w", err))
	}
}

// Snapshot is served on /v1/snapshot.
type Snapshot struct {
	At          time.Time                      `json:"at"`
	Reimport    reimport.Snapshot              `json:"reimport"`
	Checks      engine.Snapshot                `json:"checks"`
	Cron        *scheduler.Snapshot            `json:"cron,omitempty"`
	Supervisors map[string]supervisor.Snapshot `json:"supervisors,omitempty"`
	Alerts      []notifier.HistoryItem         `json:"alerts,omitempty"`
	Events      *EventsStats                   `json:"events,omitempty"`
}

type EventsStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (a *App) Snapshot() Snapshot {
	s := Snapshot{
		At:          time.Now(),
		Reimport:    a.sched.Snapshot(),
		Checks:      a.engine.Snapshot(),
		Supervisors: map[string]supervisor.Snapshot{},
	}
	if a.cron != nil {
		cs := a.cron.Snapshot()
		s.Cron = &cs
	}
	if a.sup != nil {
		s.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		s.Supervisors["checks"] = sup.Snapshot()
	}
	if a.http != nil {
		if sup := a.http.Supervisor(); sup != nil {
			s.Supervisors["http"] = sup.Snapshot()
		}
	}
	if a.notif != nil {
		if sup := a.notif.Supervisor(); sup != nil {
			s.Supervisors["alerts"] = sup.Snapshot()
		}
		s.Alerts = a.notif.History()
	}
	if a.sink != nil {
		p, f := a.sink.Stats()
		s.Events = &EventsStats{Published: p, Failed: f}
	}
	return s
}
