package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"reimportd/internal/config"
	"reimportd/internal/eventbus"
	"reimportd/internal/eventsink"
	"reimportd/internal/httpapi"
	"reimportd/internal/metrics"
	"reimportd/internal/notifier"
	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/internal/runtime/supervisor"
	"reimportd/internal/task/engine"
	"reimportd/internal/task/scheduler"
	"reimportd/pkg/logx"
)

const sweepName = "sweep"

// Done is closed when the daemon supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: checks engine, cron sweep, HTTP API, metrics,
// alerts, event forwarding and config hot reload.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateReload(c) })

	if err := a.ensureCounters(ctx); err != nil {
		return err
	}

	a.engine.Start(run)

	ss, err := mapScheduleConfig(cfg)
	if err != nil {
		return err
	}
	a.cron = scheduler.New(scheduler.Config{Timezone: cfg.Schedule.Timezone}, a.engine, a.log, a.bus)
	if ss.Enabled {
		if err := a.addSweep(ss); err != nil {
			return err
		}
	}
	a.cron.Start(run)

	stats, _ := a.bus.(eventbus.Stats)
	a.metrics = metrics.New(metrics.Sources{
		Scheduler: a.sched.Snapshot,
		Engine:    a.engine.Snapshot,
		Bus:       stats,
	}, a.log)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if err := a.startAlerts(run, cfg); err != nil {
		return err
	}

	if ec, ok := mapEventsConfig(cfg); ok {
		sink, err := eventsink.Connect(ec, a.log)
		if err != nil {
			return err
		}
		a.sink = sink
		a.sup.Go("events.nats", func(c context.Context) error { return sink.Run(c, a.bus) })
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	deps := httpapi.Deps{
		Log:      a.log,
		Snapshot: func() any { return a.Snapshot() },
		Health:   a.health,
		Checker:  a.reconciler(),
		Enqueuer: a.sched,
		Metrics:  a.metrics.Handler(),
		Pprof:    cfg.HTTP.Pprof,
	}
	if a.store != nil {
		deps.Sessions = a.store
	}
	a.http = httpapi.NewServer(hc, httpapi.NewRouter(deps), a.log)
	a.http.Start(run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()
	a.log.Info("daemon started",
		logx.Bool("sweep", ss.Enabled),
		logx.Bool("http", hc.Enabled),
		logx.Bool("alerts", a.notif != nil && a.notif.Enabled()),
		logx.Bool("events", a.sink != nil),
	)
	return nil
}

func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if a.sched.Snapshot().Closed {
		return reimport.ErrClosed
	}
	return nil
}

// addSweep registers the sweep. A trigger that fires while the previous sweep
// is still queued or running is skipped.
func (a *App) addSweep(ss scheduleSettings) error {
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
	return a.cron.AddScheduleOpt(sweepName, ss.Spec, time.Minute, opt, func(ctx context.Context) error {
		return a.sweep(ctx, ss)
	})
}

// sweepRanges covers the lookback days before today.
func sweepRanges(today reimport.Day, lookback int) []reimport.DateRange {
	return reconcile.Sweep(today.AddDays(-lookback), today)
}

// sweep queues one check per recent day. It never retries itself: a check
// that could not be queued is picked up by the next sweep.
func (a *App) sweep(ctx context.Context, ss scheduleSettings) error {
	today := reimport.DayOf(time.Now().In(ss.Location))
	var errs []error
	queued := 0
	for _, r := range sweepRanges(today, ss.Lookback) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.queueCheck(r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.From, err))
			continue
		}
		queued++
	}
	a.log.Info("sweep queued checks", logx.Int("queued", queued), logx.Int("lookback_days", ss.Lookback))
	if err := errors.Join(errs...); err != nil {
		return engine.NoRetry(err)
	}
	return nil
}

func (a *App) startAlerts(ctx context.Context, cfg *config.Config) error {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if a.sender == nil && ncfg.Enabled {
		tg, err := notifier.NewTelegram(alertsToken(cfg))
		if err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
		a.sender = tg
	}
	var dedup notifier.DedupStore
	if a.store != nil {
		dedup = a.store
	}
	a.notif = notifier.New(ncfg, a.sender, dedup, a.log, a.bus)
	a.notif.Start(ctx)
	a.sup.Go("alerts", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	return nil
}

// notifySystemd reports readiness and, when the unit has WatchdogSec, pings
// the watchdog at half the interval.
func (a *App) notifySystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if a.health() == nil {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

// restartSections cannot change while running.
var restartSections = map[string]bool{
	"reimport": true,
	"import":   true,
	"storage":  true,
	"sources":  true,
	"events":   true,
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.applyConfig(ctx, newCfg, sections)
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if a.logs != nil {
		if err := a.logs.Apply(mapLogConfig(cfg)); err != nil {
			a.log.Warn("logging config not fully applied", logx.Err(err))
		}
	}

	if ec, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid checks config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}

	if ss, err := mapScheduleConfig(cfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		a.cron.Apply(scheduler.Config{Timezone: cfg.Schedule.Timezone})
		if ss.Enabled {
			if err := a.addSweep(ss); err != nil {
				a.log.Warn("sweep not rescheduled", logx.Err(err))
			}
		} else if a.cron.Remove(sweepName) {
			a.log.Info("sweep disabled via config")
		}
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		if ncfg.Enabled && a.sender == nil {
			a.log.Warn("alerts enabled without a sender; restart required")
			ncfg.Enabled = false
		}
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("alerts disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("alerts enabled via config")
			a.notif.Start(ctx)
		}
	}
}

// Stop shuts everything down, one bounded step at a time. It is safe after
// a one-shot command as well as after Start, and only runs once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	if a.cron != nil {
		step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	}
	if a.http != nil {
		step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	}
	step("reimport", time.Second, func(context.Context) error { a.sched.Close(); return nil })
	step("checks", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.notif != nil {
		step("alerts", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}
	if a.sink != nil {
		step("events", 2*time.Second, func(context.Context) error { return a.sink.Close() })
	}
	step("audit", 2*time.Second, a.audit.Stop)
	step("counters", 2*time.Second, func(context.Context) error {
		a.cmu.Lock()
		set := a.counters
		a.cmu.Unlock()
		if set == nil {
			return nil
		}
		return set.Close()
	})
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
