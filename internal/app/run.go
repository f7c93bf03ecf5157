package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/pkg/logx"
)

// DayReport is the last check seen for one day.
type DayReport struct {
	Day     string            `json:"day"`
	Checks  int               `json:"checks"`
	Verdict reconcile.Verdict `json:"verdict,omitempty"`
	Diff    reconcile.Diff    `json:"diff"`
	Error   string            `json:"error,omitempty"`
}

// Unresolved is a reimport that gave up or could not be launched.
type Unresolved struct {
	Range    string `json:"range"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Session  string `json:"session,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RunSummary struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Days       int               `json:"days"`
	Reports    []DayReport       `json:"reports"`
	Unresolved []Unresolved      `json:"unresolved,omitempty"`
	Counters   reimport.Counters `json:"counters"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// OK reports whether every day ended in agreement.
func (s RunSummary) OK() bool {
	if len(s.Unresolved) > 0 {
		return false
	}
	for _, r := range s.Reports {
		if r.Error != "" || r.Verdict != reconcile.VerdictOK {
			return false
		}
	}
	return true
}

type runReport struct {
	mu   sync.Mutex
	days map[string]*DayReport
	gave []Unresolved
}

func newRunReport() *runReport {
	return &runReport{days: map[string]*DayReport{}}
}

func (r *runReport) dayLocked(day string) *DayReport {
	d, ok := r.days[day]
	if !ok {
		d = &DayReport{Day: day}
		r.days[day] = d
	}
	return d
}

func (r *runReport) checked(res reconcile.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dayLocked(res.From)
	d.Checks++
	d.Verdict = res.Verdict
	d.Diff = res.Diff
	d.Error = ""
}

func (r *runReport) failed(rng reimport.DateRange, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dayLocked(rng.From.String())
	d.Checks++
	d.Error = err.Error()
}

func (r *runReport) unresolved(o reimport.Outcome) {
	u := Unresolved{
		Range:    o.Range.String(),
		State:    o.State.String(),
		Attempts: o.Attempts,
		Session:  string(o.Handle),
	}
	if o.Err != nil {
		u.Error = o.Err.Error()
	}
	r.mu.Lock()
	r.gave = append(r.gave, u)
	r.mu.Unlock()
}

func (r *runReport) snapshot() ([]DayReport, []Unresolved) {
	r.mu.Lock()
	defer r.mu.Unlock()
	days := make([]DayReport, 0, len(r.days))
	for _, d := range r.days {
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })
	return days, append([]Unresolved(nil), r.gave...)
}

// RunRange checks every day pair [d, d+1] for from <= d < to, reimports the
// days the downstream store is short on and blocks until all of that work,
// including re-checks after finished reimports, has drained.
func (a *App) RunRange(ctx context.Context, from, to reimport.Day) (RunSummary, error) {
	ranges := reconcile.Sweep(from, to)
	if len(ranges) == 0 {
		return RunSummary{}, fmt.Errorf("nothing to check: %s is not before %s", from, to)
	}
	if err := a.ensureCounters(ctx); err != nil {
		return RunSummary{}, err
	}

	started := time.Now()
	a.log.Info("process started",
		logx.String("from", from.String()),
		logx.String("to", to.String()),
		logx.Int("total_dates", len(ranges)),
	)
	a.engine.Start(ctx)

	var err error
	for _, r := range ranges {
		a.log.Info("will check", logx.String("from", r.From.String()), logx.String("to", r.To.String()))
		a.checksQueued.Add(1)
		if err = a.engine.Submit(ctx, a.checkTask(r)); err != nil {
			err = fmt.Errorf("queue check %s: %w", r, err)
			break
		}
	}
	if err == nil {
		err = a.waitDrained(ctx)
	}

	days, gave := a.report.snapshot()
	sum := RunSummary{
		From:       from.String(),
		To:         to.String(),
		Days:       len(ranges),
		Reports:    days,
		Unresolved: gave,
		Counters:   a.sched.Snapshot().Counters,
		Elapsed:    time.Since(started),
	}
	a.log.Info("process finished",
		logx.Int("total_dates", sum.Days),
		logx.Int64("total_imports", sum.Counters.Finished),
		logx.Int("unresolved", len(gave)),
		logx.Duration("elapsed", sum.Elapsed),
	)
	return sum, err
}

func (a *App) waitDrained(ctx context.Context) error {
	t := time.NewTicker(a.drainPoll)
	defer t.Stop()
	for !a.drained() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// drained reports whether no check and no reimport is left.
//
// A finishing job queues its re-check before it frees its pool slot, and a
// check enqueues its reimport before it completes, so work only moves between
// the engine and the scheduler with an overlap. Reading engine, scheduler,
// engine and requiring no new check in between closes the remaining gap.
func (a *App) drained() bool {
	queued := a.checksQueued.Load()
	if a.engine.Pending() != 0 || a.sched.HasPendingWork() || a.engine.Pending() != 0 {
		return false
	}
	return a.checksQueued.Load() == queued
}

