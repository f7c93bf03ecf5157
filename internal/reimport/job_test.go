package reimport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reimportd/pkg/logx"
)

func newTestJob(t *testing.T, cfg Config, store *memJobStore, clk *manualClock) (*Job, *outcomeLog) {
	t.Helper()
	j := NewJob(DayRange(day(1)), cfg, store, clk, logx.Nop())
	log := &outcomeLog{}
	j.onTerminal = func(_ *Job, o Outcome) { log.add(o) }
	return j, log
}

func TestJobFinishesOnPoll(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, testConfig(), store, clk)

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if j.State() != StateRunning || j.Attempts() != 1 {
		t.Fatalf("state=%s attempts=%d", j.State(), j.Attempts())
	}
	if clk.Active() != 2 {
		t.Fatalf("expected poll and deadline timers, got %d", clk.Active())
	}

	clk.Advance(5 * time.Minute)
	if len(outcomes.list()) != 0 {
		t.Fatalf("job should still run")
	}

	store.finish(j.Range())
	clk.Advance(5 * time.Minute)

	got := outcomes.list()
	if len(got) != 1 || got[0].State != StateFinished || got[0].Attempts != 1 {
		t.Fatalf("outcomes=%+v", got)
	}
	if clk.Active() != 0 {
		t.Fatalf("timers left armed: %d", clk.Active())
	}
	clk.Advance(10 * time.Hour)
	if len(outcomes.list()) != 1 {
		t.Fatalf("terminal hook fired again")
	}
}

func TestJobRelaunchesUntilExhausted(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, testConfig(), store, clk)
	relaunches := 0
	j.onRelaunch = func(*Job, Outcome) { relaunches++ }

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(3 * time.Hour)
	if j.Attempts() != 2 || store.createCount() != 2 {
		t.Fatalf("after first deadline attempts=%d creates=%d", j.Attempts(), store.createCount())
	}
	clk.Advance(3 * time.Hour)
	if j.Attempts() != 3 || len(outcomes.list()) != 0 {
		t.Fatalf("after second deadline attempts=%d outcomes=%d", j.Attempts(), len(outcomes.list()))
	}
	clk.Advance(3 * time.Hour)

	got := outcomes.list()
	if len(got) != 1 || got[0].State != StateMaxAttemptsExceeded || got[0].Attempts != 3 {
		t.Fatalf("outcomes=%+v", got)
	}
	if relaunches != 2 || store.createCount() != 3 {
		t.Fatalf("relaunches=%d creates=%d", relaunches, store.createCount())
	}
	clk.Advance(24 * time.Hour)
	if len(outcomes.list()) != 1 || store.createCount() != 3 {
		t.Fatalf("activity after exhaustion")
	}
}

func TestJobRelaunchUsesNewHandle(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, testConfig(), store, clk)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := j.Handle()
	clk.Advance(3 * time.Hour)
	second := j.Handle()
	if first == second {
		t.Fatalf("relaunch kept handle %q", first)
	}

	// finishing the abandoned handle changes nothing
	store.finishHandle(first)
	clk.Advance(30 * time.Minute)
	if len(outcomes.list()) != 0 {
		t.Fatalf("abandoned handle completed the job")
	}
	store.finishHandle(second)
	clk.Advance(5 * time.Minute)
	if got := outcomes.list(); len(got) != 1 || got[0].State != StateFinished || got[0].Handle != second {
		t.Fatalf("outcomes=%+v", got)
	}
}

func TestJobDeadlineSeesFinished(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PollInterval = 4 * time.Hour
	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, cfg, store, clk)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	store.finish(j.Range())
	clk.Advance(3 * time.Hour)
	if got := outcomes.list(); len(got) != 1 || got[0].State != StateFinished {
		t.Fatalf("outcomes=%+v", got)
	}
	if store.createCount() != 1 {
		t.Fatalf("finished job was relaunched")
	}
}

func TestJobLaunchFailure(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	store.failFrom = 1
	j, outcomes := newTestJob(t, testConfig(), store, clk)

	err := j.Start(context.Background())
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("err=%v want ErrLaunchFailed", err)
	}
	if j.State() != StateLaunchFailed {
		t.Fatalf("state=%s", j.State())
	}
	if clk.Active() != 0 {
		t.Fatalf("timers armed after failed launch")
	}
	if len(outcomes.list()) != 0 {
		t.Fatalf("terminal hook must not fire from Start")
	}
	if err := j.Start(context.Background()); !errors.Is(err, ErrJobState) {
		t.Fatalf("restart err=%v want ErrJobState", err)
	}
}

func TestJobRelaunchFailure(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	store.failFrom = 2
	j, outcomes := newTestJob(t, testConfig(), store, clk)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(3 * time.Hour)

	got := outcomes.list()
	if len(got) != 1 || got[0].State != StateLaunchFailed {
		t.Fatalf("outcomes=%+v", got)
	}
	if !errors.Is(got[0].Err, ErrLaunchFailed) {
		t.Fatalf("err=%v", got[0].Err)
	}
	if clk.Active() != 0 {
		t.Fatalf("timers left armed: %d", clk.Active())
	}
}

func TestJobStatusErrorKeepsPolling(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, testConfig(), store, clk)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	store.finish(j.Range())
	store.setStatusErr(errors.New("connection reset"))
	clk.Advance(15 * time.Minute)
	if len(outcomes.list()) != 0 {
		t.Fatalf("status error must count as not finished")
	}
	store.setStatusErr(nil)
	clk.Advance(5 * time.Minute)
	if got := outcomes.list(); len(got) != 1 || got[0].State != StateFinished {
		t.Fatalf("outcomes=%+v", got)
	}
}

func TestJobCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, testConfig(), store, clk)

	j.Cancel()
	if j.State() != StateCancelled {
		t.Fatalf("cancel before start: state=%s", j.State())
	}
	if err := j.Start(context.Background()); !errors.Is(err, ErrJobState) {
		t.Fatalf("start after cancel err=%v", err)
	}

	j2, outcomes2 := newTestJob(t, testConfig(), store, clk)
	if err := j2.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	j2.Cancel()
	j2.Cancel()
	if clk.Active() != 0 {
		t.Fatalf("timers left armed: %d", clk.Active())
	}
	store.finish(j2.Range())
	clk.Advance(10 * time.Hour)
	if len(outcomes.list())+len(outcomes2.list()) != 0 {
		t.Fatalf("cancel fired terminal hook")
	}
	if j2.State() != StateCancelled {
		t.Fatalf("state=%s", j2.State())
	}
}

func TestJobStaleCallbackAfterRelaunch(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	store := newMemJobStore()
	j, outcomes := newTestJob(t, testConfig(), store, clk)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	j.mu.Lock()
	oldGen := j.gen
	j.mu.Unlock()
	first := j.Handle()

	clk.Advance(3 * time.Hour)
	store.finishHandle(first)

	// callbacks armed for the first launch arrive late
	j.onPoll(oldGen)
	j.onDeadline(oldGen)

	if len(outcomes.list()) != 0 {
		t.Fatalf("stale callback changed state: %+v", outcomes.list())
	}
	if j.State() != StateRunning || j.Attempts() != 2 {
		t.Fatalf("state=%s attempts=%d", j.State(), j.Attempts())
	}
}

func TestJobSimultaneousFinishFiresOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		clk := newManualClock()
		store := newMemJobStore()
		j := NewJob(DayRange(day(1)), testConfig(), store, clk, logx.Nop())
		var mu sync.Mutex
		fired := 0
		j.onTerminal = func(*Job, Outcome) {
			mu.Lock()
			fired++
			mu.Unlock()
		}
		if err := j.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		j.mu.Lock()
		gen := j.gen
		j.mu.Unlock()
		store.finish(j.Range())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); j.onPoll(gen) }()
		go func() { defer wg.Done(); j.onDeadline(gen) }()
		wg.Wait()

		if fired != 1 {
			t.Fatalf("iteration %d: terminal hook fired %d times", i, fired)
		}
	}
}
