package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"reimportd/internal/eventbus"
	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/internal/task/engine"
	"reimportd/pkg/logx"
)

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()

	m := New(Sources{}, logx.Nop())
	m.Observe(eventbus.Event{Type: reimport.EventEnqueued, Data: reimport.JobEvent{}})
	m.Observe(eventbus.Event{Type: reimport.EventDenied, Data: reimport.JobEvent{}})
	m.Observe(eventbus.Event{Type: reimport.EventStarted, Data: reimport.JobEvent{Attempts: 1}})
	m.Observe(eventbus.Event{Type: reimport.EventExhausted, Data: reimport.JobEvent{Attempts: 3}})
	m.Observe(eventbus.Event{Type: engine.EventTaskFailed})
	m.Observe(eventbus.Event{Type: reconcile.EventChecked, Data: reconcile.Result{
		Verdict: reconcile.VerdictReimport,
		Diff:    reconcile.Diff{Day: "2024-03-01", Delta: -4},
	}})
	m.Observe(eventbus.Event{Type: "something.else"})

	if got := testutil.ToFloat64(m.admissions.WithLabelValues("enqueued")); got != 1 {
		t.Fatalf("enqueued=%v", got)
	}
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("denied")); got != 1 {
		t.Fatalf("denied=%v", got)
	}
	if got := testutil.ToFloat64(m.jobEvents.WithLabelValues("exhausted")); got != 1 {
		t.Fatalf("exhausted=%v", got)
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("failed")); got != 1 {
		t.Fatalf("task failed=%v", got)
	}
	if got := testutil.ToFloat64(m.checks.WithLabelValues("reimport")); got != 1 {
		t.Fatalf("verdict=%v", got)
	}
	if got := testutil.ToFloat64(m.lastDelta.WithLabelValues("2024-03-01")); got != -4 {
		t.Fatalf("delta=%v", got)
	}
	if got := testutil.ToFloat64(m.eventsUnknown); got != 1 {
		t.Fatalf("unknown=%v", got)
	}
	if got := testutil.ToFloat64(m.eventsSeen); got != 7 {
		t.Fatalf("seen=%v", got)
	}
	// only the terminal event is observed
	if n := histogramCount(t, m, "reimportd_jobs_attempts"); n != 1 {
		t.Fatalf("attempts observations=%d", n)
	}
}

func histogramCount(t *testing.T, m *Metrics, name string) uint64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var n uint64
		for _, mt := range mf.GetMetric() {
			n += mt.GetHistogram().GetSampleCount()
		}
		return n
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	m := New(Sources{Bus: bus.(eventbus.Stats)}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.(eventbus.Stats).Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sink never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(eventbus.Event{Type: reimport.EventFinished, Data: reimport.JobEvent{Attempts: 1}})

	for testutil.ToFloat64(m.jobEvents.WithLabelValues("finished")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("event not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandlerExposesSnapshotGauges(t *testing.T) {
	t.Parallel()

	src := Sources{
		Scheduler: func() reimport.Snapshot {
			return reimport.Snapshot{
				Config:     reimport.SnapshotConfig{PoolSize: 2},
				Running:    1,
				Pending:    3,
				LedgerDays: 4,
				Jobs: []reimport.JobView{
					{State: "running"},
					{State: "ready"},
					{State: "ready"},
				},
			}
		},
		Engine: func() engine.Snapshot {
			return engine.Snapshot{QueueLen: 5, InFlight: 1, Pending: 6, Dropped: 2, CircuitOpen: 1}
		},
	}
	m := New(src, logx.Nop())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"reimportd_pool_size 2",
		"reimportd_pool_running 1",
		"reimportd_pool_pending 3",
		"reimportd_ledger_days 4",
		`reimportd_jobs_live{state="ready"} 2`,
		"reimportd_checks_queue_len 5",
		"reimportd_checks_dropped_total 2",
		"reimportd_checks_circuit_open 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
