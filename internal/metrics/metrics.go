// Package metrics exposes Prometheus collectors for reimportd.
//
// Counters are fed from the event bus; gauges are sampled from the scheduler
// and check-engine snapshots at scrape time.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reimportd/internal/eventbus"
	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/internal/task/engine"
	"reimportd/pkg/logx"
)

const namespace = "reimportd"

// Sources are sampled on every scrape. Nil funcs are skipped.
type Sources struct {
	Scheduler func() reimport.Snapshot
	Engine    func() engine.Snapshot
	Bus       eventbus.Stats
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	jobEvents     *prometheus.CounterVec
	admissions    *prometheus.CounterVec
	jobAttempts   prometheus.Histogram
	tasks         *prometheus.CounterVec
	checks        *prometheus.CounterVec
	lastDelta     *prometheus.GaugeVec
	alerts        *prometheus.CounterVec
	eventsSeen    prometheus.Counter
	eventsUnknown prometheus.Counter
}

func New(src Sources, log logx.Logger) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),

		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "events_total",
			Help: "Reimport job lifecycle events by kind.",
		}, []string{"event"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "admissions_total",
			Help: "Enqueue requests by result (enqueued or denied).",
		}, []string{"result"}),
		jobAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "attempts",
			Help:    "Launch attempts used by jobs that reached a terminal state.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checks", Name: "tasks_total",
			Help: "Check-engine task events by kind.",
		}, []string{"event"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checks", Name: "verdicts_total",
			Help: "Count comparisons by verdict.",
		}, []string{"verdict"}),
		lastDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "checks", Name: "last_delta",
			Help: "Downstream minus authoritative count from the latest check of a day.",
		}, []string{"day"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "events_total",
			Help: "Alert pipeline events by kind (queued, sent, deduped, dropped, failed).",
		}, []string{"event"}),
		eventsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "consumed_total",
			Help: "Bus events consumed by the metrics sink.",
		}),
		eventsUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "unknown_total",
			Help: "Bus events the metrics sink did not recognise.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobEvents, m.admissions, m.jobAttempts, m.tasks, m.checks, m.lastDelta, m.alerts,
		m.eventsSeen, m.eventsUnknown,
		newSnapshotCollector(src),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		Registry:          m.reg,
		EnableOpenMetrics: true,
	})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	m.log.Debug("metrics sink started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe updates counters for a single event.
func (m *Metrics) Observe(ev eventbus.Event) {
	m.eventsSeen.Inc()
	switch {
	case ev.Type == reimport.EventEnqueued:
		m.admissions.WithLabelValues("enqueued").Inc()
	case ev.Type == reimport.EventDenied:
		m.admissions.WithLabelValues("denied").Inc()
	case strings.HasPrefix(ev.Type, "job."):
		kind := strings.TrimPrefix(ev.Type, "job.")
		m.jobEvents.WithLabelValues(kind).Inc()
		if je, ok := ev.Data.(reimport.JobEvent); ok && je.Attempts > 0 && isTerminalEvent(ev.Type) {
			m.jobAttempts.Observe(float64(je.Attempts))
		}
	case strings.HasPrefix(ev.Type, "task."):
		m.tasks.WithLabelValues(strings.TrimPrefix(ev.Type, "task.")).Inc()
	case strings.HasPrefix(ev.Type, "alert."):
		m.alerts.WithLabelValues(strings.TrimPrefix(ev.Type, "alert.")).Inc()
	case ev.Type == reconcile.EventChecked:
		res, ok := ev.Data.(reconcile.Result)
		if !ok {
			m.eventsUnknown.Inc()
			return
		}
		m.checks.WithLabelValues(string(res.Verdict)).Inc()
		m.lastDelta.WithLabelValues(res.Diff.Day).Set(float64(res.Diff.Delta))
	default:
		m.eventsUnknown.Inc()
	}
}

func isTerminalEvent(typ string) bool {
	switch typ {
	case reimport.EventFinished, reimport.EventExhausted, reimport.EventFailed:
		return true
	}
	return false
}
