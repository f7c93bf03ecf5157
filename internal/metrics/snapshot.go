package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// snapshotCollector samples live state at scrape time so gauges never drift
// from what the scheduler and engine report.
type snapshotCollector struct {
	src Sources

	poolSize   *prometheus.Desc
	running    *prometheus.Desc
	pending    *prometheus.Desc
	ledgerDays *prometheus.Desc
	jobStates  *prometheus.Desc

	engQueueLen *prometheus.Desc
	engInFlight *prometheus.Desc
	engPending  *prometheus.Desc
	engDropped  *prometheus.Desc
	engCircuit  *prometheus.Desc

	busSubs    *prometheus.Desc
	busDropped *prometheus.Desc
}

func newSnapshotCollector(src Sources) *snapshotCollector {
	d := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	return &snapshotCollector{
		src: src,

		poolSize:   d("pool", "size", "Maximum number of concurrently running reimport jobs."),
		running:    d("pool", "running", "Reimport jobs currently running."),
		pending:    d("pool", "pending", "Reimport jobs waiting for a pool slot."),
		ledgerDays: d("ledger", "days", "Days tracked by the attempt ledger."),
		jobStates:  d("jobs", "live", "Jobs held by the pool, by state.", "state"),

		engQueueLen: d("checks", "queue_len", "Check tasks waiting in the engine queue."),
		engInFlight: d("checks", "in_flight", "Check tasks currently executing."),
		engPending:  d("checks", "pending", "Check tasks accepted but not yet completed."),
		engDropped:  d("checks", "dropped_total", "Check tasks dropped because the queue was full."),
		engCircuit:  d("checks", "circuit_open", "Check keys whose circuit breaker is open."),

		busSubs:    d("events", "subscribers", "Event bus subscribers."),
		busDropped: d("events", "dropped_total", "Events dropped for slow subscribers."),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolSize, c.running, c.pending, c.ledgerDays, c.jobStates,
		c.engQueueLen, c.engInFlight, c.engPending, c.engDropped, c.engCircuit,
		c.busSubs, c.busDropped,
	} {
		ch <- d
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	if c.src.Scheduler != nil {
		s := c.src.Scheduler()
		gauge(c.poolSize, float64(s.Config.PoolSize))
		gauge(c.running, float64(s.Running))
		gauge(c.pending, float64(s.Pending))
		gauge(c.ledgerDays, float64(s.LedgerDays))
		states := map[string]int{}
		for _, j := range s.Jobs {
			states[j.State]++
		}
		for st, n := range states {
			gauge(c.jobStates, float64(n), st)
		}
	}
	if c.src.Engine != nil {
		e := c.src.Engine()
		gauge(c.engQueueLen, float64(e.QueueLen))
		gauge(c.engInFlight, float64(e.InFlight))
		gauge(c.engPending, float64(e.Pending))
		counter(c.engDropped, float64(e.Dropped))
		gauge(c.engCircuit, float64(e.CircuitOpen))
	}
	if c.src.Bus != nil {
		gauge(c.busSubs, float64(c.src.Bus.Subscribers()))
		counter(c.busDropped, float64(c.src.Bus.Dropped()))
	}
}
