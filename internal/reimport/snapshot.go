package reimport

import (
	"sort"
	"time"
)

type Counters struct {
	Enqueued   int64 `json:"enqueued"`
	Denied     int64 `json:"denied"`
	Started    int64 `json:"started"`
	Relaunched int64 `json:"relaunched"`
	Finished   int64 `json:"finished"`
	Exhausted  int64 `json:"exhausted"`
	Failed     int64 `json:"failed"`
}

type SnapshotConfig struct {
	PoolSize          int    `json:"pool_size"`
	PollInterval      string `json:"poll_interval"`
	JobTimeLimit      string `json:"job_time_limit"`
	MaxAttemptsPerJob int    `json:"max_attempts_per_job"`
	MaxAttemptsPerDay int    `json:"max_attempts_per_day"`
	Order             string `json:"order"`
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	At         time.Time      `json:"at"`
	Config     SnapshotConfig `json:"config"`
	Closed     bool           `json:"closed"`
	LedgerDays int            `json:"ledger_days"`
	Pending    int            `json:"pending"`
	Running    int            `json:"running"`
	Jobs       []JobView      `json:"jobs"`
	Counters   Counters       `json:"counters"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	jobs := s.pool.Jobs()
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	sort.SliceStable(views, func(i, k int) bool {
		ri, rk := views[i].State == StateRunning.String(), views[k].State == StateRunning.String()
		if ri != rk {
			return ri
		}
		if ri {
			return views[i].From < views[k].From
		}
		return false
	})

	return Snapshot{
		At: s.clock.Now(),
		Config: SnapshotConfig{
			PoolSize:          s.cfg.PoolSize,
			PollInterval:      s.cfg.PollInterval.String(),
			JobTimeLimit:      s.cfg.JobTimeLimit.String(),
			MaxAttemptsPerJob: s.cfg.MaxAttemptsPerJob,
			MaxAttemptsPerDay: s.cfg.MaxAttemptsPerDay,
			Order:             s.cfg.Order.String(),
		},
		Closed:     closed,
		LedgerDays: s.ledger.Len(),
		Pending:    s.pool.Pending(),
		Running:    s.pool.Running(),
		Jobs:       views,
		Counters: Counters{
			Enqueued:   s.stats.enqueued.Load(),
			Denied:     s.stats.denied.Load(),
			Started:    s.stats.started.Load(),
			Relaunched: s.stats.relaunched.Load(),
			Finished:   s.stats.finished.Load(),
			Exhausted:  s.stats.exhausted.Load(),
			Failed:     s.stats.failed.Load(),
		},
	}
}
