package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedFirst is an interval schedule whose first run is pushed back by a
// fixed offset; later runs follow the interval.
type delayedFirst struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// makeIntervalScheduleWithSpread offsets the first run of an "@every"
// schedule by up to min(every, 30s), hashed from the name and start time.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte(now.Format(time.RFC3339Nano)))
	spread := time.Duration(h.Sum64() % uint64(limit))
	return &delayedFirst{every: base, first: now.Add(every + spread)}, spread
}
