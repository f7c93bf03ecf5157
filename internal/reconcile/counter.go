package reconcile

import (
	"context"
	"time"

	"reimportd/internal/reimport"
)

// Counter returns the number of records a store holds for one day.
type Counter interface {
	Count(ctx context.Context, day reimport.Day) (int64, error)
}

type CounterFunc func(ctx context.Context, day reimport.Day) (int64, error)

func (f CounterFunc) Count(ctx context.Context, day reimport.Day) (int64, error) { return f(ctx, day) }

// dayBounds returns the first and last second of day in UTC.
func dayBounds(day reimport.Day) (time.Time, time.Time) {
	start := day.Time(time.UTC)
	return start, start.Add(24*time.Hour - time.Second)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
