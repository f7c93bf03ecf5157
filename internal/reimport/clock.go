package reimport

import "time"

// Timer is a cancel token for a callback scheduled with Clock.AfterFunc.
//
// Stop is best-effort: a callback that already started still runs, so every
// callback re-checks job state before acting.
type Timer interface {
	Stop() bool
}

// Clock is the timer capability handed to each Job.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is backed by the runtime timer heap.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
