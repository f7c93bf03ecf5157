package reimport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// manualClock fires timers only from Advance, in due order.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	when    time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, when: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d and runs every timer due on the way.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.when
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

func (c *manualClock) nextDueLocked(target time.Time) *manualTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, k int) bool {
		if c.timers[i].when.Equal(c.timers[k].when) {
			return c.timers[i].seq < c.timers[k].seq
		}
		return c.timers[i].when.Before(c.timers[k].when)
	})
	if len(c.timers) == 0 || c.timers[0].when.After(target) {
		return nil
	}
	return c.timers[0]
}

// Active returns the number of armed timers.
func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// memJobStore hands out sequential handles; every job runs until finished by the test.
type memJobStore struct {
	mu        sync.Mutex
	seq       int
	status    map[Handle]RemoteStatus
	latest    map[DateRange]Handle
	creates   []DateRange
	failFrom  int // fail every CreateJob call numbered >= failFrom (1-based); 0 disables
	statusErr error
	queries   int
	// autoFinish reports every new handle as finished right away
	autoFinish bool
}

func newMemJobStore() *memJobStore {
	return &memJobStore{status: map[Handle]RemoteStatus{}, latest: map[DateRange]Handle{}}
}

func (s *memJobStore) CreateJob(_ context.Context, r DateRange) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.creates) + 1
	s.creates = append(s.creates, r)
	if s.failFrom > 0 && call >= s.failFrom {
		return "", fmt.Errorf("create %s: backend unavailable", r)
	}
	s.seq++
	h := Handle(fmt.Sprintf("h%d", s.seq))
	s.status[h] = RemoteReady
	if s.autoFinish {
		s.status[h] = RemoteFinished
	}
	s.latest[r] = h
	return h, nil
}

func (s *memJobStore) Status(_ context.Context, h Handle) (RemoteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.statusErr != nil {
		return "", s.statusErr
	}
	st, ok := s.status[h]
	if !ok {
		return "", fmt.Errorf("unknown handle %q", h)
	}
	return st, nil
}

func (s *memJobStore) finish(r DateRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.latest[r]; ok {
		s.status[h] = RemoteFinished
	}
}

func (s *memJobStore) finishHandle(h Handle) {
	s.mu.Lock()
	s.status[h] = RemoteFinished
	s.mu.Unlock()
}

func (s *memJobStore) setStatusErr(err error) {
	s.mu.Lock()
	s.statusErr = err
	s.mu.Unlock()
}

func (s *memJobStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates)
}

func (s *memJobStore) createdRanges() []DateRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DateRange(nil), s.creates...)
}

// outcomeLog records terminal outcomes in arrival order.
type outcomeLog struct {
	mu  sync.Mutex
	all []Outcome
}

func (l *outcomeLog) add(o Outcome) {
	l.mu.Lock()
	l.all = append(l.all, o)
	l.mu.Unlock()
}

func (l *outcomeLog) list() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.all...)
}

func testConfig() Config {
	return Config{
		PoolSize:          2,
		PollInterval:      5 * time.Minute,
		JobTimeLimit:      3 * time.Hour,
		MaxAttemptsPerJob: 3,
		MaxAttemptsPerDay: 3,
		StatusTimeout:     time.Second,
	}
}

func day(n int) Day { return NewDay(2024, time.March, n) }
