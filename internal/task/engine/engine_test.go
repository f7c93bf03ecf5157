package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reimportd/internal/eventbus"
)

func testConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     8,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logxNop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not finish")
		return nil
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := startEngine(t, testConfig(), nil)
	var calls atomic.Int32
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name: "check",
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("flaky")
			}
			return nil
		},
		OnDone: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("final err=%v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d want 3", calls.Load())
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Attempts != 3 || h[0].Error != "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s := startEngine(t, testConfig(), nil)
	var calls atomic.Int32
	bad := errors.New("bad day")
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name:   "check",
		Run:    func(context.Context) error { calls.Add(1); return NoRetry(bad) },
		OnDone: func(err error) { done <- err },
	})
	err := waitDone(t, done)
	if !errors.Is(err, bad) || IsNoRetry(err) {
		t.Fatalf("err=%v, want unwrapped %v", err, bad)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryMax = -1
	s := startEngine(t, cfg, nil)
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name:   "boom",
		Run:    func(context.Context) error { panic("boom") },
		OnDone: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err == nil {
		t.Fatalf("expected panic error")
	}

	// the worker survives
	done2 := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }, OnDone: func(err error) { done2 <- err }})
	if err := waitDone(t, done2); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestPendingCoversOnDone(t *testing.T) {
	t.Parallel()

	s := startEngine(t, testConfig(), nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "check",
		Run:  func(context.Context) error { return nil },
		OnDone: func(err error) {
			close(entered)
			<-release
			done <- err
		},
	})
	<-entered
	if got := s.Pending(); got != 1 {
		t.Fatalf("pending during OnDone=%d want 1", got)
	}
	close(release)
	waitDone(t, done)
	deadline := time.Now().Add(time.Second)
	for s.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending=%d after OnDone", s.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCircuitOpensAfterTrip(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryMax = -1
	cfg.CircuitTripFailures = 2
	cfg.CircuitBaseDelay = time.Minute
	s := startEngine(t, cfg, nil)

	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		if err := s.Enqueue(Task{
			Name:   "elastic",
			Run:    func(context.Context) error { return errors.New("down") },
			OnDone: func(err error) { done <- err },
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		waitDone(t, done)
	}

	err := s.Enqueue(Task{Name: "elastic", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err=%v want ErrCircuitOpen", err)
	}
	if err := s.Enqueue(Task{Name: "other", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("other key blocked: %v", err)
	}
	if snap := s.Snapshot(); snap.CircuitOpen != 1 {
		t.Fatalf("circuit_open=%d", snap.CircuitOpen)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()

	s := startEngine(t, testConfig(), nil)
	block := make(chan struct{})
	done := make(chan error, 1)
	opt := TaskOptions{Overlap: OverlapSkipIfRunning}
	if err := s.Enqueue(Task{
		Name:   "sweep",
		Opt:    opt,
		Run:    func(context.Context) error { <-block; return nil },
		OnDone: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "sweep", Opt: opt, Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err=%v want ErrOverlapSkip", err)
	}
	close(block)
	waitDone(t, done)

	// The gate is released before OnDone, so a new run is accepted now.
	if err := s.Enqueue(Task{Name: "sweep", Opt: opt, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after release: %v", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	bus := eventbus.New()
	dropped, unsub := eventbus.SubscribePrefix(bus, 4, EventTaskDropped)
	defer unsub()
	s := startEngine(t, cfg, bus)

	block := make(chan struct{})
	started := make(chan struct{})
	defer close(block)
	_ = s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	select {
	case ev := <-dropped:
		if ev.Data.(TaskEvent).Name != "c" {
			t.Fatalf("dropped=%+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no drop event")
	}
}

func TestStopFailsQueuedTasks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Workers = 1
	s := New(cfg, logxNop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	var mu sync.Mutex
	var got error
	_ = s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, OnDone: func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(got, ErrStopped) {
		t.Fatalf("queued task err=%v want ErrStopped", got)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending=%d", s.Pending())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
			t.Fatalf("retry %d: got %v want %v", tt.retry, got, tt.want)
		}
	}

	hinted := RetryAfter(errors.New("429"), 5*time.Second)
	if got := backoffDelayWithHint(opt, 1, hinted, nil); got != time.Second {
		t.Fatalf("hint not capped: %v", got)
	}

	opt.RetryJitter = 0.2
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := backoffDelay(opt, 1, rng)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}
