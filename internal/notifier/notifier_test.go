package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reimportd/internal/eventbus"
	"reimportd/internal/reimport"
	"reimportd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) Send(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.m[key]
	return t, ok, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		ChatID:        42,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Hour,
	}
}

func TestNotifyRetriesThenSends(t *testing.T) {
	t.Parallel()

	snd := &fakeSender{fails: 2}
	s := New(testConfig(), snd, nil, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Notify(ctx, Alert{Kind: "k", Key: "a", Text: "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 1 })
	if calls, _ := snd.snapshot(); calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
	if h := s.History(); len(h) != 1 || h[0].Text != "hello" {
		t.Fatalf("history=%v", h)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if err := s.Notify(ctx, Alert{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("notify after stop: %v", err)
	}
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	failed, unsubscribe := eventbus.SubscribePrefix(bus, 8, EventFailed)
	defer unsubscribe()

	snd := &fakeSender{fails: 100}
	s := New(testConfig(), snd, nil, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Notify(ctx, Alert{Kind: "k", Key: "a", Text: "x"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case ev := <-failed:
		if ae := ev.Data.(AlertEvent); ae.Error == "" {
			t.Fatalf("failed event without error")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no failed event")
	}
	if calls, _ := snd.snapshot(); calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestDedupSurvivesRestartThroughStore(t *testing.T) {
	t.Parallel()

	store := &memDedup{m: map[string]time.Time{}}
	snd := &fakeSender{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testConfig(), snd, store, logx.Nop(), nil)
	s.Start(ctx)
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, Alert{Key: "job.exhausted:2024-03-01:2024-03-02", Text: "x"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 1 })
	s.Stop(ctx)

	// a fresh service backed by the same store stays quiet
	s2 := New(testConfig(), snd, store, logx.Nop(), nil)
	s2.Start(ctx)
	defer s2.Stop(ctx)
	if err := s2.Notify(ctx, Alert{Key: "job.exhausted:2024-03-01:2024-03-02", Text: "x"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := s2.Notify(ctx, Alert{Key: "other", Text: "y"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 2 })
	time.Sleep(20 * time.Millisecond)
	if _, sent := snd.snapshot(); len(sent) != 2 || sent[1] != "y" {
		t.Fatalf("sent=%v", sent)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSender{}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}

func TestAlertFor(t *testing.T) {
	t.Parallel()

	ev := eventbus.Event{Type: reimport.EventExhausted, Data: reimport.JobEvent{
		From: "2024-03-01", To: "2024-03-02", Attempts: 3, Handle: "abc", Error: "a<b",
	}}
	a, ok := AlertFor(ev)
	if !ok {
		t.Fatalf("exhausted should alert")
	}
	if a.Key != "job.exhausted:2024-03-01:2024-03-02" {
		t.Fatalf("key=%q", a.Key)
	}
	for _, want := range []string{"2024-03-01 .. 2024-03-02", "Attempts: 3", "<code>abc</code>", "a&lt;b"} {
		if !strings.Contains(a.Text, want) {
			t.Fatalf("text %q missing %q", a.Text, want)
		}
	}

	if _, ok := AlertFor(eventbus.Event{Type: reimport.EventFinished, Data: reimport.JobEvent{}}); ok {
		t.Fatalf("finished must not alert")
	}
	if _, ok := AlertFor(eventbus.Event{Type: reimport.EventFailed, Data: "junk"}); ok {
		t.Fatalf("unexpected payload must not alert")
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(testConfig(), snd, nil, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	go func() { _ = s.Run(ctx, bus) }()

	waitFor(t, func() bool { return bus.(eventbus.Stats).Subscribers() > 0 })
	bus.Publish(eventbus.Event{Type: reimport.EventStarted, Data: reimport.JobEvent{From: "2024-03-01", To: "2024-03-02"}})
	bus.Publish(eventbus.Event{Type: reimport.EventFailed, Data: reimport.JobEvent{From: "2024-03-01", To: "2024-03-02", Error: "launch"}})

	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 1 })
	if _, sent := snd.snapshot(); !strings.Contains(sent[0], "could not be launched") {
		t.Fatalf("sent=%v", sent)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	short := "hello"
	if got := splitText(short, 10); len(got) != 1 || got[0] != short {
		t.Fatalf("short=%v", got)
	}
	long := strings.Repeat("line one\n", 10)
	chunks := splitText(long, 30)
	if len(chunks) < 3 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 30 {
			t.Fatalf("chunk too long: %q", c)
		}
	}
	tagged := strings.Repeat("x", 8) + "<code>abc</code>"
	for _, c := range splitText(tagged, 10) {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("split inside tag: %q", c)
		}
	}
}
