package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reimportd/internal/eventbus"
	"reimportd/internal/reimport"
	"reimportd/pkg/logx"
)

type fakeEnqueuer struct {
	mu     sync.Mutex
	ranges []reimport.DateRange
	err    error
}

func (f *fakeEnqueuer) Enqueue(r reimport.DateRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ranges = append(f.ranges, r)
	return nil
}

func fixed(n int64) Counter {
	return CounterFunc(func(context.Context, reimport.Day) (int64, error) { return n, nil })
}

func TestCheckVerdicts(t *testing.T) {
	t.Parallel()

	day := reimport.NewDay(2024, 3, 1)
	rng := reimport.DayRange(day)
	tests := []struct {
		name     string
		auth     int64
		down     int64
		enqErr   error
		want     Verdict
		enqueued int
	}{
		{name: "short", auth: 10, down: 7, want: VerdictReimport, enqueued: 1},
		{name: "equal", auth: 10, down: 10, want: VerdictOK},
		{name: "ahead", auth: 10, down: 12, want: VerdictDownstreamAhead},
		{name: "denied", auth: 10, down: 0, enqErr: fmt.Errorf("day: %w", reimport.ErrAdmissionDenied), want: VerdictDenied},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			enq := &fakeEnqueuer{err: tt.enqErr}
			r := New(fixed(tt.auth), fixed(tt.down), enq, logx.Nop(), nil)
			res, err := r.Check(context.Background(), rng)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if res.Verdict != tt.want || res.Diff.Delta != tt.down-tt.auth {
				t.Fatalf("res=%+v", res)
			}
			if len(enq.ranges) != tt.enqueued {
				t.Fatalf("enqueued=%d want %d", len(enq.ranges), tt.enqueued)
			}
			if tt.enqueued == 1 && enq.ranges[0] != rng {
				t.Fatalf("enqueued %v want %v", enq.ranges[0], rng)
			}
		})
	}
}

func TestCheckErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	failing := CounterFunc(func(context.Context, reimport.Day) (int64, error) { return 0, boom })
	rng := reimport.DayRange(reimport.NewDay(2024, 3, 1))

	if _, err := New(failing, fixed(1), nil, logx.Nop(), nil).Check(context.Background(), rng); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if _, err := New(fixed(1), failing, nil, logx.Nop(), nil).Check(context.Background(), rng); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	enq := &fakeEnqueuer{err: reimport.ErrClosed}
	if _, err := New(fixed(2), fixed(1), enq, logx.Nop(), nil).Check(context.Background(), rng); !errors.Is(err, reimport.ErrClosed) {
		t.Fatalf("err=%v", err)
	}
}

func TestCheckPublishesResult(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := eventbus.SubscribePrefix(bus, 1, "reconcile.")
	defer unsub()

	r := New(fixed(1), fixed(1), nil, logx.Nop(), bus)
	if _, err := r.Check(context.Background(), reimport.DayRange(reimport.NewDay(2024, 3, 1))); err != nil {
		t.Fatalf("check: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventChecked || ev.Data.(Result).Verdict != VerdictOK {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	from := reimport.NewDay(2017, time.November, 7)
	got := Sweep(from, reimport.NewDay(2017, time.November, 12))
	if len(got) != 5 {
		t.Fatalf("len=%d want 5", len(got))
	}
	for i, r := range got {
		if r.From != from.AddDays(i) || r.To != from.AddDays(i+1) {
			t.Fatalf("range %d = %v", i, r)
		}
	}
	// crosses a month boundary
	got = Sweep(reimport.NewDay(2018, 2, 28), reimport.NewDay(2018, 3, 1))
	if len(got) != 1 || got[0].To != reimport.NewDay(2018, 3, 1) {
		t.Fatalf("got=%v", got)
	}
	if got := Sweep(from, from); len(got) != 0 {
		t.Fatalf("empty sweep=%v", got)
	}
}

func TestSQLCounterSQLite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auth.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE transits (id INTEGER PRIMARY KEY, inserted TEXT NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, ts := range []string{
		"2024-02-29 23:59:59",
		"2024-03-01 00:00:00",
		"2024-03-01 12:30:00",
		"2024-03-01 23:59:59",
		"2024-03-02 00:00:00",
	} {
		if _, err := db.Exec(`INSERT INTO transits(inserted) VALUES(?)`, ts); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	c, err := NewSQLCounter(db, SQLOptions{
		Query:       `SELECT COUNT(id) FROM transits WHERE inserted BETWEEN ? AND ?`,
		ParamLayout: "2006-01-02 15:04:05",
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	defer c.Close()
	n, err := c.Count(context.Background(), reimport.NewDay(2024, 3, 1))
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	if _, err := NewSQLCounter(db, SQLOptions{}); err == nil {
		t.Fatalf("empty query accepted")
	}
	if _, err := OpenSQLCounter("oracle", "x", SQLOptions{Query: "SELECT 1"}); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestMongoQuery(t *testing.T) {
	t.Parallel()

	c := newMongoCounter(nil, nil, MongoOptions{Filter: map[string]string{"source": "SICAM"}})
	q := c.query(reimport.NewDay(2024, 3, 1))
	if q["day"] != "2024-03-01" || q["source"] != "SICAM" || len(q) != 2 {
		t.Fatalf("query=%v", q)
	}
}
