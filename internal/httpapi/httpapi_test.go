package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/internal/storage"
	"reimportd/pkg/logx"
)

type fakeChecker struct {
	res reconcile.Result
	err error
	got []reimport.DateRange
}

func (f *fakeChecker) Check(_ context.Context, rng reimport.DateRange) (reconcile.Result, error) {
	f.got = append(f.got, rng)
	return f.res, f.err
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	err error
	got []reimport.DateRange
}

func (f *fakeEnqueuer) Enqueue(rng reimport.DateRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, rng)
	return f.err
}

type fakeSessions struct {
	list  []storage.Session
	limit int
}

func (f *fakeSessions) ListSessions(_ context.Context, limit int) ([]storage.Session, error) {
	f.limit = limit
	return f.list, nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	r := NewRouter(Deps{Log: logx.Nop()})
	if rec := do(t, r, http.MethodGet, "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}

	r = NewRouter(Deps{Health: func() error { return errors.New("supervisor failed") }})
	if rec := do(t, r, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy=%d", rec.Code)
	}
}

func TestCheckRoute(t *testing.T) {
	t.Parallel()

	chk := &fakeChecker{res: reconcile.Result{From: "2024-03-01", To: "2024-03-02", Verdict: reconcile.VerdictReimport}}
	r := NewRouter(Deps{Checker: chk})

	rec := do(t, r, http.MethodPost, "/v1/days/2024-03-01/check")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	var got reconcile.Result
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Verdict != reconcile.VerdictReimport {
		t.Fatalf("verdict=%q", got.Verdict)
	}
	want := reimport.DayRange(reimport.NewDay(2024, time.March, 1))
	if len(chk.got) != 1 || chk.got[0] != want {
		t.Fatalf("checked=%v", chk.got)
	}

	if rec := do(t, r, http.MethodPost, "/v1/days/01-03-2024/check"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day=%d", rec.Code)
	}

	chk.err = errors.New("elastic down")
	if rec := do(t, r, http.MethodPost, "/v1/days/2024-03-01/check"); rec.Code != http.StatusBadGateway {
		t.Fatalf("counter error=%d", rec.Code)
	}
}

func TestReimportRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "accepted", want: http.StatusAccepted},
		{name: "denied", err: fmt.Errorf("day 2024-03-01: %w", reimport.ErrAdmissionDenied), want: http.StatusConflict},
		{name: "closed", err: reimport.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			enq := &fakeEnqueuer{err: tt.err}
			r := NewRouter(Deps{Enqueuer: enq})
			rec := do(t, r, http.MethodPost, "/v1/days/2024-03-01/reimport")
			if rec.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tt.want, rec.Body)
			}
			if len(enq.got) != 1 {
				t.Fatalf("enqueue calls=%d", len(enq.got))
			}
		})
	}
}

func TestSessionsRoute(t *testing.T) {
	t.Parallel()

	ss := &fakeSessions{list: []storage.Session{{ID: "a", Name: "script_reimport2024-03-01", Status: storage.StatusRunning}}}
	r := NewRouter(Deps{Sessions: ss})

	rec := do(t, r, http.MethodGet, "/v1/sessions?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if ss.limit != 5 {
		t.Fatalf("limit=%d", ss.limit)
	}
	if !strings.Contains(rec.Body.String(), "script_reimport2024-03-01") {
		t.Fatalf("body=%s", rec.Body)
	}
	if rec := do(t, r, http.MethodGet, "/v1/sessions?limit=x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit=%d", rec.Code)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	t.Parallel()

	r := NewRouter(Deps{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/snapshot"},
		{http.MethodGet, "/v1/sessions"},
		{http.MethodPost, "/v1/days/2024-03-01/check"},
		{http.MethodPost, "/v1/days/2024-03-01/reimport"},
	} {
		if rec := do(t, r, tc.method, tc.path); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s=%d", tc.method, tc.path, rec.Code)
		}
	}
	if rec := do(t, r, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler=%d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled=%d", rec.Code)
	}
}

func TestSnapshotAndProfiler(t *testing.T) {
	t.Parallel()

	r := NewRouter(Deps{
		Snapshot: func() any { return map[string]int{"running": 2} },
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) }),
		Pprof:    true,
	})
	rec := do(t, r, http.MethodGet, "/v1/snapshot")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running": 2`) {
		t.Fatalf("snapshot=%d %s", rec.Code, rec.Body)
	}
	if rec := do(t, r, http.MethodGet, "/metrics"); rec.Body.String() != "m 1\n" {
		t.Fatalf("metrics=%q", rec.Body.String())
	}
	if rec := do(t, r, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof=%d", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewRouter(Deps{}), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body=%q", body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("server still running after Stop")
	}

	// disabled config keeps it stopped
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil {
		t.Fatalf("disabled server started")
	}
}
