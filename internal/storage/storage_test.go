package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reimportd/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for driver, path := range map[string]string{
		"file":   filepath.Join(dir, "state.json"),
		"sqlite": filepath.Join(dir, "state.db"),
	} {
		st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			from := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
			sess, err := st.CreateSession(ctx, NewSession{
				Name:   "script_reimport2024-03-01",
				Source: "DNM - OSTOLBDA",
				From:   from,
				To:     from.Add(24*time.Hour - time.Second),
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if sess.ID == "" || sess.Status != StatusReady {
				t.Fatalf("session=%+v", sess)
			}

			got, err := st.SessionStatus(ctx, sess.ID)
			if err != nil || got != StatusReady {
				t.Fatalf("status=%q err=%v", got, err)
			}
			if err := st.SetSessionStatus(ctx, sess.ID, StatusFinished); err != nil {
				t.Fatalf("set: %v", err)
			}
			if got, _ := st.SessionStatus(ctx, sess.ID); got != StatusFinished {
				t.Fatalf("status=%q after set", got)
			}

			if _, err := st.SessionStatus(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing status err=%v", err)
			}
			if err := st.SetSessionStatus(ctx, "missing", StatusRunning); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing set err=%v", err)
			}

			list, err := st.ListSessions(ctx, 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 || list[0].Name != "script_reimport2024-03-01" || !list[0].From.Equal(from) {
				t.Fatalf("list=%+v", list)
			}
		})
	}
}

func TestListSessionsLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if _, err := st.CreateSession(ctx, NewSession{Name: "s", Source: "src"}); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			list, err := st.ListSessions(ctx, 2)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("len=%d want 2", len(list))
			}
		})
	}
}

func TestOutcomesAndDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			err := st.AppendOutcome(ctx, OutcomeRecord{
				JobID: "j1", From: "2024-03-01", To: "2024-03-02", State: "finished",
				Attempts: 1, Started: time.Now(), Ended: time.Now(),
			})
			if err != nil {
				t.Fatalf("append: %v", err)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "exhausted:2024-03-01", until); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "exhausted:2024-03-01")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("get=%v ok=%v err=%v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "other"); ok {
				t.Fatalf("unexpected dedup hit")
			}
		})
	}
}

func TestFileStoreSeesExternalUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	a, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	sess, err := a.CreateSession(ctx, NewSession{Name: "s", Source: "src"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	// make sure the rewrite gets a distinct mtime
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(filepath.Join(filepath.Dir(path), "state.sessions.json"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, err := a.SessionStatus(ctx, sess.ID); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := b.SetSessionStatus(ctx, sess.ID, StatusFinished); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got, _ := a.SessionStatus(ctx, sess.ID); got != StatusFinished {
		t.Fatalf("status=%q, external update not seen", got)
	}
}

func TestParseStatusAndRebind(t *testing.T) {
	t.Parallel()

	if st, err := ParseStatus(" Finished "); err != nil || st != StatusFinished {
		t.Fatalf("st=%q err=%v", st, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatalf("unknown status accepted")
	}
	if got := rebind("a = ? AND b = ?", true); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind=%q", got)
	}
	if got := rebind("a = ?", false); got != "a = ?" {
		t.Fatalf("rebind=%q", got)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("postgres without dsn accepted")
	}
	if _, err := Open(Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}
