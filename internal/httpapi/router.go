// Package httpapi serves health, metrics, scheduler state and manual
// check/reimport triggers over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reimportd/internal/reconcile"
	"reimportd/internal/reimport"
	"reimportd/internal/storage"
	"reimportd/pkg/logx"
)

// DayLayout is the {day} path format.
const DayLayout = "2006-01-02"

const defaultSessionLimit = 50

type Checker interface {
	Check(ctx context.Context, rng reimport.DateRange) (reconcile.Result, error)
}

type Enqueuer interface {
	Enqueue(rng reimport.DateRange) error
}

type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]storage.Session, error)
}

// Deps wires the router to the running daemon. Nil members disable the
// routes that need them (they answer 503).
type Deps struct {
	Log      logx.Logger
	Snapshot func() any
	Health   func() error
	Checker  Checker
	Enqueuer Enqueuer
	Sessions SessionLister
	Metrics  http.Handler
	Pprof    bool
}

type handler struct {
	d Deps
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	h := &handler{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Log))

	r.Get("/healthz", h.healthz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", h.snapshot)
		r.Get("/sessions", h.sessions)
		r.Post("/days/{day}/check", h.check)
		r.Post("/days/{day}/reimport", h.reimport)
	})
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.d.Health != nil {
		if err := h.d.Health(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if h.d.Snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Snapshot())
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	if h.d.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := h.d.Sessions.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *handler) check(w http.ResponseWriter, r *http.Request) {
	rng, ok := dayParam(w, r)
	if !ok {
		return
	}
	if h.d.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, "counters not configured")
		return
	}
	res, err := h.d.Checker.Check(r.Context(), rng)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) reimport(w http.ResponseWriter, r *http.Request) {
	rng, ok := dayParam(w, r)
	if !ok {
		return
	}
	if h.d.Enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	err := h.d.Enqueuer.Enqueue(rng)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"from": rng.From.String(), "to": rng.To.String(), "status": "enqueued"})
	case reimport.IsDenied(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reimport.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func dayParam(w http.ResponseWriter, r *http.Request) (reimport.DateRange, bool) {
	raw := chi.URLParam(r, "day")
	day, err := reimport.ParseDay(DayLayout, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return reimport.DateRange{}, false
	}
	return reimport.DayRange(day), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "at": time.Now().UTC()})
}
