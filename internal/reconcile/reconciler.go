package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reimportd/internal/eventbus"
	"reimportd/internal/reimport"
	"reimportd/pkg/logx"
)

type Verdict string

const (
	VerdictOK              Verdict = "ok"
	VerdictReimport        Verdict = "reimport"
	VerdictDownstreamAhead Verdict = "downstream_ahead"
	VerdictDenied          Verdict = "denied"
)

// EventChecked carries a Result.
const EventChecked = "reconcile.checked"

// Enqueuer accepts a range for reimport; *reimport.Scheduler implements it.
type Enqueuer interface {
	Enqueue(r reimport.DateRange) error
}

// Diff is downstream minus authoritative for one day.
type Diff struct {
	Day           string `json:"day"`
	Authoritative int64  `json:"authoritative"`
	Downstream    int64  `json:"downstream"`
	Delta         int64  `json:"delta"`
}

type Result struct {
	Range   reimport.DateRange `json:"-"`
	From    string             `json:"from"`
	To      string             `json:"to"`
	Diff    Diff               `json:"diff"`
	Verdict Verdict            `json:"verdict"`
	At      time.Time          `json:"at"`
}

type Reconciler struct {
	authoritative Counter
	downstream    Counter
	enq           Enqueuer
	log           logx.Logger
	bus           eventbus.Bus
}

func New(authoritative, downstream Counter, enq Enqueuer, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		authoritative: authoritative,
		downstream:    downstream,
		enq:           enq,
		log:           log.With(logx.String("comp", "reconcile")),
		bus:           bus,
	}
}

// Difference counts day in both stores.
func (r *Reconciler) Difference(ctx context.Context, day reimport.Day) (Diff, error) {
	if r.authoritative == nil || r.downstream == nil {
		return Diff{}, errors.New("reconcile: counters not configured")
	}
	auth, err := r.authoritative.Count(ctx, day)
	if err != nil {
		return Diff{}, err
	}
	down, err := r.downstream.Count(ctx, day)
	if err != nil {
		return Diff{}, err
	}
	return Diff{Day: day.String(), Authoritative: auth, Downstream: down, Delta: down - auth}, nil
}

// Check compares rng.From and enqueues rng when the downstream store is
// short. A day over its attempt budget yields VerdictDenied, not an error.
func (r *Reconciler) Check(ctx context.Context, rng reimport.DateRange) (Result, error) {
	d, err := r.Difference(ctx, rng.From)
	if err != nil {
		return Result{}, err
	}
	res := Result{Range: rng, From: rng.From.String(), To: rng.To.String(), Diff: d, At: time.Now()}
	log := r.log.With(logx.String("day", d.Day), logx.Int64("authoritative", d.Authoritative), logx.Int64("downstream", d.Downstream))

	switch {
	case d.Delta < 0:
		res.Verdict = VerdictReimport
		if r.enq == nil {
			break
		}
		if err := r.enq.Enqueue(rng); err != nil {
			if !reimport.IsDenied(err) {
				return Result{}, fmt.Errorf("enqueue %s: %w", rng, err)
			}
			res.Verdict = VerdictDenied
		}
		log.Info("downstream short", logx.Int64("missing", -d.Delta), logx.String("verdict", string(res.Verdict)))
	case d.Delta > 0:
		res.Verdict = VerdictDownstreamAhead
		log.Warn("downstream ahead of authoritative", logx.Int64("extra", d.Delta))
	default:
		res.Verdict = VerdictOK
		log.Info("everything ok")
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventChecked, Time: res.At, Data: res})
	}
	return res, nil
}

// Sweep returns the consecutive one-day ranges [d, d+1] for from <= d < to.
func Sweep(from, to reimport.Day) []reimport.DateRange {
	var out []reimport.DateRange
	for d := from; d.Before(to); d = d.AddDays(1) {
		out = append(out, reimport.DateRange{From: d, To: d.AddDays(1)})
	}
	return out
}
