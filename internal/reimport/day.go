package reimport

import (
	"fmt"
	"strings"
	"time"
)

// Day is a calendar date with no time-of-day or zone.
// It is comparable and safe to use as a map key.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

// DayOf returns the calendar date of t in t's location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Dom: d}
}

// NewDay normalizes out-of-range values the same way time.Date does.
func NewDay(year int, month time.Month, dom int) Day {
	return DayOf(time.Date(year, month, dom, 0, 0, 0, 0, time.UTC))
}

// ParseDay parses s with a Go time layout, e.g. "02-01-2006".
func ParseDay(layout, s string) (Day, error) {
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

func (d Day) IsZero() bool { return d == Day{} }

// Time returns midnight of d in loc (UTC when loc is nil).
func (d Day) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, loc)
}

func (d Day) AddDays(n int) Day {
	return NewDay(d.Year, d.Month, d.Dom+n)
}

func (d Day) Before(o Day) bool {
	return d.Time(time.UTC).Before(o.Time(time.UTC))
}

func (d Day) After(o Day) bool { return o.Before(d) }

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Dom)
}

// Format formats midnight of d (UTC) with a Go time layout.
func (d Day) Format(layout string) string {
	return d.Time(time.UTC).Format(layout)
}

// DateRange identifies the work of one import job.
type DateRange struct {
	From Day
	To   Day
}

// DayRange returns the one-day range starting at d.
func DayRange(d Day) DateRange { return DateRange{From: d, To: d.AddDays(1)} }

func (r DateRange) String() string { return r.From.String() + ".." + r.To.String() }
