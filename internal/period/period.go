// Package period splits a class session into fixed-length periods and
// decides lateness inside each of them.
package period

import (
	"time"

	"smartclassroom/internal/model"
)

const (
	// DefaultDuration is the length of a full period.
	DefaultDuration = 60 * time.Minute
	// LateAfter is the fixed grace after a period start; arriving later is "late".
	LateAfter = 15 * time.Minute
)

// Period is one half-open [Start, End) slice of a class session.
type Period struct {
	Number          int          `json:"period_number"`
	Start           time.Time    `json:"start_time"`
	End             time.Time    `json:"end_time"`
	LateThreshold   time.Time    `json:"late_threshold"`
	DurationMinutes float64      `json:"duration_minutes"`
	StatusIfNow     model.Status `json:"status_if_now,omitempty"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Assessment is the attendance status for a given instant. PeriodNumber is
// nil when the instant lies outside the session.
type Assessment struct {
	PeriodNumber *int         `json:"period_number"`
	Status       model.Status `json:"status"`
	Period       *Period      `json:"period,omitempty"`
}

// Calculator is a pure function of its inputs and safe for concurrent use.
type Calculator struct {
	duration time.Duration
	loc      *time.Location
}

// New returns a calculator producing periods of the given duration, with all
// instants reported in loc. Non-positive durations fall back to 60 minutes.
func New(duration time.Duration, loc *time.Location) *Calculator {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{duration: duration, loc: loc}
}

// Duration returns the configured full-period length.
func (c *Calculator) Duration() time.Duration { return c.duration }

// Periods tiles [start, end). The last period is truncated at end; an empty
// or inverted window yields no periods.
func (c *Calculator) Periods(start, end time.Time) []Period {
	start, end = start.In(c.loc), end.In(c.loc)
	if !start.Before(end) {
		return nil
	}

	n := int((end.Sub(start) + c.duration - 1) / c.duration)
	out := make([]Period, 0, n)
	for i, cur := 1, start; cur.Before(end); i++ {
		next := cur.Add(c.duration)
		if next.After(end) {
			next = end
		}
		out = append(out, Period{
			Number:          i,
			Start:           cur,
			End:             next,
			LateThreshold:   cur.Add(LateAfter),
			DurationMinutes: next.Sub(cur).Minutes(),
		})
		cur = next
	}
	return out
}

// Current returns the period containing now, with StatusIfNow filled in.
// It reports false when now is before start or at/after end.
func (c *Calculator) Current(start, end, now time.Time) (Period, bool) {
	if now.Before(start) || !now.Before(end) {
		return Period{}, false
	}
	idx := int(now.Sub(start) / c.duration)
	periods := c.Periods(start, end)
	if idx >= len(periods) {
		return Period{}, false
	}
	p := periods[idx]
	if now.After(p.LateThreshold) {
		p.StatusIfNow = model.StatusLate
	} else {
		p.StatusIfNow = model.StatusPresent
	}
	return p, true
}

// Status derives the attendance status of an arrival at "at". Arrivals
// outside the session are absent.
func (c *Calculator) Status(start, end, at time.Time) Assessment {
	p, ok := c.Current(start, end, at)
	if !ok {
		return Assessment{Status: model.StatusAbsent}
	}
	return Assessment{PeriodNumber: model.IntPtr(p.Number), Status: p.StatusIfNow, Period: &p}
}
