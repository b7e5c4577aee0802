// Package clock owns the single timezone the service operates in.
//
// Every instant crossing an external boundary (HTTP payloads, database rows,
// the wall clock) is converted here; the rest of the code only compares
// aware instants.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// Clock is a timezone-aware wall clock.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System reads the OS clock and reports instants in a fixed location.
type System struct {
	loc *time.Location
}

// NewSystem returns a clock in loc; nil means UTC.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time { return time.Now().In(s.loc) }

func (s *System) Location() *time.Location { return s.loc }

// Fixed always returns the same instant. Used by tests and replays.
type Fixed struct {
	T   time.Time
	Loc *time.Location
}

func (f *Fixed) Now() time.Time { return f.T.In(f.Location()) }

func (f *Fixed) Location() *time.Location {
	if f.Loc == nil {
		return time.UTC
	}
	return f.Loc
}

// Set moves the fixed clock.
func (f *Fixed) Set(t time.Time) { f.T = t }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

var awareLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-07",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Parse converts a boundary timestamp into an instant in loc. Values that
// carry an offset keep it; naive values are interpreted as wall time in loc.
func Parse(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("clock: empty timestamp")
	}
	for _, layout := range awareLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("clock: unrecognised timestamp %q", value)
}

// Combine builds an instant from a calendar date (YYYY-MM-DD) and a wall
// clock time (HH:MM or HH:MM:SS) in loc.
func Combine(date, hhmm string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, date+" "+hhmm, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("clock: invalid date %q or time %q", date, hhmm)
}

// In normalizes t into loc; the zero time is returned unchanged.
func In(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() || loc == nil {
		return t
	}
	return t.In(loc)
}
