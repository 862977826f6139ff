// Package clock anchors the bot to the exchange time zone. Every schedule
// trigger, cutoff comparison and "local day" rollover goes through it.
package clock

import (
	"fmt"
	"time"
)

// ExchangeTimeZone is the IANA zone the trading venue publishes open/close in.
const ExchangeTimeZone = "America/New_York"

// Clock yields the current instant in the exchange time zone
type Clock interface {
	Now() time.Time
	Location() *time.Location
	IsTradingDay(t time.Time) bool
}

// Real is the wall-clock implementation
type Real struct {
	loc *time.Location
}

// NewReal creates a clock bound to the exchange time zone
func NewReal() (*Real, error) {
	loc, err := time.LoadLocation(ExchangeTimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange time zone: %w", err)
	}
	return &Real{loc: loc}, nil
}

// Now returns the current instant in the exchange time zone
func (r *Real) Now() time.Time {
	return time.Now().In(r.loc)
}

// Location returns the exchange time zone
func (r *Real) Location() *time.Location {
	return r.loc
}

// IsTradingDay reports whether t falls on a regular session day.
// Weekends and the fixed-date NYSE holidays are excluded; floating
// holidays (Thanksgiving, Easter) are handled operationally by the
// scheduler simply finding an unavailable market.
func (r *Real) IsTradingDay(t time.Time) bool {
	t = t.In(r.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	for _, h := range fixedHolidays {
		if t.Month() == h.month && t.Day() == h.day {
			return false
		}
	}
	return true
}

type monthDay struct {
	month time.Month
	day   int
}

var fixedHolidays = []monthDay{
	{time.January, 1},   // New Year's Day
	{time.June, 19},     // Juneteenth
	{time.July, 4},      // Independence Day
	{time.December, 25}, // Christmas
}

// SameLocalDay reports whether a and b fall on the same calendar day
// in the given location
func SameLocalDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// MinutesIntoDay returns minutes since local midnight
func MinutesIntoDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Fake is a controllable clock for tests
type Fake struct {
	Current time.Time
	Loc     *time.Location
	Holiday bool
}

// NewFake creates a fake clock pinned to the given instant
func NewFake(t time.Time) *Fake {
	loc, err := time.LoadLocation(ExchangeTimeZone)
	if err != nil {
		loc = time.UTC
	}
	return &Fake{Current: t.In(loc), Loc: loc}
}

// Now returns the pinned instant
func (f *Fake) Now() time.Time { return f.Current }

// Location returns the exchange time zone
func (f *Fake) Location() *time.Location { return f.Loc }

// IsTradingDay ignores holidays unless Holiday is set
func (f *Fake) IsTradingDay(t time.Time) bool {
	if f.Holiday {
		return false
	}
	wd := t.In(f.Loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Advance moves the fake clock forward
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}

// Set pins the fake clock to a new instant
func (f *Fake) Set(t time.Time) {
	f.Current = t.In(f.Loc)
}
