// Package quota answers the one calendar question the free tier depends on:
// has a new local day started since the last free use?
package quota

import "time"

// Clock compares instants by calendar day in a fixed location.
type Clock struct {
	loc *time.Location
}

// NewClock returns a Clock for the user's local calendar. A nil location
// means time.Local.
func NewClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return Clock{loc: loc}
}

// Location returns the calendar location the clock compares in.
func (c Clock) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// ShouldReset reports whether the daily free allotment is due again: true
// when there is no recorded use, or when lastUse falls on a different
// calendar day than now.
func (c Clock) ShouldReset(lastUse *time.Time, now time.Time) bool {
	if lastUse == nil {
		return true
	}
	return !c.SameDay(*lastUse, now)
}

// SameDay reports whether a and b fall on the same calendar day.
func (c Clock) SameDay(a, b time.Time) bool {
	loc := c.Location()
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// DayStart returns local midnight of now's calendar day. A last use before
// it belongs to an earlier day, which lets stores that compare instants
// apply the same reset rule as ShouldReset.
func (c Clock) DayStart(now time.Time) time.Time {
	loc := c.Location()
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// ShouldReset is the package-level form using the given location.
func ShouldReset(lastUse *time.Time, now time.Time, loc *time.Location) bool {
	return NewClock(loc).ShouldReset(lastUse, now)
}
