// Package civil resolves the gateway's accounting day. Daily quota counters
// roll over at local midnight in one fixed, configured timezone, so every
// component that compares or stamps a usage date asks this package instead of
// reading the wall clock directly.
package civil

import (
	"fmt"
	"time"
)

// DefaultZone is the civil-day timezone used when none is configured.
const DefaultZone = "America/Los_Angeles"

// DayFormat is the canonical layout for persisted civil dates. Lexicographic
// comparison of two formatted days matches chronological order.
const DayFormat = "2006-01-02"

// Clock reports the current civil day in a fixed timezone.
type Clock struct {
	loc   *time.Location
	nowFn func() time.Time
}

// NewClock loads the given IANA zone and returns a Clock bound to it.
// An empty zone selects DefaultZone.
func NewClock(zone string) (*Clock, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("civil: load timezone %q: %w", zone, err)
	}
	return &Clock{loc: loc, nowFn: time.Now}, nil
}

// NewFixedClock returns a Clock frozen at the given instant. Test helper.
func NewFixedClock(at time.Time, zone string) *Clock {
	c, err := NewClock(zone)
	if err != nil {
		panic(err)
	}
	c.nowFn = func() time.Time { return at }
	return c
}

// Now returns the current instant in the civil timezone.
func (c *Clock) Now() time.Time {
	return c.nowFn().In(c.loc)
}

// Today returns the current civil day formatted as DayFormat.
func (c *Clock) Today() string {
	return c.Now().Format(DayFormat)
}

// Location exposes the underlying timezone, used to pin cron schedules to
// the same day boundary as the counters.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Before reports whether day a is strictly earlier than day b. Empty strings
// sort before any real day, so a never-used key always reads as stale.
func Before(a, b string) bool {
	return a < b
}
