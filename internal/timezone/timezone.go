// Package timezone resolves user-local send times to UTC instants.
//
// All scheduling in the pipeline is computed in the user's IANA zone and
// stored as UTC. The two DST policies live here and nowhere else:
//
//   - If 09:00 local does not exist on a date (spring-forward gap), the
//     send instant is the first valid instant at or after 09:00, which is
//     the end of the gap.
//   - If 09:00 local occurs twice (fall-back overlap), the earlier
//     occurrence wins.
//
// Both choices are deterministic so that re-running the scheduler can
// never produce a second instant for the same greeting.
package timezone

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrInvalidZone marks a timezone name that cannot be resolved. Callers
// must surface it; falling back to UTC silently would move a greeting by
// up to 14 hours.
var ErrInvalidZone = errors.New("invalid timezone")

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// Load resolves an IANA zone name with caching. time.LoadLocation reads
// tzdata on every call, which is too slow for per-user scheduling at
// millions of rows per day.
func Load(zone string) (*time.Location, error) {
	if zone == "" || zone == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}

	locMu.RLock()
	loc, ok := locCache[zone]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidZone, zone, err)
	}

	locMu.Lock()
	locCache[zone] = loc
	locMu.Unlock()
	return loc, nil
}

// ValidateZone reports whether zone is a resolvable IANA zone name.
func ValidateZone(zone string) error {
	_, err := Load(zone)
	return err
}

// OffsetMinutes returns the zone's UTC offset in minutes at the given
// instant. DST means the answer depends on the instant, so there is no
// instant-free variant.
func OffsetMinutes(zone string, at time.Time) (int, error) {
	loc, err := Load(zone)
	if err != nil {
		return 0, err
	}
	_, offset := at.In(loc).Zone()
	return offset / 60, nil
}

// LocalDate returns the calendar date at the given instant in the zone.
func LocalDate(zone string, at time.Time) (int, time.Month, int, error) {
	loc, err := Load(zone)
	if err != nil {
		return 0, 0, 0, err
	}
	y, m, d := at.In(loc).Date()
	return y, m, d, nil
}

// NineAMLocalToUTC returns the UTC instant at which it is 09:00 local on
// the given calendar date in the zone, applying the package's DST
// policies.
func NineAMLocalToUTC(zone string, year int, month time.Month, day int) (time.Time, error) {
	return LocalInstant(zone, year, month, day, 9, 0)
}

// LocalInstant resolves a local wall-clock time on a calendar date to a
// single UTC instant.
//
// The procedure samples the zone's UTC offsets in a window around the
// date and builds one candidate instant per distinct offset. Candidates
// that really render as the requested wall time are kept: one candidate
// is the normal case, two means the wall time is ambiguous (earliest
// candidate wins), zero means the wall time was skipped (the transition
// end is returned, the first valid instant after the gap).
func LocalInstant(zone string, year int, month time.Month, day int, hour, min int) (time.Time, error) {
	loc, err := Load(zone)
	if err != nil {
		return time.Time{}, err
	}

	guess := time.Date(year, month, day, hour, min, 0, 0, time.UTC)

	offsets := make(map[int]struct{}, 3)
	for _, probe := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, off := guess.Add(probe).In(loc).Zone()
		offsets[off] = struct{}{}
	}

	var candidates []time.Time
	minOffset := 0
	first := true
	for off := range offsets {
		if first || off < minOffset {
			minOffset = off
			first = false
		}
		cand := guess.Add(-time.Duration(off) * time.Second)
		ly, lm, ld := cand.In(loc).Date()
		lh, lmin, _ := cand.In(loc).Clock()
		if ly == year && lm == month && ld == day && lh == hour && lmin == min {
			candidates = append(candidates, cand)
		}
	}

	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
		return candidates[0].UTC(), nil
	}

	// The wall time fell into a gap. An instant just after the skipped
	// range sits in the post-transition zone; its zone interval starts
	// exactly at the transition, the first valid instant after the gap.
	after := guess.Add(-time.Duration(minOffset) * time.Second)
	start, _ := after.In(loc).ZoneBounds()
	return start.UTC(), nil
}

// IsLeapYear reports whether year has a February 29th.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// ObservedMonthDay maps an event's anniversary into the given year.
// February 29th events are observed on February 28th in non-leap years;
// every other date carries over unchanged.
func ObservedMonthDay(event time.Time, year int) (time.Month, int) {
	m, d := event.Month(), event.Day()
	if m == time.February && d == 29 && !IsLeapYear(year) {
		return time.February, 28
	}
	return m, d
}

// EventObservedOn reports whether the event's anniversary falls on the
// given calendar date.
func EventObservedOn(event time.Time, year int, month time.Month, day int) bool {
	m, d := ObservedMonthDay(event, year)
	return m == month && d == day
}

// IsEventToday reports whether the event's anniversary is observed today
// in the zone, where "today" is the zone-local date at the instant now.
func IsEventToday(event time.Time, zone string, now time.Time) (bool, error) {
	y, m, d, err := LocalDate(zone, now)
	if err != nil {
		return false, err
	}
	return EventObservedOn(event, y, m, d), nil
}

// NextDay returns the calendar date one day after the given date,
// normalizing month and year rollover.
func NextDay(year int, month time.Month, day int) (int, time.Month, int) {
	return time.Date(year, month, day+1, 0, 0, 0, 0, time.UTC).Date()
}
