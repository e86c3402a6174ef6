// Package clock labels timestamps with the fixed reporting periods
// Echoman groups items, topics, and summaries by (spec.md §4.1).
package clock

import (
	"fmt"
	"time"
)

// Period is one of the four fixed reporting windows of a calendar day,
// evaluated in Asia/Shanghai local time.
type Period string

const (
	PeriodMorn Period = "MORN" // [00:00, 10:00)
	PeriodAM   Period = "AM"   // [10:00, 14:00)
	PeriodPM   Period = "PM"   // [14:00, 20:00)
	PeriodEve  Period = "EVE"  // [20:00, 24:00)
)

// Valid reports whether p is one of the four defined periods.
func (p Period) Valid() bool {
	switch p {
	case PeriodMorn, PeriodAM, PeriodPM, PeriodEve:
		return true
	}
	return false
}

// location is the fixed time zone all period labeling happens in,
// loaded once and reused process-wide (spec.md §6 TIMEZONE, fixed).
var location = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Asia/Shanghai has no DST rules and no offset changes scheduled;
		// the only realistic failure is a missing tzdata install.
		return time.FixedZone(name, 8*60*60)
	}
	return loc
}

// Label returns the Period and the period key ("YYYY-MM-DD_<period>")
// for the given instant, evaluated in Asia/Shanghai local time.
func Label(t time.Time) (Period, string) {
	local := t.In(location)
	hour := local.Hour()

	var p Period
	switch {
	case hour < 10:
		p = PeriodMorn
	case hour < 14:
		p = PeriodAM
	case hour < 20:
		p = PeriodPM
	default:
		p = PeriodEve
	}

	key := fmt.Sprintf("%04d-%02d-%02d_%s", local.Year(), local.Month(), local.Day(), p)
	return p, key
}

// Bounds returns the [start, end) instants, in Asia/Shanghai local time,
// covered by the given period key.
func Bounds(periodKey string) (start, end time.Time, err error) {
	var year, month, day int
	var name string
	if _, err := fmt.Sscanf(periodKey, "%04d-%02d-%02d_%s", &year, &month, &day, &name); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("clock: malformed period key %q: %w", periodKey, err)
	}
	p := Period(name)
	if !p.Valid() {
		return time.Time{}, time.Time{}, fmt.Errorf("clock: malformed period key %q: unknown period %q", periodKey, name)
	}

	var startHour, hours int
	switch p {
	case PeriodMorn:
		startHour, hours = 0, 10
	case PeriodAM:
		startHour, hours = 10, 4
	case PeriodPM:
		startHour, hours = 14, 6
	case PeriodEve:
		startHour, hours = 20, 4
	}

	start = time.Date(year, time.Month(month), day, startHour, 0, 0, 0, location)
	end = start.Add(time.Duration(hours) * time.Hour)
	return start, end, nil
}

// Now returns the current instant. A package variable so tests can
// inject a fixed clock.
var Now = time.Now

// Location returns the fixed Asia/Shanghai location every period
// computation in this package uses, for callers (the scheduler's cron
// expressions) that need to evaluate wall-clock time in the same zone.
func Location() *time.Location {
	return location
}

// Date returns the YYYY-MM-DD date component (Asia/Shanghai) encoded in
// periodKey, the (date, period) pair TopicPeriodHeat keys on.
func Date(periodKey string) (string, error) {
	start, _, err := Bounds(periodKey)
	if err != nil {
		return "", err
	}
	return start.Format("2006-01-02"), nil
}

// ParsePeriod extracts just the Period component from a period key.
func ParsePeriod(periodKey string) (Period, error) {
	_, _, err := Bounds(periodKey)
	if err != nil {
		return "", err
	}
	idx := len(periodKey) - 1
	for idx >= 0 && periodKey[idx] != '_' {
		idx--
	}
	return Period(periodKey[idx+1:]), nil
}

// Previous returns the period key immediately before periodKey.
func Previous(periodKey string) (string, error) {
	start, _, err := Bounds(periodKey)
	if err != nil {
		return "", err
	}
	_, key := Label(start.Add(-1 * time.Hour))
	return key, nil
}
