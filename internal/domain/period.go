/**
 * @description
 * Contribution and payout period kinds, their wire encoding for the payment
 * gateway and the calendar arithmetic used to count and advance periods.
 *
 * @notes
 * - Months and Years use calendar deltas clamped to the last day of the month,
 *   always measured from the schedule's anchor date so repeated advances do not drift.
 * - Days and Weeks are fixed 24h/168h steps; sub-minute kinds add 30s / 120s.
 */
package domain

import (
	"strconv"
	"strings"
	"time"
)

// Period is a recurring interval for contributions or payouts.
type Period string

const (
	PeriodDays      Period = "Days"
	PeriodWeeks     Period = "Weeks"
	PeriodMonths    Period = "Months"
	PeriodYears     Period = "Years"
	Period30Seconds Period = "30 Seconds"
	Period2Minutes  Period = "2 Minutes"
)

// ParsePeriod accepts the canonical names plus the short aliases used by forms.
func ParsePeriod(raw string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "days", "day", "d":
		return PeriodDays, nil
	case "weeks", "week", "w":
		return PeriodWeeks, nil
	case "months", "month", "m":
		return PeriodMonths, nil
	case "years", "year", "y":
		return PeriodYears, nil
	case "30 seconds", "30s", "s":
		return Period30Seconds, nil
	case "2 minutes", "2m":
		return Period2Minutes, nil
	}
	return "", ErrInvalidPeriod
}

// Valid reports whether p is one of the supported kinds.
func (p Period) Valid() bool {
	_, err := ParsePeriod(string(p))
	return err == nil
}

// Approx is the nominal length of one period, used only to order kinds.
func (p Period) Approx() time.Duration {
	switch p {
	case PeriodDays:
		return 24 * time.Hour
	case PeriodWeeks:
		return 7 * 24 * time.Hour
	case PeriodMonths:
		return 30 * 24 * time.Hour
	case PeriodYears:
		return 365 * 24 * time.Hour
	case Period30Seconds:
		return 30 * time.Second
	case Period2Minutes:
		return 2 * time.Minute
	}
	return 0
}

// Code is the gateway's period-length code.
func (p Period) Code() string {
	switch p {
	case PeriodDays:
		return "D"
	case PeriodWeeks:
		return "W"
	case PeriodMonths, Period2Minutes:
		return "M"
	case PeriodYears:
		return "Y"
	case Period30Seconds:
		return "S"
	}
	return ""
}

// Step is the number of Code units in one period.
func (p Period) Step() int {
	switch p {
	case Period30Seconds:
		return 30
	case Period2Minutes:
		return 2
	case "":
		return 0
	}
	return 1
}

// subDay reports whether the period is expressed in the time part of an ISO-8601 duration.
func (p Period) subDay() bool {
	return p == Period30Seconds || p == Period2Minutes
}

// LengthBetween is the gateway's length_between_periods value: the step,
// prefixed with "T" for time-of-day units.
func (p Period) LengthBetween() string {
	step := strconv.Itoa(p.Step())
	if p.subDay() {
		return "T" + step
	}
	return step
}

// Halved returns the code and length of half a period. Payout grants are requested
// at twice the frequency so the 1-minor-unit initial payment and every recurring
// payout fit in the grant's interval limit.
func (p Period) Halved() (code string, length string) {
	switch p {
	case PeriodYears:
		return "M", "6"
	case PeriodMonths:
		return "W", "2"
	case PeriodWeeks:
		return "D", "3"
	case PeriodDays:
		return "H", "T12"
	case Period30Seconds:
		return "S", "T15"
	case Period2Minutes:
		return "M", "T1"
	}
	return "", ""
}

// Advance returns the occurrence after current for a schedule anchored at anchor.
func (p Period) Advance(anchor, current time.Time) time.Time {
	switch p {
	case PeriodDays:
		return current.Add(24 * time.Hour)
	case PeriodWeeks:
		return current.Add(7 * 24 * time.Hour)
	case Period30Seconds:
		return current.Add(30 * time.Second)
	case Period2Minutes:
		return current.Add(2 * time.Minute)
	case PeriodMonths, PeriodYears:
		step := 1
		if p == PeriodYears {
			step = 12
		}
		n := monthsBetween(anchor, current)
		next := addMonthsClamped(anchor, n+step)
		for !next.After(current) {
			n += step
			next = addMonthsClamped(anchor, n+step)
		}
		return next
	}
	return current
}

// CountPeriods returns how many whole periods fit between start and end.
func CountPeriods(p Period, start, end time.Time) (int, error) {
	if !p.Valid() {
		return 0, ErrInvalidPeriod
	}
	if !end.After(start) {
		return 0, ErrInvalidDates
	}
	elapsed := end.Sub(start)
	switch p {
	case PeriodDays:
		return int(elapsed / (24 * time.Hour)), nil
	case PeriodWeeks:
		return int(elapsed / (7 * 24 * time.Hour)), nil
	case PeriodMonths:
		return monthsBetween(start, end), nil
	case PeriodYears:
		return monthsBetween(start, end) / 12, nil
	case Period30Seconds:
		return int(elapsed / (30 * time.Second)), nil
	case Period2Minutes:
		return int(elapsed / (2 * time.Minute)), nil
	}
	return 0, ErrInvalidPeriod
}

// monthsBetween counts whole calendar months from start to end.
func monthsBetween(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	if months > 0 && addMonthsClamped(start, months).After(end) {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// addMonthsClamped adds n months, clamping the day to the target month's length.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// MonthStart returns the first instant of t's month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO-8601 date or timestamp. Dates without a time default to 00:00:00Z.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, Validation("Invalid date: " + s)
}

// ISOZ formats t as the gateway expects: ISO-8601 in UTC with a Z suffix.
func ISOZ(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
