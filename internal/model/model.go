package model

import (
	"fmt"
	"time"
)

// DateLayout is the textual form of a Date, also used for the log table.
const DateLayout = "2006-01-02"

// Date is a naive calendar day. It carries no timezone; callers pick the
// location when turning it into an instant via At.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("model: invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// At returns the instant hour:min:sec on d in loc.
func (d Date) At(hour, min, sec int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, min, sec, 0, loc)
}

// AddDays returns d shifted by n days, normalizing month/year overflow.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// AddYears returns d shifted by n years (Feb 29 rolls to Mar 1).
func (d Date) AddYears(n int) Date {
	return DateOf(time.Date(d.Year+n, d.Month, d.Day, 12, 0, 0, 0, time.UTC))
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(int(d.Month) - int(o.Month))
	default:
		return sign(d.Day - o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Event is one booking shown on the schedule page for a single day.
//
// Start and End are built from the display date plus the rendered
// time-of-day. End may precede Start when the booking crosses midnight;
// the page only renders times of day, so no rollover is inferred.
type Event struct {
	Date        Date
	Start       time.Time
	End         time.Time
	Description string
}

// Rule describes a moving window of days, relative to today, and the
// maximum age a day's data may reach inside that window.
type Rule struct {
	// StartOffset and EndOffset are inclusive day offsets from today.
	StartOffset int
	EndOffset   int
	// Period is the maximum allowed staleness for days in the window.
	Period time.Duration
}

// Window returns the first and last day covered by r relative to today.
func (r Rule) Window(today Date) (Date, Date) {
	return today.AddDays(r.StartOffset), today.AddDays(r.EndOffset)
}

// Covers reports whether day lies inside r's window.
func (r Rule) Covers(today, day Date) bool {
	from, to := r.Window(today)
	return !day.Before(from) && !day.After(to)
}
