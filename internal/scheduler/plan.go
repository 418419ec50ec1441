// Package scheduler decides which days of the mirrored schedule are stale
// and when the refresh loop should wake up next.
//
// Plan is a pure function of the configured rules, the store's last-update
// snapshot and the current time. It performs no I/O so it can be evaluated
// without a browser or database.
package scheduler

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"schedmirror/internal/model"
)

// DefaultIdleWakeup is returned as the wake delay when no rules are
// configured at all.
const DefaultIdleWakeup = 24 * time.Hour

// DayStatus is the planning verdict for one covered day.
type DayStatus struct {
	Date model.Date
	// LastUpdated is zero when the day has never been refreshed (or was purged).
	LastUpdated time.Time
	// Period is the effective period: the minimum over all covering rules.
	Period time.Duration
	// NextDue is LastUpdated+Period; zero for never-refreshed days.
	NextDue time.Time
	Due     bool
}

// Schedule is the outcome of one planning pass.
type Schedule struct {
	Now time.Time
	// Due lists stale days in ascending date order.
	Due []model.Date
	// NextWakeup is the earliest instant a currently fresh day becomes due,
	// or a fallback recheck time when nothing is fresh.
	NextWakeup time.Time
	// Days holds every covered day, ascending, for reporting.
	Days []DayStatus
}

// Plan combines rules and the last-update snapshot into a Schedule.
//
// A day covered by several rules uses the smallest period among them. A day
// missing from snapshot is treated as infinitely stale. A day is due iff
// now >= last_updated + effective_period.
func Plan(now time.Time, rules []model.Rule, snapshot map[model.Date]time.Time) Schedule {
	out := Schedule{Now: now}
	if len(rules) == 0 {
		out.NextWakeup = now.Add(DefaultIdleWakeup)
		return out
	}

	today := model.DateOf(now)
	periods := effectivePeriods(today, rules)

	dates := make([]model.Date, 0, len(periods))
	for d := range periods {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var next time.Time
	for _, d := range dates {
		st := DayStatus{Date: d, Period: periods[d]}
		last, ok := snapshot[d]
		if !ok {
			st.Due = true
		} else {
			st.LastUpdated = last
			st.NextDue = last.Add(st.Period)
			st.Due = !now.Before(st.NextDue)
		}

		if st.Due {
			out.Due = append(out.Due, d)
		} else if next.IsZero() || st.NextDue.Before(next) {
			next = st.NextDue
		}
		out.Days = append(out.Days, st)
	}

	if next.IsZero() {
		next = now.Add(minPeriod(rules))
	}
	out.NextWakeup = next
	return out
}

// effectivePeriods maps every day in the union of rule windows to the
// minimum period among the rules covering it.
func effectivePeriods(today model.Date, rules []model.Rule) map[model.Date]time.Duration {
	out := make(map[model.Date]time.Duration)
	for _, r := range rules {
		for _, d := range windowDates(today, r) {
			if p, ok := out[d]; !ok || r.Period < p {
				out[d] = r.Period
			}
		}
	}
	return out
}

// windowDates enumerates the inclusive window of r as a daily recurrence.
// Noon UTC anchors keep the recurrence clear of DST shifts.
func windowDates(today model.Date, r model.Rule) []model.Date {
	from, to := r.Window(today)
	if to.Before(from) {
		return nil
	}
	start := from.At(12, 0, 0, time.UTC)
	n := int(to.At(12, 0, 0, time.UTC).Sub(start)/(24*time.Hour)) + 1
	rr, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Count:   n,
	})
	if err != nil {
		return nil
	}
	occ := rr.All()
	out := make([]model.Date, 0, len(occ))
	for _, t := range occ {
		out = append(out, model.DateOf(t))
	}
	return out
}

func minPeriod(rules []model.Rule) time.Duration {
	p := rules[0].Period
	for _, r := range rules[1:] {
		if r.Period < p {
			p = r.Period
		}
	}
	return p
}
