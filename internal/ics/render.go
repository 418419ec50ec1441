// Package ics renders mirrored events as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"schedmirror/internal/model"
)

// uidSpace namespaces event UIDs so feeds from different mirrors of the same
// page do not collide.
var uidSpace = uuid.MustParse("7a0c9b52-4d0e-4f7b-9a51-3c2f0f5e8d11")

// InferredEndProperty marks events whose DTEND was moved to the next day
// because the page showed an end before the start.
const InferredEndProperty = ical.ComponentProperty("X-SCHEDMIRROR-INFERRED-END")

// Options describes the feed.
type Options struct {
	// Name is published as X-WR-CALNAME.
	Name string
	// Source is the mirrored page; it becomes each event's URL.
	Source string
	// Timezone is published as X-WR-TIMEZONE when set.
	Timezone string
	// Stamp is the DTSTAMP of every event; zero means now.
	Stamp time.Time
}

// Render writes events as a VCALENDAR to w.
//
// Events whose end is before their start run past midnight; the feed moves
// the end to the following day so DTEND stays after DTSTART, and flags it
// with InferredEndProperty. The stored rows keep the page's values.
func Render(w io.Writer, events []model.Event, opts Options) error {
	cal := ical.NewCalendarFor("schedmirror")
	cal.SetMethod(ical.MethodPublish)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Timezone != "" {
		cal.SetXWRTimezone(opts.Timezone)
	}
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	seen := make(map[string]int, len(events))
	for _, ev := range events {
		key := eventKey(ev)
		n := seen[key]
		seen[key] = n + 1

		ve := cal.AddEvent(UID(ev, n))
		ve.SetDtStampTime(stamp)
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(FeedEnd(ev))
		if ev.End.Before(ev.Start) {
			ve.SetProperty(InferredEndProperty, "TRUE")
		}
		ve.SetSummary(ev.Description)
		if opts.Source != "" {
			ve.SetURL(opts.Source)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

// FeedEnd is the event's end as published: one day later when the page
// shows an end before the start.
func FeedEnd(ev model.Event) time.Time {
	if ev.End.Before(ev.Start) {
		return ev.End.AddDate(0, 0, 1)
	}
	return ev.End
}

// UID derives a stable identifier from the event's content. n separates
// identical events listed on the same day.
func UID(ev model.Event, n int) string {
	return uuid.NewSHA1(uidSpace, []byte(fmt.Sprintf("%s#%d", eventKey(ev), n))).String() + "@schedmirror"
}

func eventKey(ev model.Event) string {
	return fmt.Sprintf("%s|%s|%s|%s",
		ev.Date,
		ev.Start.Format("15:04:05"),
		ev.End.Format("15:04:05"),
		ev.Description,
	)
}
