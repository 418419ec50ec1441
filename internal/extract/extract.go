// Package extract turns the day currently shown on the schedule page into
// model.Event records.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	appLog "schedmirror/internal/log"
	"schedmirror/internal/model"
	"schedmirror/internal/page"
)

const (
	DefaultContainerSelector = "#ctl00_contentMain_schedulerMain_containerBlock_verticalContainerappointmentLayer"
	DefaultEventRootPattern  = `_AptDiv\d+$`
	DefaultStartSelector     = `[id$="_lblStartTime"]`
	DefaultEndSelector       = `[id$="_lblEndTime"]`
	DefaultTitleSelector     = `[id$="_lblTitle"]`
)

// clockLayouts are the time-of-day renderings seen on the page.
var clockLayouts = []string{
	"3:04 PM",
	"3:04PM",
	"3:04:05 PM",
	"15:04",
	"15:04:05",
}

// ExtractionError reports an event whose markup could not be read
// unambiguously. Raw holds the event's text for diagnostics.
type ExtractionError struct {
	Date    model.Date
	Index   int
	Field   string
	Matches int
	Raw     string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract: %s event %d: %s: %v (raw %q)", e.Date, e.Index, e.Field, e.Err, e.Raw)
	}
	return fmt.Sprintf("extract: %s event %d: want exactly one %s, found %d (raw %q)", e.Date, e.Index, e.Field, e.Matches, e.Raw)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Options holds the selectors describing the page's markup. Zero values
// fall back to the Default* constants.
type Options struct {
	ContainerSelector string
	EventRootPattern  string
	StartSelector     string
	EndSelector       string
	TitleSelector     string
	// Location anchors the naive display date; nil means time.Local.
	Location *time.Location
}

// Extractor reads events from a page session.
type Extractor struct {
	session page.Session
	opts    Options
	root    *regexp.Regexp
}

// New compiles opts.EventRootPattern and binds the extractor to session.
func New(session page.Session, opts Options) (*Extractor, error) {
	if opts.ContainerSelector == "" {
		opts.ContainerSelector = DefaultContainerSelector
	}
	if opts.EventRootPattern == "" {
		opts.EventRootPattern = DefaultEventRootPattern
	}
	if opts.StartSelector == "" {
		opts.StartSelector = DefaultStartSelector
	}
	if opts.EndSelector == "" {
		opts.EndSelector = DefaultEndSelector
	}
	if opts.TitleSelector == "" {
		opts.TitleSelector = DefaultTitleSelector
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	re, err := regexp.Compile(opts.EventRootPattern)
	if err != nil {
		return nil, fmt.Errorf("extract: invalid event root pattern: %w", err)
	}
	return &Extractor{session: session, opts: opts, root: re}, nil
}

// Extract parses the events of the day currently displayed, which the
// caller asserts is date.
func (x *Extractor) Extract(ctx context.Context, date model.Date) ([]model.Event, error) {
	container, err := x.session.FindSingle(ctx, x.opts.ContainerSelector)
	if err != nil {
		return nil, fmt.Errorf("extract: locating event container: %w", err)
	}
	html, err := container.OuterHTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract: reading event container: %w", err)
	}
	return x.ParseDay(date, html)
}

// ParseDay parses a saved event container. Events come back in document
// order, which is layout order and not necessarily chronological.
func (x *Extractor) ParseDay(date model.Date, html string) ([]model.Event, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("extract: parsing HTML: %w", err)
	}

	roots := doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		return x.root.MatchString(id)
	})

	events := make([]model.Event, 0, roots.Length())
	var firstErr error
	roots.EachWithBreak(func(i int, s *goquery.Selection) bool {
		ev, err := x.parseEvent(date, i, s)
		if err != nil {
			firstErr = err
			return false
		}
		events = append(events, ev)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}

	appLog.Debug("extract: parsed day", "date", date, "events", len(events))
	return events, nil
}

func (x *Extractor) parseEvent(date model.Date, idx int, root *goquery.Selection) (model.Event, error) {
	raw := squash(root.Text())

	one := func(field, sel string) (string, error) {
		m := root.Find(sel)
		if m.Length() != 1 {
			return "", &ExtractionError{Date: date, Index: idx, Field: field, Matches: m.Length(), Raw: raw}
		}
		return squash(m.Text()), nil
	}

	startText, err := one("start time", x.opts.StartSelector)
	if err != nil {
		return model.Event{}, err
	}
	endText, err := one("end time", x.opts.EndSelector)
	if err != nil {
		return model.Event{}, err
	}
	title, err := one("title", x.opts.TitleSelector)
	if err != nil {
		return model.Event{}, err
	}

	start, err := x.at(date, startText)
	if err != nil {
		return model.Event{}, &ExtractionError{Date: date, Index: idx, Field: "start time", Matches: 1, Raw: raw, Err: err}
	}
	end, err := x.at(date, endText)
	if err != nil {
		return model.Event{}, &ExtractionError{Date: date, Index: idx, Field: "end time", Matches: 1, Raw: raw, Err: err}
	}

	// An end before the start means the booking runs past midnight. The
	// page shows no date for the end, so it is kept on the display date.
	return model.Event{Date: date, Start: start, End: end, Description: title}, nil
}

func (x *Extractor) at(date model.Date, clock string) (time.Time, error) {
	c := strings.ToUpper(strings.TrimSpace(clock))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, c); err == nil {
			return date.At(t.Hour(), t.Minute(), t.Second(), x.opts.Location), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time of day %q", clock)
}

// squash collapses whitespace runs, as rendered text would.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
