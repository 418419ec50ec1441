// Package navigator drives the schedule page to a requested day.
//
// The page reloads client side with no completion signal. The navigator
// captures the day-header element, fires the page's own date-selection API
// and then polls the captured handle until it detaches, which is the only
// evidence that the new day has been rendered. The displayed date is then
// re-read and compared with the target.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "schedmirror/internal/log"
	"schedmirror/internal/model"
	"schedmirror/internal/page"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 59 * time.Second
	DefaultDateLayout   = "Monday, January 2, 2006"
	// DefaultHorizonYears is how far ahead the page accepts dates.
	DefaultHorizonYears = 2
)

var (
	ErrNavigationTimeout  = errors.New("navigator: day header did not detach before timeout")
	ErrVerificationFailed = errors.New("navigator: displayed date does not match target")
)

// ValidationError rejects a target outside the navigable range. It is
// returned before the page is touched.
type ValidationError struct {
	Date model.Date
	Min  model.Date
	Max  model.Date
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("navigator: date %s outside navigable range [%s, %s]", e.Date, e.Min, e.Max)
}

// MismatchError reports that the page settled on a different day.
type MismatchError struct {
	Want model.Date
	Got  model.Date
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: want %s, got %s", ErrVerificationFailed, e.Want, e.Got)
}

func (e *MismatchError) Unwrap() error { return ErrVerificationFailed }

// State tracks the navigation state machine.
type State int

const (
	Idle State = iota
	Navigating
	Polling
	Verified
	Mismatched
	TimedOutState
	Failed
)

func (s State) String() string {
	return [...]string{"idle", "navigating", "polling", "verified", "mismatched", "timed_out", "failed"}[s]
}

// Options configures a Navigator. Zero values fall back to defaults.
type Options struct {
	DayHeaderSelector string
	DateAttribute     string
	DateLayout        string
	// SchedulerObject is the global name of the page's client-side
	// scheduler whose GotoDate method switches the displayed day.
	SchedulerObject string

	PollInterval time.Duration
	Timeout      time.Duration
	HorizonYears int

	Location *time.Location
	Now      func() time.Time
}

// Navigator owns no session; it drives the one it is given.
type Navigator struct {
	session page.Session
	opts    Options
	state   State
}

func New(session page.Session, opts Options) *Navigator {
	if opts.DayHeaderSelector == "" {
		opts.DayHeaderSelector = ".dxscDateHeader_Metropolis"
	}
	if opts.DateAttribute == "" {
		opts.DateAttribute = "title"
	}
	if opts.DateLayout == "" {
		opts.DateLayout = DefaultDateLayout
	}
	if opts.SchedulerObject == "" {
		opts.SchedulerObject = "ctl00_contentMain_schedulerMain"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HorizonYears <= 0 {
		opts.HorizonYears = DefaultHorizonYears
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Navigator{session: session, opts: opts}
}

// State returns the state reached by the last Goto.
func (n *Navigator) State() State { return n.state }

// Validate checks that d lies in [today, today+HorizonYears] inclusive.
func (n *Navigator) Validate(d model.Date) error {
	today := model.DateOf(n.opts.Now().In(n.opts.Location))
	last := today.AddYears(n.opts.HorizonYears)
	if d.Before(today) || d.After(last) {
		return &ValidationError{Date: d, Min: today, Max: last}
	}
	return nil
}

// Goto makes the page display d.
func (n *Navigator) Goto(ctx context.Context, d model.Date) error {
	n.state = Idle
	if err := n.Validate(d); err != nil {
		return err
	}

	header, err := n.session.FindSingle(ctx, n.opts.DayHeaderSelector)
	if err != nil {
		n.state = Failed
		return fmt.Errorf("navigator: locating day header: %w", err)
	}
	shown, err := n.readHeader(ctx, header)
	if err != nil {
		n.state = Failed
		return fmt.Errorf("navigator: reading day header: %w", err)
	}
	if shown == d {
		// Selecting the displayed day does not re-render, so there would be
		// nothing to wait for.
		n.state = Verified
		appLog.Debug("navigator: already displayed", "date", d)
		return nil
	}

	n.state = Navigating
	if err := n.session.Evaluate(ctx, GotoScript(n.opts.SchedulerObject, d)); err != nil {
		n.state = Failed
		return fmt.Errorf("navigator: issuing date selection: %w", err)
	}

	n.state = Polling
	w := AwaitDetach(ctx, func(ctx context.Context) error {
		_, err := header.Attribute(ctx, n.opts.DateAttribute)
		return err
	}, n.opts.PollInterval, n.opts.Timeout)

	appLog.Debug("navigator: wait finished", "date", d, "outcome", w.Outcome, "probes", w.Probes, "elapsed", w.Elapsed)

	switch w.Outcome {
	case TimedOut:
		n.state = TimedOutState
		return fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, d, n.opts.Timeout)
	case Broken:
		n.state = Failed
		return fmt.Errorf("navigator: polling day header: %w", w.Err)
	}

	got, err := n.CurrentDate(ctx)
	if err != nil {
		n.state = Failed
		return err
	}
	if got != d {
		n.state = Mismatched
		return &MismatchError{Want: d, Got: got}
	}
	n.state = Verified
	return nil
}

// CurrentDate re-queries the day header and parses the displayed date.
func (n *Navigator) CurrentDate(ctx context.Context) (model.Date, error) {
	header, err := n.session.FindSingle(ctx, n.opts.DayHeaderSelector)
	if err != nil {
		return model.Date{}, fmt.Errorf("navigator: locating day header: %w", err)
	}
	d, err := n.readHeader(ctx, header)
	if err != nil {
		return model.Date{}, fmt.Errorf("navigator: reading day header: %w", err)
	}
	return d, nil
}

func (n *Navigator) readHeader(ctx context.Context, header page.Node) (model.Date, error) {
	raw, err := header.Attribute(ctx, n.opts.DateAttribute)
	if err != nil {
		return model.Date{}, err
	}
	if strings.TrimSpace(raw) == "" {
		if raw, err = header.Text(ctx); err != nil {
			return model.Date{}, err
		}
	}
	return ParseHeaderDate(n.opts.DateLayout, raw)
}

// ParseHeaderDate parses the day header's text with layout.
func ParseHeaderDate(layout, raw string) (model.Date, error) {
	t, err := time.Parse(layout, strings.TrimSpace(raw))
	if err != nil {
		return model.Date{}, fmt.Errorf("navigator: unparseable header date %q: %w", raw, err)
	}
	return model.DateOf(t), nil
}

// GotoScript calls the page's client-side scheduler directly; the visible
// date picker cannot reach arbitrary days.
func GotoScript(object string, d model.Date) string {
	// JavaScript months are zero based.
	return fmt.Sprintf("window[%q].GotoDate(new Date(%d, %d, %d));", object, d.Year, int(d.Month)-1, d.Day)
}
