// Package daemon runs the refresh loop: wake, plan, refresh due days, purge
// old log rows, then sleep until the next day becomes due.
//
// The loop is strictly sequential. It owns the only page session, opens the
// store at the start of each cycle and closes it before sleeping.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	appLog "schedmirror/internal/log"
	"schedmirror/internal/model"
	"schedmirror/internal/page"
	"schedmirror/internal/scheduler"
	"schedmirror/internal/store"
)

// RetryDelay is how long Run waits after a cycle could not even read the
// store.
const RetryDelay = time.Minute

// Navigator moves the page to a day.
type Navigator interface {
	Goto(ctx context.Context, d model.Date) error
}

// Extractor reads the events of the displayed day.
type Extractor interface {
	Extract(ctx context.Context, d model.Date) ([]model.Event, error)
}

// screenshotter is implemented by sessions that can capture the view.
type screenshotter interface {
	Screenshot(ctx context.Context, path string) error
}

// Options configures a Daemon.
type Options struct {
	PageURL     string
	Rules       []model.Rule
	SleepBuffer time.Duration
	// Recheck, if set, caps every sleep at its next activation.
	Recheck  cron.Schedule
	Location *time.Location
	// DumpDir receives a screenshot of the page when extraction fails.
	DumpDir string
}

// Daemon ties the page, the planner and the store together.
type Daemon struct {
	opts      Options
	session   page.Session
	nav       Navigator
	ext       Extractor
	openStore func(ctx context.Context) (*store.Store, error)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Daemon. openStore is called once per cycle.
func New(opts Options, session page.Session, nav Navigator, ext Extractor, openStore func(ctx context.Context) (*store.Store, error)) *Daemon {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.SleepBuffer < 0 {
		opts.SleepBuffer = 0
	}
	return &Daemon{
		opts:      opts,
		session:   session,
		nav:       nav,
		ext:       ext,
		openStore: openStore,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// DayFailure records a day that could not be refreshed this cycle.
type DayFailure struct {
	Date model.Date
	Err  error
}

// CycleReport summarizes one refresh cycle. It is informational only.
type CycleReport struct {
	ID         string
	Started    time.Time
	Due        []model.Date
	Refreshed  []model.Date
	Failed     []DayFailure
	Purged     int64
	NextWakeup time.Time
	Sleep      time.Duration
	// Err aggregates per-day and purge failures.
	Err error
}

// Run navigates to the page once and then cycles until ctx is cancelled.
// Only a failure to load the page at startup is returned.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.loadPage(ctx); err != nil {
		return err
	}

	for {
		rep, err := d.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := rep.Sleep
		if err != nil {
			appLog.Error("daemon: cycle failed", err, "cycle", rep.ID)
			wait = RetryDelay
		}

		appLog.Info("daemon: sleeping",
			"cycle", rep.ID,
			"for", wait.Round(time.Second),
			"wake_at", d.now().Add(wait).Format(store.TimestampLayout),
		)
		if err := d.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// Once loads the page and runs a single cycle.
func (d *Daemon) Once(ctx context.Context) (CycleReport, error) {
	if err := d.loadPage(ctx); err != nil {
		return CycleReport{}, err
	}
	return d.RunCycle(ctx)
}

func (d *Daemon) loadPage(ctx context.Context) error {
	if d.opts.PageURL == "" {
		return nil
	}
	appLog.Info("daemon: loading schedule page", "url", d.opts.PageURL)
	if err := d.session.Navigate(ctx, d.opts.PageURL); err != nil {
		return fmt.Errorf("daemon: loading schedule page: %w", err)
	}
	return nil
}

// RunCycle performs one wake: plan, refresh each due day in ascending
// order, purge log rows before today and compute the sleep. The returned
// error is set only when the store could not be used at all; per-day
// failures are collected in CycleReport.Err.
func (d *Daemon) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{ID: uuid.NewString(), Started: d.now().In(d.opts.Location)}

	st, err := d.openStore(ctx)
	if err != nil {
		return rep, fmt.Errorf("daemon: opening store: %w", err)
	}
	defer st.Close()

	snapshot, err := st.Snapshot(ctx)
	if err != nil {
		return rep, err
	}

	plan := scheduler.Plan(rep.Started, d.opts.Rules, snapshot)
	rep.Due = plan.Due
	rep.NextWakeup = plan.NextWakeup

	appLog.Info("daemon: cycle start",
		"cycle", rep.ID,
		"covered", len(plan.Days),
		"due", len(plan.Due),
		"next_due", humanize.RelTime(plan.NextWakeup, rep.Started, "ago", "from now"),
	)

	var merr *multierror.Error
	for _, day := range plan.Due {
		if ctx.Err() != nil {
			merr = multierror.Append(merr, ctx.Err())
			break
		}
		if err := d.refreshDay(ctx, st, day); err != nil {
			appLog.Error("daemon: refresh failed", err, "cycle", rep.ID, "date", day)
			rep.Failed = append(rep.Failed, DayFailure{Date: day, Err: err})
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", day, err))
			continue
		}
		rep.Refreshed = append(rep.Refreshed, day)
	}

	if ctx.Err() == nil {
		today := model.DateOf(d.now().In(d.opts.Location))
		n, err := st.Purge(ctx, today)
		if err != nil {
			appLog.Error("daemon: purge failed", err, "cycle", rep.ID)
			merr = multierror.Append(merr, err)
		}
		rep.Purged = n
	}

	rep.Sleep = d.sleepFor(rep.NextWakeup)
	rep.Err = merr.ErrorOrNil()

	appLog.Info("daemon: cycle done",
		"cycle", rep.ID,
		"refreshed", len(rep.Refreshed),
		"failed", len(rep.Failed),
		"purged", rep.Purged,
		"took", d.now().Sub(rep.Started).Round(time.Millisecond),
	)
	return rep, nil
}

func (d *Daemon) refreshDay(ctx context.Context, st *store.Store, day model.Date) error {
	start := d.now()
	if err := d.nav.Goto(ctx, day); err != nil {
		return err
	}
	events, err := d.ext.Extract(ctx, day)
	if err != nil {
		d.dump(ctx, day)
		return err
	}
	if err := st.ReplaceDay(ctx, day, events); err != nil {
		return err
	}
	appLog.Info("daemon: refreshed", "date", day, "events", len(events), "took", d.now().Sub(start).Round(time.Millisecond))
	return nil
}

// sleepFor oversleeps the wakeup by SleepBuffer so work is due on waking,
// never sleeping past the next Recheck activation.
func (d *Daemon) sleepFor(wakeup time.Time) time.Duration {
	now := d.now()
	wait := wakeup.Sub(now) + d.opts.SleepBuffer
	if d.opts.Recheck != nil {
		if capAt := d.opts.Recheck.Next(now); !capAt.IsZero() && capAt.Sub(now) < wait {
			wait = capAt.Sub(now)
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (d *Daemon) dump(ctx context.Context, day model.Date) {
	if d.opts.DumpDir == "" {
		return
	}
	shot, ok := d.session.(screenshotter)
	if !ok {
		return
	}
	if err := os.MkdirAll(d.opts.DumpDir, 0o755); err != nil {
		appLog.Error("daemon: dump dir", err, "dir", d.opts.DumpDir)
		return
	}
	path := filepath.Join(d.opts.DumpDir, fmt.Sprintf("extract-%s-%d.png", day, d.now().Unix()))
	if err := shot.Screenshot(ctx, path); err != nil {
		appLog.Error("daemon: dump screenshot", err, "date", day)
		return
	}
	appLog.Info("daemon: wrote screenshot", "date", day, "path", path)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
