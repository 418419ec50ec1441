package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedmirror/internal/extract"
	"schedmirror/internal/model"
	"schedmirror/internal/navigator"
	"schedmirror/internal/page/pagetest"
	"schedmirror/internal/store"
)

// Fixed reference time: Wednesday, September 21, 2016 10:30 UTC.
var refNow = time.Date(2016, 9, 21, 10, 30, 0, 0, time.UTC)

var today = model.DateOf(refNow)

func apt(i int, start, end, title string) string {
	return fmt.Sprintf(`<div id="layer_AptDiv%d"><span id="a%d_lblStartTime">%s</span><span id="a%d_lblEndTime">%s</span><div id="a%d_lblTitle">%s</div></div>`,
		i, i, start, i, end, i, title)
}

type harness struct {
	page   *pagetest.Page
	daemon *Daemon
	dbPath string
	clock  *time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	now := refNow
	h := &harness{
		page:   pagetest.New(today),
		dbPath: filepath.Join(t.TempDir(), "mirror.db"),
		clock:  &now,
	}
	h.page.ReloadProbes = 1
	for i := 0; i < 5; i++ {
		d := today.AddDays(i)
		h.page.Days[d] = apt(0, "9:00 AM", "10:00 AM", "Subject: Lane Swim "+d.String()) +
			apt(1, "1:00 PM", "3:00 PM", "Subject: Varsity Swimming")
	}

	clock := func() time.Time { return *h.clock }

	st := h.open(t)
	require.NoError(t, st.Init(context.Background()))
	require.NoError(t, st.Close())

	nav := navigator.New(h.page, navigator.Options{
		DayHeaderSelector: h.page.HeaderSelector,
		PollInterval:      time.Millisecond,
		Timeout:           200 * time.Millisecond,
		Location:          time.UTC,
		Now:               clock,
	})
	ext, err := extract.New(h.page, extract.Options{ContainerSelector: h.page.ContainerSelector, Location: time.UTC})
	require.NoError(t, err)

	opts.Location = time.UTC
	h.daemon = New(opts, h.page, nav, ext, func(ctx context.Context) (*store.Store, error) {
		return store.Open(ctx, h.dbPath, store.WithClock(clock), store.WithLocation(time.UTC))
	})
	h.daemon.now = clock
	return h
}

func (h *harness) open(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), h.dbPath, store.WithClock(func() time.Time { return *h.clock }), store.WithLocation(time.UTC))
	require.NoError(t, err)
	return st
}

func (h *harness) snapshot(t *testing.T) map[model.Date]time.Time {
	t.Helper()
	st := h.open(t)
	defer st.Close()
	snap, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

var hourly = []model.Rule{{StartOffset: 0, EndOffset: 2, Period: time.Hour}}

func TestRunCycleRefreshesDueDays(t *testing.T) {
	h := newHarness(t, Options{Rules: hourly, SleepBuffer: 5 * time.Minute})

	rep, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, rep.Err)

	want := []model.Date{today, today.AddDays(1), today.AddDays(2)}
	assert.Equal(t, want, rep.Due)
	assert.Equal(t, want, rep.Refreshed)
	assert.NotEmpty(t, rep.ID)

	// processed strictly ascending: the page ends on the last due day
	assert.Equal(t, today.AddDays(2), h.page.Current())

	st := h.open(t)
	defer st.Close()
	events, err := st.EventsOn(context.Background(), today.AddDays(1))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Subject: Lane Swim "+today.AddDays(1).String(), events[0].Description)
	assert.Equal(t, today.AddDays(1).At(13, 0, 0, time.UTC), events[1].Start)

	// everything is fresh until an hour from now; oversleep by the buffer
	assert.Equal(t, refNow.Add(time.Hour), rep.NextWakeup)
	assert.Equal(t, 65*time.Minute, rep.Sleep)
}

func TestRunCycleSecondPassIsIdle(t *testing.T) {
	h := newHarness(t, Options{Rules: hourly})
	_, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)

	*h.clock = refNow.Add(30 * time.Minute)
	rep, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Due)

	*h.clock = refNow.Add(time.Hour)
	rep, err = h.daemon.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Refreshed, 3)
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	h := newHarness(t, Options{Rules: hourly})
	bad := today.AddDays(1)
	// two titles in one event make it ambiguous
	h.page.Days[bad] = `<div id="layer_AptDiv0"><span id="s_lblStartTime">9:00 AM</span><span id="e_lblEndTime">10:00 AM</span>` +
		`<div id="t1_lblTitle">Subject: A</div><div id="t2_lblTitle">Subject: B</div></div>`

	rep, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []model.Date{today, today.AddDays(2)}, rep.Refreshed)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, bad, rep.Failed[0].Date)
	var xerr *extract.ExtractionError
	assert.ErrorAs(t, rep.Failed[0].Err, &xerr)
	assert.Error(t, rep.Err)

	snap := h.snapshot(t)
	_, logged := snap[bad]
	assert.False(t, logged, "failed day must stay stale")
	assert.Len(t, snap, 2)
}

func TestRunCycleSkipsMismatchedNavigation(t *testing.T) {
	h := newHarness(t, Options{Rules: hourly})
	h.page.Land = func(target model.Date) model.Date {
		if target == today.AddDays(2) {
			return today.AddDays(3)
		}
		return target
	}

	rep, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Failed, 1)
	assert.ErrorIs(t, rep.Failed[0].Err, navigator.ErrVerificationFailed)
	assert.Len(t, rep.Refreshed, 2)
}

func TestRunCycleSkipsTimedOutNavigation(t *testing.T) {
	h := newHarness(t, Options{Rules: []model.Rule{{StartOffset: 1, EndOffset: 1, Period: time.Hour}}})
	h.page.NeverReload = true

	rep, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Failed, 1)
	assert.ErrorIs(t, rep.Failed[0].Err, navigator.ErrNavigationTimeout)
	// nothing fresh: recheck after the smallest rule period
	assert.Equal(t, refNow.Add(time.Hour), rep.NextWakeup)
}

func TestRunCyclePurgesPastLogRows(t *testing.T) {
	h := newHarness(t, Options{Rules: hourly})
	st := h.open(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.ReplaceDay(context.Background(), today.AddDays(-i), nil))
	}
	require.NoError(t, st.Close())

	rep, err := h.daemon.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.Purged)

	for d := range h.snapshot(t) {
		assert.False(t, d.Before(today))
	}
}

func TestRunCycleStoreUnavailable(t *testing.T) {
	h := newHarness(t, Options{Rules: hourly})
	boom := errors.New("disk gone")
	h.daemon.openStore = func(context.Context) (*store.Store, error) { return nil, boom }

	_, err := h.daemon.RunCycle(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSleepForRecheckCap(t *testing.T) {
	every, err := cron.ParseStandard("@every 30m")
	require.NoError(t, err)
	h := newHarness(t, Options{Rules: hourly, SleepBuffer: 5 * time.Minute, Recheck: every})

	assert.Equal(t, 30*time.Minute, h.daemon.sleepFor(refNow.Add(4*time.Hour)))
	assert.Equal(t, 15*time.Minute, h.daemon.sleepFor(refNow.Add(10*time.Minute)))
	// overdue wakeups never produce a negative sleep
	assert.Equal(t, time.Duration(0), h.daemon.sleepFor(refNow.Add(-time.Hour)))
}

func TestRunLoadsPageThenCycles(t *testing.T) {
	h := newHarness(t, Options{PageURL: "https://schedule.test/pool", Rules: hourly})

	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	h.daemon.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		cancel()
		return ctx.Err()
	}

	require.NoError(t, h.daemon.Run(ctx))

	assert.Equal(t, []string{"https://schedule.test/pool"}, h.page.Navigated())
	assert.Equal(t, []time.Duration{time.Hour}, slept)
	assert.Len(t, h.snapshot(t), 3)
}

func TestOnceLoadsPageAndRunsOneCycle(t *testing.T) {
	h := newHarness(t, Options{PageURL: "https://schedule.test/pool", Rules: hourly})

	rep, err := h.daemon.Once(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Refreshed, 3)
	assert.Equal(t, []string{"https://schedule.test/pool"}, h.page.Navigated())
}
