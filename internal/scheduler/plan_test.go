package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedmirror/internal/model"
)

// Fixed reference time: Wednesday, September 21, 2016 10:30 local.
var refNow = time.Date(2016, 9, 21, 10, 30, 0, 0, time.Local)

func day(offset int) model.Date {
	return model.DateOf(refNow).AddDays(offset)
}

func TestPlanEmptyRules(t *testing.T) {
	s := Plan(refNow, nil, nil)

	assert.Empty(t, s.Due)
	assert.Empty(t, s.Days)
	assert.Equal(t, refNow.Add(DefaultIdleWakeup), s.NextWakeup)
}

func TestPlanNeverRefreshedDaysAreDue(t *testing.T) {
	rules := []model.Rule{{StartOffset: 0, EndOffset: 2, Period: time.Hour}}

	s := Plan(refNow, rules, map[model.Date]time.Time{})

	assert.Equal(t, []model.Date{day(0), day(1), day(2)}, s.Due)
	// nothing is fresh, so fall back to the smallest rule period
	assert.Equal(t, refNow.Add(time.Hour), s.NextWakeup)
}

func TestPlanMinimumPeriodWins(t *testing.T) {
	rules := []model.Rule{
		{StartOffset: 0, EndOffset: 13, Period: 60 * time.Minute},
		{StartOffset: 10, EndOffset: 27, Period: 8 * time.Hour},
	}
	// day 12 is covered by both rules; refreshed 2h ago it is stale under
	// the hourly rule even though the 8h rule would still accept it.
	// day 20 is only covered by the 8h rule.
	snapshot := map[model.Date]time.Time{}
	for i := 0; i <= 27; i++ {
		snapshot[day(i)] = refNow.Add(-2 * time.Hour)
	}

	s := Plan(refNow, rules, snapshot)

	byDate := map[model.Date]DayStatus{}
	for _, st := range s.Days {
		byDate[st.Date] = st
	}
	assert.Equal(t, time.Hour, byDate[day(12)].Period)
	assert.True(t, byDate[day(12)].Due)
	assert.Equal(t, 8*time.Hour, byDate[day(20)].Period)
	assert.False(t, byDate[day(20)].Due)

	require.Len(t, s.Due, 14)
	assert.Equal(t, day(0), s.Due[0])
	assert.Equal(t, day(13), s.Due[13])
	assert.Equal(t, refNow.Add(6*time.Hour), s.NextWakeup)
}

func TestPlanDueBoundaryIsInclusive(t *testing.T) {
	rules := []model.Rule{{StartOffset: 0, EndOffset: 0, Period: time.Hour}}
	snapshot := map[model.Date]time.Time{day(0): refNow.Add(-time.Hour)}

	s := Plan(refNow, rules, snapshot)
	assert.Equal(t, []model.Date{day(0)}, s.Due)

	snapshot[day(0)] = refNow.Add(-time.Hour + time.Second)
	s = Plan(refNow, rules, snapshot)
	assert.Empty(t, s.Due)
	assert.Equal(t, refNow.Add(time.Second), s.NextWakeup)
}

func TestPlanIgnoresSnapshotOutsideWindows(t *testing.T) {
	rules := []model.Rule{{StartOffset: 1, EndOffset: 1, Period: time.Hour}}
	snapshot := map[model.Date]time.Time{
		day(1): refNow,
		// stale but uncovered: must neither be due nor drive the wakeup
		day(5): refNow.Add(-48 * time.Hour),
	}

	s := Plan(refNow, rules, snapshot)

	assert.Empty(t, s.Due)
	require.Len(t, s.Days, 1)
	assert.Equal(t, refNow.Add(time.Hour), s.NextWakeup)
}

func TestPlanInvertedWindowCoversNothing(t *testing.T) {
	rules := []model.Rule{{StartOffset: 5, EndOffset: 2, Period: 30 * time.Minute}}

	s := Plan(refNow, rules, nil)

	assert.Empty(t, s.Due)
	assert.Equal(t, refNow.Add(30*time.Minute), s.NextWakeup)
}

func TestPlanWindowCrossesMonthEnd(t *testing.T) {
	now := time.Date(2016, 12, 30, 9, 0, 0, 0, time.Local)
	rules := []model.Rule{{StartOffset: 0, EndOffset: 3, Period: time.Hour}}

	s := Plan(now, rules, nil)

	assert.Equal(t, []model.Date{
		{Year: 2016, Month: time.December, Day: 30},
		{Year: 2016, Month: time.December, Day: 31},
		{Year: 2017, Month: time.January, Day: 1},
		{Year: 2017, Month: time.January, Day: 2},
	}, s.Due)
}

// Randomized check of the due and wakeup properties against a brute force
// evaluation of the rules.
func TestPlanProperties(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		var rules []model.Rule
		for i := 0; i < 1+rnd.Intn(4); i++ {
			start := rnd.Intn(10)
			rules = append(rules, model.Rule{
				StartOffset: start,
				EndOffset:   start + rnd.Intn(10),
				Period:      time.Duration(1+rnd.Intn(600)) * time.Minute,
			})
		}
		snapshot := map[model.Date]time.Time{}
		for i := 0; i < 20; i++ {
			if rnd.Intn(3) == 0 {
				continue
			}
			snapshot[day(i)] = refNow.Add(-time.Duration(rnd.Intn(700)) * time.Minute)
		}

		s := Plan(refNow, rules, snapshot)

		due := map[model.Date]bool{}
		for _, d := range s.Due {
			due[d] = true
		}
		for i := 0; i < 20; i++ {
			d := day(i)
			var eff time.Duration
			covered := false
			for _, r := range rules {
				if r.Covers(day(0), d) && (!covered || r.Period < eff) {
					eff, covered = r.Period, true
				}
			}
			if !covered {
				assert.False(t, due[d], "uncovered %s must not be due", d)
				continue
			}
			last, ok := snapshot[d]
			wantDue := !ok || refNow.Sub(last) >= eff
			assert.Equal(t, wantDue, due[d], "day %s", d)
			if !wantDue {
				assert.False(t, s.NextWakeup.After(last.Add(eff)), "wakeup past %s", d)
			}
		}

		for i := 1; i < len(s.Due); i++ {
			assert.True(t, s.Due[i-1].Before(s.Due[i]))
		}

		// Replanning at the wakeup must find at least one due day whenever
		// the wakeup came from a fresh day.
		if len(s.Due) < len(s.Days) {
			again := Plan(s.NextWakeup, rules, snapshot)
			assert.NotEmpty(t, again.Due)
		}
	}
}
