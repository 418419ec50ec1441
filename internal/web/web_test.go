package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedmirror/internal/config"
	"schedmirror/internal/model"
	"schedmirror/internal/store"
)

var (
	refNow = time.Date(2016, 9, 21, 10, 30, 0, 0, time.UTC)
	today  = model.DateOf(refNow)
)

func newServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "mirror.db"),
		store.WithClock(func() time.Time { return refNow }), store.WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Init(ctx))

	mk := func(d model.Date, h1, h2 int, desc string) model.Event {
		return model.Event{Date: d, Start: d.At(h1, 0, 0, time.UTC), End: d.At(h2, 0, 0, time.UTC), Description: desc}
	}
	require.NoError(t, st.ReplaceDay(ctx, today, []model.Event{
		mk(today, 13, 15, "Subject: Varsity Swimming"),
		mk(today, 22, 0, "Subject: Facility Rental"),
	}))
	require.NoError(t, st.ReplaceDay(ctx, today.AddDays(1), []model.Event{
		mk(today.AddDays(1), 6, 8, "Subject: Lane Swim"),
	}))

	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Timezone = "UTC"
	}
	s := NewServer(cfg, st)
	s.now = func() time.Time { return refNow }
	return s, st
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t, nil)
	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestEventsForDate(t *testing.T) {
	s, _ := newServer(t, nil)
	rec := get(t, s.Handler(), "/api/events?date=2016-09-21")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2016-09-21", resp.From)
	assert.Equal(t, "2016-09-21", resp.To)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, eventDTO{Date: "2016-09-21", Start: "22:00:00", End: "00:00:00", Description: "Subject: Facility Rental"}, resp.Events[1])
}

func TestEventsDefaultWeek(t *testing.T) {
	s, _ := newServer(t, nil)
	rec := get(t, s.Handler(), "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2016-09-21", resp.From)
	assert.Equal(t, "2016-09-27", resp.To)
	assert.Len(t, resp.Events, 3)
	assert.Equal(t, "UTC", resp.Timezone)
}

func TestEventsBadRequests(t *testing.T) {
	s, _ := newServer(t, nil)
	for _, target := range []string{
		"/api/events?date=yesterday",
		"/api/events?from=2016-09-21&to=2016-09-20",
		"/api/events?from=2016-01-01&to=2018-01-01",
		"/api/events?from=2016-13-01",
	} {
		t.Run(target, func(t *testing.T) {
			rec := get(t, s.Handler(), target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Rules = []config.RuleConfig{{Start: 0, End: 2, PeriodMinutes: 60}}
	s, _ := newServer(t, cfg)

	rec := get(t, s.Handler(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"2016-09-23"}, resp.Due)
	assert.True(t, resp.NextWakeup.Equal(refNow.Add(time.Hour)))
	require.Len(t, resp.Days, 3)
	assert.Equal(t, 60, resp.Days[0].PeriodMinutes)
	require.NotNil(t, resp.Days[0].LastUpdated)
	assert.Nil(t, resp.Days[2].LastUpdated)
	assert.True(t, resp.Days[2].Due)
}

func TestCalendar(t *testing.T) {
	s, _ := newServer(t, nil)
	rec := get(t, s.Handler(), "/calendar.ics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, 3, strings.Count(body, "BEGIN:VEVENT"))
	assert.Contains(t, body, "SUMMARY:Subject: Lane Swim")
}

func TestCalendarIsCached(t *testing.T) {
	s, st := newServer(t, nil)
	first := get(t, s.Handler(), "/calendar.ics").Body.String()

	require.NoError(t, st.ReplaceDay(context.Background(), today.AddDays(1), nil))
	assert.Equal(t, first, get(t, s.Handler(), "/calendar.ics").Body.String())

	s.now = func() time.Time { return refNow.Add(time.Minute) }
	assert.Equal(t, 2, strings.Count(get(t, s.Handler(), "/calendar.ics").Body.String(), "BEGIN:VEVENT"))
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "pool", Password: "chlorine"}
	s, _ := newServer(t, cfg)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)

	rec := get(t, h, "/api/events")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.SetBasicAuth("pool", "chlorine")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestBasicAuthDisabledWhenIncomplete(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "pool"}
	s, _ := newServer(t, cfg)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/events").Code)
}
