package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"schedmirror/internal/config"
	"schedmirror/internal/ics"
	appLog "schedmirror/internal/log"
	"schedmirror/internal/model"
	"schedmirror/internal/scheduler"
)

// maxRangeDays bounds /api/events?from=&to= requests.
const maxRangeDays = 366

// Mirror is the read side of the store.
type Mirror interface {
	EventsBetween(ctx context.Context, from, to model.Date) ([]model.Event, error)
	Snapshot(ctx context.Context) (map[model.Date]time.Time, error)
}

// Server provides a read-only HTTP API over the mirrored schedule.
type Server struct {
	cfg    *config.Config
	mirror Mirror
	loc    *time.Location
	mux    *http.ServeMux
	now    func() time.Time

	// The feed is rebuilt at most once per icsCacheTTL.
	icsMu    sync.RWMutex
	icsCache *icsCache
}

type icsCache struct {
	body      []byte
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, mirror Mirror) *Server {
	s := &Server{
		cfg:    cfg,
		mirror: mirror,
		loc:    resolveLocationOrLocal(cfg),
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("web: basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="schedmirror", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("web: listening", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("web: shutdown", err)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) today() model.Date {
	return model.DateOf(s.now().In(s.loc))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Timezone string     `json:"timezone"`
	Events   []eventDTO `json:"events"`
}

type eventDTO struct {
	Date        string `json:"date"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Description string `json:"description"`
}

// handleEvents returns stored events for a day or a range of days.
//
// GET /api/events?date=2016-09-21
// GET /api/events?from=2016-09-21&to=2016-09-27
//
// Without parameters the coming week is returned.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.mirror.EventsBetween(r.Context(), from, to)
	if err != nil {
		appLog.Error("web: reading events", err, "from", from, "to", to)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	resp := eventsResponse{
		From:     from.String(),
		To:       to.String(),
		Timezone: s.loc.String(),
		Events:   make([]eventDTO, 0, len(events)),
	}
	for _, ev := range events {
		// Times are naive on the page; they are served as wall clock.
		resp.Events = append(resp.Events, eventDTO{
			Date:        ev.Date.String(),
			Start:       ev.Start.Format("15:04:05"),
			End:         ev.End.Format("15:04:05"),
			Description: ev.Description,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseRange(r *http.Request) (model.Date, model.Date, error) {
	q := r.URL.Query()
	if v := q.Get("date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			return model.Date{}, model.Date{}, fmt.Errorf("bad date %q", v)
		}
		return d, d, nil
	}

	from := s.today()
	to := from.AddDays(6)
	if v := q.Get("from"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			return model.Date{}, model.Date{}, fmt.Errorf("bad from %q", v)
		}
		from = d
		to = d.AddDays(6)
	}
	if v := q.Get("to"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			return model.Date{}, model.Date{}, fmt.Errorf("bad to %q", v)
		}
		to = d
	}
	if to.Before(from) {
		return model.Date{}, model.Date{}, fmt.Errorf("to %s before from %s", to, from)
	}
	if to.After(from.AddDays(maxRangeDays - 1)) {
		return model.Date{}, model.Date{}, fmt.Errorf("range longer than %d days", maxRangeDays)
	}
	return from, to, nil
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Now        time.Time   `json:"now"`
	Due        []string    `json:"due"`
	NextWakeup time.Time   `json:"next_wakeup"`
	Days       []dayStatus `json:"days"`
}

type dayStatus struct {
	Date          string     `json:"date"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
	PeriodMinutes int        `json:"period_minutes"`
	NextDue       *time.Time `json:"next_due,omitempty"`
	Due           bool       `json:"due"`
}

// handleStatus reports the refresh plan as of now, from the store's log.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mirror.Snapshot(r.Context())
	if err != nil {
		appLog.Error("web: reading snapshot", err)
		writeError(w, http.StatusInternalServerError, "failed to read refresh log")
		return
	}

	plan := scheduler.Plan(s.now().In(s.loc), s.cfg.ModelRules(), snap)
	resp := statusResponse{
		Now:        plan.Now,
		Due:        make([]string, 0, len(plan.Due)),
		NextWakeup: plan.NextWakeup,
		Days:       make([]dayStatus, 0, len(plan.Days)),
	}
	for _, d := range plan.Due {
		resp.Due = append(resp.Due, d.String())
	}
	for _, d := range plan.Days {
		ds := dayStatus{
			Date:          d.Date.String(),
			PeriodMinutes: int(d.Period / time.Minute),
			Due:           d.Due,
		}
		if !d.LastUpdated.IsZero() {
			last, next := d.LastUpdated, d.NextDue
			ds.LastUpdated, ds.NextDue = &last, &next
		}
		resp.Days = append(resp.Days, ds)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar serves the mirrored window as an iCalendar feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	const icsCacheTTL = 30 * time.Second
	now := s.now()

	s.icsMu.RLock()
	c := s.icsCache
	s.icsMu.RUnlock()
	if c == nil || now.Sub(c.updatedAt) >= icsCacheTTL {
		body, err := s.renderCalendar(r.Context(), now)
		if err != nil {
			appLog.Error("web: rendering calendar", err)
			writeError(w, http.StatusInternalServerError, "failed to render calendar")
			return
		}
		c = &icsCache{body: body, updatedAt: now}
		s.icsMu.Lock()
		s.icsCache = c
		s.icsMu.Unlock()
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.body)
}

func (s *Server) renderCalendar(ctx context.Context, now time.Time) ([]byte, error) {
	from := s.today()
	to := from
	for _, rule := range s.cfg.ModelRules() {
		if _, end := rule.Window(from); end.After(to) {
			to = end
		}
	}
	events, err := s.mirror.EventsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = ics.Render(&buf, events, ics.Options{
		Name:     "schedmirror",
		Source:   s.cfg.PageURL,
		Timezone: s.cfg.Timezone,
		Stamp:    now,
	})
	return buf.Bytes(), err
}

func resolveLocationOrLocal(cfg *config.Config) *time.Location {
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("web: failed to load timezone; falling back to local", err, "name", cfg.Timezone)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("web: failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
