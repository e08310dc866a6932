// Package web serves the calendar feeds over HTTP. Each published
// calendar is addressed by its URL token; the handler checks the feed
// cache first and only runs the fetch/expand/encode pipeline on a miss.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"poolcal/internal/cache"
	"poolcal/internal/config"
	"poolcal/internal/expand"
	"poolcal/internal/feed"
	applog "poolcal/internal/log"
	"poolcal/internal/model"
	"poolcal/internal/source"
)

// calendarFeed binds one published calendar to its upstream adapter.
type calendarFeed struct {
	cfg     config.CalendarConfig
	token   string
	adapter source.Adapter
}

// Server routes feed requests and owns the per-calendar pipeline.
type Server struct {
	cfg   *config.Config
	cache *cache.Cache
	mux   *http.ServeMux

	feeds []*calendarFeed

	started time.Time
	now     func() time.Time // test hook
}

// NewServer constructs a Server with one adapter per configured
// calendar and a shared feed cache.
func NewServer(cfg *config.Config, feedCache *cache.Cache) *Server {
	s := &Server{
		cfg:     cfg,
		cache:   feedCache,
		mux:     http.NewServeMux(),
		started: time.Now(),
		now:     time.Now,
	}
	for i := range cfg.Calendars {
		cal := cfg.Calendars[i]
		s.feeds = append(s.feeds, &calendarFeed{
			cfg:     cal,
			token:   cfg.FeedToken(&cal),
			adapter: buildAdapter(cfg, &cal),
		})
	}
	s.registerRoutes()
	return s
}

func buildAdapter(cfg *config.Config, cal *config.CalendarConfig) source.Adapter {
	switch cal.Source.Type {
	case config.SourceICS:
		return source.NewICS(source.ICSOptions{
			SourceID:        cal.ID,
			URL:             cal.Source.URL,
			Username:        cal.Source.Username,
			Password:        cal.Source.Password,
			Timeout:         cfg.FetchTimeout(),
			Attempts:        cfg.FetchAttempts,
			DefaultTimezone: cal.Timezone,
		})
	default:
		return source.NewTimecare(source.TimecareOptions{
			SourceID:        cal.ID,
			URL:             cal.Source.URL,
			Username:        cal.Source.Username,
			Password:        cal.Source.Password,
			Timeout:         cfg.FetchTimeout(),
			Attempts:        cfg.FetchAttempts,
			DefaultTimezone: cal.Timezone,
		})
	}
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/calendar/", s.handleCalendar)
	s.mux.HandleFunc("/refresh", s.handleRefresh)
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "poolcal webcal",
		"status":    "running",
		"calendars": len(s.feeds),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleCalendar serves GET /calendar/{token}.ics.
//
// Request flow: the token is resolved to a calendar (404 on miss), the
// feed cache answers fresh snapshots directly, a stale or absent
// snapshot triggers one coalesced generation, and a client whose
// If-None-Match matches the served snapshot gets a 304.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/calendar/")
	token = strings.TrimSuffix(token, ".ics")
	cal := s.lookupFeed(token)
	if cal == nil {
		http.NotFound(w, r)
		return
	}

	snap, err := s.cache.GetOrGenerate(cal.cfg.ID, func() (string, error) {
		return s.generateFeed(cal)
	})
	if err != nil {
		s.writeGenerationError(w, cal.cfg.ID, err)
		return
	}

	if tag := r.Header.Get("If-None-Match"); tag != "" && s.cache.Matches(cal.cfg.ID, tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename=`+cal.cfg.ID+`.ics`)
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Last-Modified", snap.GeneratedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(snap.Body))
	}
}

// handleRefresh serves POST /refresh?token=..., forcing regeneration of
// the matching calendar regardless of TTL.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cal := s.lookupFeed(r.URL.Query().Get("token"))
	if cal == nil {
		http.NotFound(w, r)
		return
	}

	if _, err := s.cache.Refresh(cal.cfg.ID, func() (string, error) {
		return s.generateFeed(cal)
	}); err != nil {
		s.writeGenerationError(w, cal.cfg.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refresh triggered", "calendar": cal.cfg.ID})
}

func (s *Server) lookupFeed(token string) *calendarFeed {
	if token == "" {
		return nil
	}
	for _, f := range s.feeds {
		if subtle.ConstantTimeCompare([]byte(token), []byte(f.token)) == 1 {
			return f
		}
	}
	return nil
}

// generateFeed runs the full pipeline for one calendar: fetch within
// the configured window, expand recurrences, encode. It deliberately
// runs on a background context so a disconnecting client cannot abort
// a generation other waiters are sharing; the retrier and per-attempt
// timeouts bound its lifetime.
func (s *Server) generateFeed(cal *calendarFeed) (string, error) {
	loc, err := time.LoadLocation(cal.cfg.Timezone)
	if err != nil {
		loc = time.UTC
		applog.Warn("calendar timezone unresolved, using UTC", "calendar", cal.cfg.ID, "timezone", cal.cfg.Timezone)
	}

	window := s.feedWindow(loc)

	events, err := cal.adapter.Fetch(context.Background(), window)
	if err != nil {
		return "", err
	}

	occurrences, failed := expand.All(events, window)
	for id, ferr := range failed {
		applog.Warn("expand failed for event", "calendar", cal.cfg.ID, "event", id, "err", ferr.Error())
	}

	byID := make(map[string]*model.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	body, err := feed.Encode(feed.Meta{
		Identity: cal.cfg.ID,
		Name:     cal.cfg.Name,
		Timezone: cal.cfg.Timezone,
	}, occurrences, byID)
	if err != nil {
		return "", err
	}

	applog.Info("feed generated",
		"calendar", cal.cfg.ID,
		"events", len(events),
		"occurrences", len(occurrences),
		"bytes", len(body),
	)
	return body, nil
}

// feedWindow is the expansion window: day-aligned so that repeated
// generations within the same day see identical bounds and fingerprint
// identically when upstream data is unchanged.
func (s *Server) feedWindow(loc *time.Location) model.Window {
	now := s.now().In(loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return model.Window{
		Start: day.AddDate(0, 0, -s.cfg.BackfillDays),
		End:   day.AddDate(0, 0, s.cfg.HorizonDays+1),
	}
}

// RefreshAll force-regenerates every calendar's snapshot and returns
// how many calendars failed. Used by the cron-driven background warmer
// and the -once mode, which exits non-zero on failures.
func (s *Server) RefreshAll() int {
	failed := 0
	for _, cal := range s.feeds {
		if _, err := s.cache.Refresh(cal.cfg.ID, func() (string, error) {
			return s.generateFeed(cal)
		}); err != nil {
			applog.Error("background refresh failed", err, "calendar", cal.cfg.ID)
			failed++
		}
	}
	return failed
}

func (s *Server) writeGenerationError(w http.ResponseWriter, calendarID string, err error) {
	var encErr *feed.EncodingError
	switch {
	case errors.Is(err, source.ErrUnavailable):
		applog.Error("upstream unavailable", err, "calendar", calendarID)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	case errors.As(err, &encErr):
		applog.Error("feed encoding failed", err, "calendar", calendarID)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		applog.Error("feed generation failed", err, "calendar", calendarID)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Error("failed to write JSON response", err)
	}
}
