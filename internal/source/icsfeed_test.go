package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"poolcal/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//upstream//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:shift-1\r\n" +
	"SUMMARY:Morning shift\r\n" +
	"DTSTART:20260302T080000Z\r\n" +
	"DTEND:20260302T160000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:weekly-1\r\n" +
	"SUMMARY:Weekly sync\r\n" +
	"DTSTART:20260302T090000Z\r\n" +
	"DTEND:20260302T093000Z\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=3;BYDAY=MO\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func icsForURL(url string) *ICSAdapter {
	return NewICS(ICSOptions{
		SourceID:        "cal",
		URL:             url,
		Timeout:         5 * time.Second,
		Attempts:        1,
		DefaultTimezone: "Europe/Stockholm",
	})
}

func TestICSFetch_MapsVEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	events, err := icsForURL(srv.URL).Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if events[0].ID != "shift-1" || events[0].Timezone != "UTC" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if !events[0].Start.Equal(want) {
		t.Fatalf("start %s, want %s", events[0].Start, want)
	}

	rule := events[1].Rule
	if rule == nil || rule.Freq != model.FreqWeekly || rule.Count != 3 {
		t.Fatalf("rrule not mapped: %+v", rule)
	}
	if len(rule.ByDay) != 1 || rule.ByDay[0] != time.Monday {
		t.Fatalf("by-day not mapped: %v", rule.ByDay)
	}
}

func TestICSFetch_ConditionalReuseOn304(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	adapter := icsForURL(srv.URL)

	first, err := adapter.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := adapter.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("second fetch should reuse cached body on 304: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("cached parse differs: %d vs %d events", len(first), len(second))
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 upstream hits, got %d", got)
	}
}

func TestICSFetch_SkipsVEventWithoutUID(t *testing.T) {
	t.Parallel()

	body := strings.Replace(sampleICS, "UID:shift-1\r\n", "", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	events, err := icsForURL(srv.URL).Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "weekly-1" {
		t.Fatalf("expected only the valid event, got %+v", events)
	}
}

func TestICSFetch_ServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := icsForURL(srv.URL).Fetch(context.Background(), testWindow())
	if err == nil {
		t.Fatal("expected an error")
	}
}
