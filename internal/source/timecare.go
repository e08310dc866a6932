package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	applog "poolcal/internal/log"
	"poolcal/internal/model"
)

// Record kinds reported by the schedule API. Availability rows describe
// when the worker could be booked, not actual work, and are excluded
// from the feed.
const (
	kindBooking   = "booking"
	kindAvailable = "available"
)

// TimecareAdapter pulls shift records from a TimeCare-style schedule
// API: an authenticated endpoint queried by time window that returns
// JSON records. Unrecognized record fields are ignored.
type TimecareAdapter struct {
	sourceID string
	endpoint string
	username string
	password string

	client  *http.Client
	retry   Retrier
	timeout time.Duration

	defaultTimezone string
}

// TimecareOptions configures a TimecareAdapter.
type TimecareOptions struct {
	SourceID string
	URL      string
	Username string
	Password string

	// Timeout bounds a single fetch attempt.
	Timeout time.Duration
	// Attempts is the total attempt budget for transient failures.
	Attempts int
	// DefaultTimezone is assumed for records that omit a timezone.
	DefaultTimezone string
}

// NewTimecare creates an adapter for one upstream schedule endpoint.
func NewTimecare(opts TimecareOptions) *TimecareAdapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TimecareAdapter{
		sourceID:        opts.SourceID,
		endpoint:        opts.URL,
		username:        opts.Username,
		password:        opts.Password,
		client:          &http.Client{Timeout: timeout},
		retry:           Retrier{Attempts: opts.Attempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		timeout:         timeout,
		defaultTimezone: opts.DefaultTimezone,
	}
}

// rawRecord is the upstream wire shape. Only the fields the feed needs
// are declared; everything else is ignored by the JSON decoder.
type rawRecord struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Location        string         `json:"location"`
	Start           string         `json:"start"`
	End             string         `json:"end"`
	DurationMinutes int            `json:"duration_minutes"`
	Timezone        string         `json:"timezone"`
	Updated         string         `json:"updated"`
	Recurrence      *rawRecurrence `json:"recurrence"`
	Excluded        []string       `json:"excluded"`
}

type rawRecurrence struct {
	Freq       string   `json:"freq"`
	Interval   int      `json:"interval"`
	Count      int      `json:"count"`
	Until      string   `json:"until"`
	ByDay      []string `json:"by_day"`
	ByMonthDay []int    `json:"by_month_day"`
}

type recordsEnvelope struct {
	Records []json.RawMessage `json:"records"`
}

// Fetch queries the upstream for the window and maps the returned
// records into validated events. Transport failures are retried; a
// record that cannot be mapped is logged and skipped.
func (a *TimecareAdapter) Fetch(ctx context.Context, window model.Window) ([]*model.Event, error) {
	var payload recordsEnvelope

	err := a.retry.Do(ctx, "timecare fetch "+a.sourceID, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return a.fetchOnce(attemptCtx, window, &payload)
	})
	if err != nil {
		return nil, err
	}

	events := make([]*model.Event, 0, len(payload.Records))
	skipped := 0
	for _, raw := range payload.Records {
		ev, err := a.mapRecord(raw)
		if err != nil {
			applog.Warn("timecare: skipping malformed record", "source", a.sourceID, "err", err.Error())
			skipped++
			continue
		}
		if ev == nil {
			// Availability row, not a booking.
			continue
		}
		events = append(events, ev)
	}

	events = validateBatch(a.sourceID, events)
	applog.Info("timecare: fetch completed",
		"source", a.sourceID,
		"window_start", window.Start.Format(time.RFC3339),
		"window_end", window.End.Format(time.RFC3339),
		"events", len(events),
		"skipped", skipped,
	)
	return events, nil
}

func (a *TimecareAdapter) fetchOnce(ctx context.Context, window model.Window, out *recordsEnvelope) error {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("from", window.Start.UTC().Format(time.RFC3339))
	q.Set("to", window.End.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: auth rejected (%s)", ErrUnavailable, resp.Status)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	// Accept both {"records":[...]} and a bare top-level array.
	if err := json.Unmarshal(body, out); err != nil {
		var bare []json.RawMessage
		if err2 := json.Unmarshal(body, &bare); err2 != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		out.Records = bare
	}
	return nil
}

// mapRecord converts one raw record into an event. It returns
// (nil, nil) for availability rows and a MalformedRecordError when a
// required field is missing or unparseable.
func (a *TimecareAdapter) mapRecord(raw json.RawMessage) (*model.Event, error) {
	var rec rawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &MalformedRecordError{Detail: fmt.Sprintf("decode: %v", err)}
	}

	switch strings.ToLower(rec.Kind) {
	case "", kindBooking:
	case kindAvailable, "availability":
		return nil, nil
	default:
		// Unknown kinds are mapped permissively as bookings.
	}

	if rec.ID == "" {
		return nil, &MalformedRecordError{Detail: "missing id"}
	}

	tz := rec.Timezone
	if tz == "" {
		tz = a.defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &MalformedRecordError{RecordID: rec.ID, Detail: fmt.Sprintf("timezone %q", tz)}
	}

	start, err := parseRecordTime(rec.Start, loc)
	if err != nil {
		return nil, &MalformedRecordError{RecordID: rec.ID, Detail: fmt.Sprintf("start: %v", err)}
	}

	var end time.Time
	switch {
	case rec.End != "":
		end, err = parseRecordTime(rec.End, loc)
		if err != nil {
			return nil, &MalformedRecordError{RecordID: rec.ID, Detail: fmt.Sprintf("end: %v", err)}
		}
	case rec.DurationMinutes > 0:
		end = start.Add(time.Duration(rec.DurationMinutes) * time.Minute)
	default:
		return nil, &MalformedRecordError{RecordID: rec.ID, Detail: "neither end nor duration"}
	}

	ev := &model.Event{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
		Start:       start,
		End:         end,
		Timezone:    tz,
	}

	if rec.Updated != "" {
		if t, err := time.Parse(time.RFC3339, rec.Updated); err == nil {
			ev.LastModified = t
		}
	}

	if rec.Recurrence != nil {
		rule, err := mapRecurrence(rec.ID, rec.Recurrence, loc)
		if err != nil {
			return nil, err
		}
		ev.Rule = rule
	}
	for _, ex := range rec.Excluded {
		t, err := parseRecordTime(ex, loc)
		if err != nil {
			return nil, &MalformedRecordError{RecordID: rec.ID, Detail: fmt.Sprintf("excluded instant: %v", err)}
		}
		ev.ExDates = append(ev.ExDates, t)
	}

	return ev, nil
}

func mapRecurrence(recordID string, raw *rawRecurrence, loc *time.Location) (*model.RecurrenceRule, error) {
	rule := &model.RecurrenceRule{Interval: raw.Interval, Count: raw.Count}

	switch strings.ToUpper(raw.Freq) {
	case "DAILY":
		rule.Freq = model.FreqDaily
	case "WEEKLY":
		rule.Freq = model.FreqWeekly
	case "MONTHLY":
		rule.Freq = model.FreqMonthly
	case "YEARLY":
		rule.Freq = model.FreqYearly
	default:
		return nil, &MalformedRecordError{RecordID: recordID, Detail: fmt.Sprintf("recurrence freq %q", raw.Freq)}
	}

	if raw.Until != "" {
		t, err := parseRecordTime(raw.Until, loc)
		if err != nil {
			return nil, &MalformedRecordError{RecordID: recordID, Detail: fmt.Sprintf("recurrence until: %v", err)}
		}
		rule.Until = t
	}
	for _, d := range raw.ByDay {
		wd, ok := weekdayFromICal(d)
		if !ok {
			return nil, &MalformedRecordError{RecordID: recordID, Detail: fmt.Sprintf("recurrence by-day %q", d)}
		}
		rule.ByDay = append(rule.ByDay, wd)
	}
	rule.ByMonthDay = append(rule.ByMonthDay, raw.ByMonthDay...)

	return rule, nil
}

func weekdayFromICal(s string) (time.Weekday, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MO":
		return time.Monday, true
	case "TU":
		return time.Tuesday, true
	case "WE":
		return time.Wednesday, true
	case "TH":
		return time.Thursday, true
	case "FR":
		return time.Friday, true
	case "SA":
		return time.Saturday, true
	case "SU":
		return time.Sunday, true
	}
	return time.Sunday, false
}

// parseRecordTime accepts RFC 3339 (offset-carrying) or a local
// wall-clock form without offset, interpreted in the record's zone.
func parseRecordTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	const localLayout = "2006-01-02T15:04:05"
	if t, err := time.ParseInLocation(localLayout, s, loc); err == nil {
		return t, nil
	}
	const minuteLayout = "2006-01-02 15:04"
	if t, err := time.ParseInLocation(minuteLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
