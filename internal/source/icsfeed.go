package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	applog "poolcal/internal/log"
	"poolcal/internal/model"
)

// ICSAdapter subscribes to a plain iCalendar URL and maps its VEVENTs
// into the event model. Fetches are conditional: the adapter remembers
// the upstream ETag/Last-Modified and reuses the cached body on 304.
type ICSAdapter struct {
	sourceID string
	url      string
	username string
	password string

	client  *http.Client
	retry   Retrier
	timeout time.Duration

	defaultTimezone string

	mu           sync.Mutex
	etag         string
	lastModified string
	cachedBody   []byte
}

// ICSOptions configures an ICSAdapter.
type ICSOptions struct {
	SourceID string
	URL      string
	Username string
	Password string

	Timeout         time.Duration
	Attempts        int
	DefaultTimezone string
}

// NewICS creates an adapter for one ICS subscription URL.
func NewICS(opts ICSOptions) *ICSAdapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ICSAdapter{
		sourceID:        opts.SourceID,
		url:             opts.URL,
		username:        opts.Username,
		password:        opts.Password,
		client:          &http.Client{Timeout: timeout},
		retry:           Retrier{Attempts: opts.Attempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		timeout:         timeout,
		defaultTimezone: opts.DefaultTimezone,
	}
}

// Fetch downloads the subscribed calendar and maps every VEVENT that
// can be understood into an event. VEVENTs that fail to map are logged
// and skipped.
func (a *ICSAdapter) Fetch(ctx context.Context, window model.Window) ([]*model.Event, error) {
	var body []byte

	err := a.retry.Do(ctx, "ics fetch "+a.sourceID, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		b, err := a.fetchOnce(attemptCtx)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse calendar: %v", ErrUnavailable, err)
	}

	events := make([]*model.Event, 0, len(cal.Events()))
	skipped := 0
	for _, ve := range cal.Events() {
		ev, merr := a.mapVEvent(ve)
		if merr != nil {
			applog.Warn("ics: skipping malformed vevent", "source", a.sourceID, "err", merr.Error())
			skipped++
			continue
		}
		events = append(events, ev)
	}

	events = validateBatch(a.sourceID, events)
	applog.Info("ics: fetch completed",
		"source", a.sourceID,
		"window_start", window.Start.Format(time.RFC3339),
		"window_end", window.End.Format(time.RFC3339),
		"events", len(events),
		"skipped", skipped,
	)
	return events, nil
}

// fetchOnce performs one conditional GET, honoring the remembered
// ETag/Last-Modified and falling back to the cached body on 304.
func (a *ICSAdapter) fetchOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	a.mu.Lock()
	if a.etag != "" {
		req.Header.Set("If-None-Match", a.etag)
	}
	if a.lastModified != "" {
		req.Header.Set("If-Modified-Since", a.lastModified)
	}
	cached := a.cachedBody
	a.mu.Unlock()

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		a.mu.Lock()
		a.etag = resp.Header.Get("ETag")
		a.lastModified = resp.Header.Get("Last-Modified")
		a.cachedBody = body
		a.mu.Unlock()
		return body, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return nil, fmt.Errorf("%w: 304 with no cached body", ErrUnavailable)
		}
		applog.Debug("ics: not modified, using cached body", "source", a.sourceID)
		return cached, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
}

// mapVEvent converts one VEVENT into an event. Recurring events keep a
// typed rule; RECURRENCE-ID override instances are mapped as standalone
// events keyed by UID plus the override instant.
func (a *ICSAdapter) mapVEvent(ve *ics.VEvent) (*model.Event, error) {
	uidProp := ve.GetProperty(ics.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, &MalformedRecordError{Detail: "missing UID"}
	}
	id := uidProp.Value

	tz := a.defaultTimezone
	if dtStart := ve.GetProperty(ics.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
				tz = tzs[0]
			}
		}
		if strings.HasSuffix(dtStart.Value, "Z") {
			tz = "UTC"
		}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &MalformedRecordError{RecordID: id, Detail: fmt.Sprintf("timezone %q", tz)}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, &MalformedRecordError{RecordID: id, Detail: fmt.Sprintf("start: %v", err)}
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return nil, &MalformedRecordError{RecordID: id, Detail: fmt.Sprintf("end: %v", err)}
	}

	ev := &model.Event{
		ID:       id,
		Start:    start.In(loc),
		End:      end.In(loc),
		Timezone: tz,
	}
	if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}
	if p := ve.GetProperty("LAST-MODIFIED"); p != nil {
		if t, err := parseICSInstant(p.Value, loc); err == nil {
			ev.LastModified = t
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		if t, err := parseICSInstant(rid.Value, loc); err == nil {
			ev.ID = fmt.Sprintf("%s-%s", id, t.UTC().Format("20060102T150405Z"))
		}
	}

	if rruleProp := ve.GetProperty(ics.ComponentPropertyRrule); rruleProp != nil {
		rule, err := mapRawRRule(id, rruleProp.Value, loc)
		if err != nil {
			return nil, err
		}
		ev.Rule = rule
	}

	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSInstant(part, loc)
			if err != nil {
				return nil, &MalformedRecordError{RecordID: id, Detail: fmt.Sprintf("exdate %q", part)}
			}
			ev.ExDates = append(ev.ExDates, t)
		}
	}

	return ev, nil
}

// mapRawRRule converts an RRULE string into the typed rule, rejecting
// frequencies finer than DAILY.
func mapRawRRule(id, raw string, loc *time.Location) (*model.RecurrenceRule, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, &MalformedRecordError{RecordID: id, Detail: fmt.Sprintf("rrule %q: %v", raw, err)}
	}

	rule := &model.RecurrenceRule{Interval: opt.Interval, Count: opt.Count}

	switch opt.Freq {
	case rrule.DAILY:
		rule.Freq = model.FreqDaily
	case rrule.WEEKLY:
		rule.Freq = model.FreqWeekly
	case rrule.MONTHLY:
		rule.Freq = model.FreqMonthly
	case rrule.YEARLY:
		rule.Freq = model.FreqYearly
	default:
		return nil, &MalformedRecordError{RecordID: id, Detail: fmt.Sprintf("unsupported rrule frequency in %q", raw)}
	}

	if !opt.Until.IsZero() {
		rule.Until = opt.Until.In(loc)
	}
	for _, wd := range opt.Byweekday {
		rule.ByDay = append(rule.ByDay, weekdayFromRRule(wd))
	}
	rule.ByMonthDay = append(rule.ByMonthDay, opt.Bymonthday...)

	return rule, nil
}

func weekdayFromRRule(wd rrule.Weekday) time.Weekday {
	switch wd {
	case rrule.MO:
		return time.Monday
	case rrule.TU:
		return time.Tuesday
	case rrule.WE:
		return time.Wednesday
	case rrule.TH:
		return time.Thursday
	case rrule.FR:
		return time.Friday
	case rrule.SA:
		return time.Saturday
	default:
		return time.Sunday
	}
}

// parseICSInstant parses the basic ICS date/date-time forms, using loc
// for zone-less values.
func parseICSInstant(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, fmt.Errorf("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
