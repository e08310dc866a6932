package feed

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-ical"

	"poolcal/internal/model"
)

const prodID = "-//poolcal//EN"

// icsTimeLayout is the RFC 5545 local date-time form used together
// with a TZID parameter.
const icsTimeLayout = "20060102T150405"

// EncodingError reports an internal invariant violation at encode time,
// such as an occurrence referencing a missing event or an unresolvable
// timezone. It indicates a bug upstream of the encoder and is surfaced
// as a server error, never as a truncated feed.
type EncodingError struct {
	Identity string
	EventID  string
	Detail   string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode feed %q: event %q: %s", e.Identity, e.EventID, e.Detail)
}

// Meta carries the calendar-level properties of a feed.
type Meta struct {
	// Identity is the logical calendar identity (cache key).
	Identity string
	// Name becomes X-WR-CALNAME.
	Name string
	// Timezone becomes X-WR-TIMEZONE.
	Timezone string
}

// Encode serializes the occurrences into a complete RFC 5545 document:
// one VCALENDAR, one VTIMEZONE per distinct event timezone, and one
// VEVENT per occurrence carrying the parent event's metadata with the
// occurrence's concrete start/end. Output is byte-identical for
// identical inputs; nothing derived from the wall clock is written.
func Encode(meta Meta, occurrences []model.Occurrence, events map[string]*model.Event) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")
	cal.Props.SetText(ical.PropMethod, "PUBLISH")
	// Non-standard X-WR props have no registered value type, so SetText
	// would tag them with a spurious VALUE=TEXT parameter.
	if meta.Name != "" {
		cal.Props.Set(rawProp("X-WR-CALNAME", meta.Name))
	}
	if meta.Timezone != "" {
		cal.Props.Set(rawProp("X-WR-TIMEZONE", meta.Timezone))
	}

	zones, span, err := referencedZones(meta.Identity, occurrences, events)
	if err != nil {
		return "", err
	}
	for _, z := range zones {
		cal.Children = append(cal.Children, timezoneComponent(z.id, z.loc, span))
	}

	for _, occ := range occurrences {
		ev, ok := events[occ.EventID]
		if !ok {
			return "", &EncodingError{Identity: meta.Identity, EventID: occ.EventID, Detail: "occurrence references unknown event"}
		}
		vevent, err := encodeOccurrence(meta.Identity, occ, ev)
		if err != nil {
			return "", err
		}
		cal.Children = append(cal.Children, vevent.Component)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", &EncodingError{Identity: meta.Identity, Detail: err.Error()}
	}
	return foldLines(buf.String()), nil
}

// foldLines applies RFC 5545 §3.1 line folding: content lines longer
// than 75 octets are split with a CRLF plus single-space continuation.
// The cut is octet-counted but never lands inside a UTF-8 sequence.
func foldLines(doc string) string {
	const limit = 75

	var b strings.Builder
	b.Grow(len(doc) + len(doc)/limit)

	rest := doc
	for rest != "" {
		line := rest
		if i := strings.Index(rest, "\r\n"); i >= 0 {
			line = rest[:i]
			rest = rest[i+2:]
		} else {
			rest = ""
		}

		max := limit
		for len(line) > max {
			cut := max
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			b.WriteString(line[:cut])
			b.WriteString("\r\n ")
			line = line[cut:]
			// The continuation's leading space counts toward the limit.
			max = limit - 1
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

func encodeOccurrence(identity string, occ model.Occurrence, ev *model.Event) (*ical.Event, error) {
	loc, lerr := time.LoadLocation(ev.Timezone)
	if lerr != nil {
		return nil, &EncodingError{Identity: identity, EventID: ev.ID, Detail: fmt.Sprintf("timezone %q unresolved", ev.Timezone)}
	}

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, occurrenceUID(occ))
	if ev.Title != "" {
		vevent.Props.SetText(ical.PropSummary, ev.Title)
	}
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}

	vevent.Props.Set(localTimeProp(ical.PropDateTimeStart, occ.Start.In(loc), ev.Timezone))
	vevent.Props.Set(localTimeProp(ical.PropDateTimeEnd, occ.End.In(loc), ev.Timezone))

	// DTSTAMP must come from event data, not the wall clock, so that
	// regeneration with unchanged input is byte-identical.
	stamp := ev.LastModified
	if stamp.IsZero() {
		stamp = ev.Start
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	vevent.Props.SetDateTime(ical.PropLastModified, stamp.UTC())

	vevent.Props.SetText(ical.PropTransparency, "OPAQUE")

	return vevent, nil
}

// occurrenceUID yields a stable, per-occurrence unique UID: the parent
// event identifier suffixed with the occurrence's UTC start.
func occurrenceUID(occ model.Occurrence) string {
	return fmt.Sprintf("%s-%s@poolcal", occ.EventID, occ.Start.UTC().Format("20060102T150405Z"))
}

func localTimeProp(name string, t time.Time, tzid string) *ical.Prop {
	p := rawProp(name, t.Format(icsTimeLayout))
	p.Params.Set(ical.ParamTimezoneID, tzid)
	return p
}

// rawProp builds a parameterless property with the value written as
// given, keeping the property's default value type.
func rawProp(name, value string) *ical.Prop {
	return &ical.Prop{
		Name:   name,
		Params: make(ical.Params),
		Value:  value,
	}
}

type zoneRef struct {
	id  string
	loc *time.Location
}

// referencedZones collects the distinct timezones of the events that
// occurrences reference, in first-reference order, together with the
// absolute span covered by the occurrences (used to bound VTIMEZONE
// transition synthesis).
func referencedZones(identity string, occurrences []model.Occurrence, events map[string]*model.Event) ([]zoneRef, model.Window, error) {
	var zones []zoneRef
	seen := make(map[string]bool)
	var span model.Window

	for _, occ := range occurrences {
		ev, ok := events[occ.EventID]
		if !ok {
			return nil, span, &EncodingError{Identity: identity, EventID: occ.EventID, Detail: "occurrence references unknown event"}
		}
		if span.Start.IsZero() || occ.Start.Before(span.Start) {
			span.Start = occ.Start
		}
		if occ.End.After(span.End) {
			span.End = occ.End
		}
		if seen[ev.Timezone] {
			continue
		}
		loc, err := time.LoadLocation(ev.Timezone)
		if err != nil {
			return nil, span, &EncodingError{Identity: identity, EventID: ev.ID, Detail: fmt.Sprintf("timezone %q unresolved", ev.Timezone)}
		}
		seen[ev.Timezone] = true
		zones = append(zones, zoneRef{id: ev.Timezone, loc: loc})
	}
	return zones, span, nil
}
