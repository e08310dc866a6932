package feed

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	ics "github.com/arran4/golang-ical"

	"poolcal/internal/model"
)

func fixtureEvents(t *testing.T) ([]model.Occurrence, map[string]*model.Event) {
	t.Helper()

	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	start := time.Date(2026, 3, 27, 9, 0, 0, 0, loc)
	shift := &model.Event{
		ID:           "shift-17",
		Title:        "Bokning - 23 LärKan",
		Description:  "Rast 30 min",
		Location:     "Borås",
		Start:        start,
		End:          start.Add(8 * time.Hour),
		Timezone:     "Europe/Stockholm",
		LastModified: time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC),
	}

	utcStart := time.Date(2026, 3, 30, 14, 0, 0, 0, time.UTC)
	meeting := &model.Event{
		ID:           "meet-3",
		Title:        "Team meeting",
		Start:        utcStart,
		End:          utcStart.Add(time.Hour),
		Timezone:     "UTC",
		LastModified: time.Date(2026, 3, 21, 8, 0, 0, 0, time.UTC),
	}

	occurrences := []model.Occurrence{
		{EventID: shift.ID, Start: shift.Start, End: shift.End},
		{EventID: shift.ID, Start: shift.Start.AddDate(0, 0, 3), End: shift.End.AddDate(0, 0, 3)},
		{EventID: meeting.ID, Start: meeting.Start, End: meeting.End},
	}
	events := map[string]*model.Event{shift.ID: shift, meeting.ID: meeting}
	return occurrences, events
}

func TestEncode_Deterministic(t *testing.T) {
	t.Parallel()

	occs, events := fixtureEvents(t)
	meta := Meta{Identity: "work", Name: "Work Schedule", Timezone: "Europe/Stockholm"}

	first, err := Encode(meta, occs, events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Encode(meta, occs, events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if first != second {
		t.Fatal("identical inputs did not encode to byte-identical output")
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()

	occs, events := fixtureEvents(t)
	out, err := Encode(Meta{Identity: "work", Name: "Work Schedule", Timezone: "Europe/Stockholm"}, occs, events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cal, err := ics.ParseCalendar(strings.NewReader(out))
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}

	parsed := cal.Events()
	if len(parsed) != len(occs) {
		t.Fatalf("expected %d VEVENTs, got %d", len(occs), len(parsed))
	}

	stockholm, _ := time.LoadLocation("Europe/Stockholm")
	for i, ve := range parsed {
		uid := ve.GetProperty(ics.ComponentPropertyUniqueId)
		if uid == nil || !strings.HasPrefix(uid.Value, occs[i].EventID+"-") {
			t.Fatalf("VEVENT %d: identifier not recovered from UID %v", i, uid)
		}

		dtStart := ve.GetProperty(ics.ComponentPropertyDtStart)
		if dtStart == nil {
			t.Fatalf("VEVENT %d: missing DTSTART", i)
		}
		tzid := ""
		if tzs, ok := dtStart.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			tzid = tzs[0]
		}
		wantTZ := events[occs[i].EventID].Timezone
		if tzid != wantTZ {
			t.Fatalf("VEVENT %d: TZID %q, want %q", i, tzid, wantTZ)
		}

		loc := time.UTC
		if tzid == "Europe/Stockholm" {
			loc = stockholm
		}
		got, err := time.ParseInLocation("20060102T150405", dtStart.Value, loc)
		if err != nil {
			t.Fatalf("VEVENT %d: parse DTSTART %q: %v", i, dtStart.Value, err)
		}
		if !got.Equal(occs[i].Start) {
			t.Fatalf("VEVENT %d: start %s, want %s", i, got, occs[i].Start)
		}
	}
}

func TestEncode_VTimezonePerDistinctZone(t *testing.T) {
	t.Parallel()

	occs, events := fixtureEvents(t)
	out, err := Encode(Meta{Identity: "work"}, occs, events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if n := strings.Count(out, "BEGIN:VTIMEZONE"); n != 2 {
		t.Fatalf("expected 2 VTIMEZONE blocks (one per distinct zone), got %d", n)
	}
	if !strings.Contains(out, "TZID:Europe/Stockholm") {
		t.Fatal("missing VTIMEZONE for Europe/Stockholm")
	}
	// The span crosses the 2026-03-29 spring-forward transition, so the
	// Stockholm block must describe both offsets.
	if !strings.Contains(out, "TZOFFSETTO:+0200") || !strings.Contains(out, "TZOFFSETFROM:+0100") {
		t.Fatal("Stockholm VTIMEZONE does not describe the DST transition")
	}
	// DTSTART/TZOFFSETFROM/TZOFFSETTO carry DATE-TIME and UTC-OFFSET
	// values; none of them may be mis-tagged as TEXT.
	if strings.Contains(out, "VALUE=TEXT") {
		t.Fatal("output contains a spurious VALUE=TEXT parameter")
	}
}

func TestEncode_LineFolding(t *testing.T) {
	t.Parallel()

	occs, events := fixtureEvents(t)
	// Force a property well past the fold limit, with multi-byte runes
	// so an octet-blind fold would split a UTF-8 sequence.
	events["shift-17"].Description = strings.Repeat("långt beskrivande innehåll åäö ", 20)

	out, err := Encode(Meta{Identity: "work", Name: "Work Schedule"}, occs, events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, line := range strings.Split(out, "\r\n") {
		if len(line) > 75 {
			t.Fatalf("line exceeds 75 octets (%d): %q", len(line), line)
		}
		if !utf8.ValidString(line) {
			t.Fatalf("fold split a UTF-8 sequence: %q", line)
		}
	}

	// Continuation lines unfold back into the original text.
	cal, err := ics.ParseCalendar(strings.NewReader(out))
	if err != nil {
		t.Fatalf("re-parse folded output: %v", err)
	}
	for _, ve := range cal.Events() {
		uid := ve.GetProperty(ics.ComponentPropertyUniqueId)
		if uid == nil || !strings.HasPrefix(uid.Value, "shift-17-") {
			continue
		}
		desc := ve.GetProperty(ics.ComponentPropertyDescription)
		if desc == nil || desc.Value != events["shift-17"].Description {
			t.Fatal("folded DESCRIPTION did not unfold to the original text")
		}
	}
}

func TestEncode_UnknownEventIsEncodingError(t *testing.T) {
	t.Parallel()

	occs, events := fixtureEvents(t)
	occs = append(occs, model.Occurrence{EventID: "ghost", Start: occs[0].Start, End: occs[0].End})

	_, err := Encode(Meta{Identity: "work"}, occs, events)
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
	if encErr.EventID != "ghost" {
		t.Fatalf("unexpected EventID %q", encErr.EventID)
	}
}
