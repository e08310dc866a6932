package feed

import (
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"poolcal/internal/model"
)

// vtimezonePadding widens the occurrence span so that the offset rule
// in force just before the first occurrence is always described.
const vtimezonePadding = 366 * 24 * time.Hour

// timezoneComponent synthesizes a VTIMEZONE block for the given zone,
// describing the UTC-offset segments in force across the occurrence
// span. Zones without transitions (UTC, fixed-offset) yield a single
// STANDARD sub-component anchored at the Unix epoch so the output stays
// deterministic.
func timezoneComponent(tzid string, loc *time.Location, span model.Window) *ical.Component {
	comp := &ical.Component{
		Name:  ical.CompTimezone,
		Props: make(ical.Props),
	}
	comp.Props.SetText(ical.PropTimezoneID, tzid)

	from := span.Start.Add(-vtimezonePadding)
	to := span.End.Add(vtimezonePadding)
	if span.Start.IsZero() || !span.End.After(span.Start) {
		// No occurrences: still emit a minimal valid block.
		from = time.Unix(0, 0)
		to = from.Add(24 * time.Hour)
	}

	trans := zoneTransitions(loc, from, to)
	if len(trans) == 0 {
		ref := from.In(loc)
		_, off := ref.Zone()
		comp.Children = append(comp.Children, zoneSegment("STANDARD", time.Unix(0, 0).UTC(), off, off, zoneName(ref)))
		return comp
	}

	for _, tr := range trans {
		before := tr.Add(-time.Second).In(loc)
		after := tr.In(loc)
		_, offFrom := before.Zone()
		_, offTo := after.Zone()

		kind := "STANDARD"
		if after.IsDST() {
			kind = "DAYLIGHT"
		}

		// DTSTART of a zone segment is the onset's wall-clock time
		// expressed in the prior offset (RFC 5545 §3.6.5).
		onset := tr.UTC().Add(time.Duration(offFrom) * time.Second)
		comp.Children = append(comp.Children, zoneSegment(kind, onset, offFrom, offTo, zoneName(after)))
	}
	return comp
}

func zoneSegment(kind string, onset time.Time, offFrom, offTo int, name string) *ical.Component {
	seg := &ical.Component{
		Name:  kind,
		Props: make(ical.Props),
	}
	// DTSTART here is a DATE-TIME and the offsets are UTC-OFFSET
	// values; SetText would mis-tag them VALUE=TEXT.
	seg.Props.Set(rawProp(ical.PropDateTimeStart, onset.Format(icsTimeLayout)))
	seg.Props.Set(rawProp(ical.PropTimezoneOffsetFrom, utcOffsetString(offFrom)))
	seg.Props.Set(rawProp(ical.PropTimezoneOffsetTo, utcOffsetString(offTo)))
	if name != "" {
		seg.Props.SetText(ical.PropTimezoneName, name)
	}
	return seg
}

func zoneName(t time.Time) string {
	name, _ := t.Zone()
	return name
}

// utcOffsetString renders a UTC offset in seconds as ±HHMM.
func utcOffsetString(sec int) string {
	sign := "+"
	if sec < 0 {
		sign = "-"
		sec = -sec
	}
	return fmt.Sprintf("%s%02d%02d", sign, sec/3600, (sec%3600)/60)
}

// zoneTransitions finds the offset-change instants of loc within
// [from, to) by daily scan plus binary search down to the second.
func zoneTransitions(loc *time.Location, from, to time.Time) []time.Time {
	var out []time.Time
	const step = 24 * time.Hour

	cur := from
	_, curOff := cur.In(loc).Zone()
	for cur.Before(to) {
		next := cur.Add(step)
		if next.After(to) {
			next = to
		}
		_, nextOff := next.In(loc).Zone()
		if nextOff != curOff {
			out = append(out, findTransition(loc, cur, next))
			curOff = nextOff
		}
		if !next.Before(to) {
			break
		}
		cur = next
	}
	return out
}

// findTransition narrows the first instant in (lo, hi] whose offset
// differs from lo's.
func findTransition(loc *time.Location, lo, hi time.Time) time.Time {
	_, loOff := lo.In(loc).Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, off := mid.In(loc).Zone(); off == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	// Modern transitions land on whole minutes; snap away the
	// sub-second residue of the search.
	return hi.Round(time.Minute)
}
