package expand

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"poolcal/internal/model"
)

// maxOccurrencesPerEvent caps expansion of a single rule so a
// misconfigured unbounded rule cannot blow up memory.
const maxOccurrencesPerEvent = 5000

// Expand materializes the occurrences of a single event inside the
// half-open window. Non-recurring events yield at most one occurrence;
// recurring events are expanded with wall-clock arithmetic in the
// event's own timezone, so an occurrence pinned at 09:00 local stays at
// 09:00 local across DST transitions. Expansion stops at the rule's
// count/until bound or the window's upper edge, whichever comes first,
// and instants listed in the event's exception set are dropped.
//
// The result is sorted ascending by start and is a pure function of its
// inputs.
func Expand(ev *model.Event, window model.Window) ([]model.Occurrence, error) {
	loc, err := model.Validate(ev)
	if err != nil {
		return nil, err
	}

	if ev.Rule == nil {
		if !window.Overlaps(ev.Start, ev.End) {
			return nil, nil
		}
		return []model.Occurrence{{EventID: ev.ID, Start: ev.Start, End: ev.End}}, nil
	}

	rule, err := buildRule(ev, loc)
	if err != nil {
		return nil, err
	}

	dur := ev.Duration()

	// Pull starts back far enough to catch occurrences that begin
	// before the window but still overlap it.
	from := window.Start.Add(-dur).In(loc)
	to := window.End.In(loc)

	starts := rule.Between(from, to, true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, start := range starts {
		if excluded(ev.ExDates, start) {
			continue
		}
		end := start.Add(dur)
		if !window.Overlaps(start, end) {
			continue
		}
		out = append(out, model.Occurrence{EventID: ev.ID, Start: start, End: end})
	}
	return out, nil
}

// All expands every event into the window and returns the merged
// sequence sorted by start ascending, ties broken by event ID. Events
// that fail to expand are reported in the returned error map keyed by
// event ID; the remaining events still produce occurrences.
func All(events []*model.Event, window model.Window) ([]model.Occurrence, map[string]error) {
	var failed map[string]error
	all := make([]model.Occurrence, 0, len(events))

	for _, ev := range events {
		occs, err := Expand(ev, window)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[ev.ID] = err
			continue
		}
		all = append(all, occs...)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Start.Equal(all[j].Start) {
			return all[i].Start.Before(all[j].Start)
		}
		return all[i].EventID < all[j].EventID
	})
	return all, failed
}

// buildRule converts the typed recurrence rule into an rrule anchored
// at the event's start in its own location.
func buildRule(ev *model.Event, loc *time.Location) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Dtstart:  ev.Start.In(loc),
		Interval: ev.Rule.Interval,
	}
	if opt.Interval <= 0 {
		opt.Interval = 1
	}

	switch ev.Rule.Freq {
	case model.FreqDaily:
		opt.Freq = rrule.DAILY
	case model.FreqWeekly:
		opt.Freq = rrule.WEEKLY
	case model.FreqMonthly:
		opt.Freq = rrule.MONTHLY
	case model.FreqYearly:
		opt.Freq = rrule.YEARLY
	default:
		return nil, fmt.Errorf("unsupported frequency %q", ev.Rule.Freq)
	}

	if ev.Rule.Count > 0 {
		opt.Count = ev.Rule.Count
	}
	if !ev.Rule.Until.IsZero() {
		opt.Until = ev.Rule.Until.In(loc)
	}
	for _, wd := range ev.Rule.ByDay {
		opt.Byweekday = append(opt.Byweekday, rruleWeekday(wd))
	}
	if len(ev.Rule.ByMonthDay) > 0 {
		opt.Bymonthday = append(opt.Bymonthday, ev.Rule.ByMonthDay...)
	}

	return rrule.NewRRule(opt)
}

func rruleWeekday(d time.Weekday) rrule.Weekday {
	switch d {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func excluded(exdates []time.Time, t time.Time) bool {
	for _, ex := range exdates {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}
