package model

import (
	"fmt"
	"time"
)

// ValidationKind classifies why an event failed validation.
type ValidationKind string

const (
	InvalidTimeRange ValidationKind = "invalid_time_range"
	UnknownTimezone  ValidationKind = "unknown_timezone"
	MissingID        ValidationKind = "missing_id"
	InvalidRule      ValidationKind = "invalid_rule"
)

// ValidationError reports a malformed event. Callers skip and log the
// offending record; validation failures never abort a whole feed.
type ValidationError struct {
	Kind    ValidationKind
	EventID string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %q: %s: %s", e.EventID, e.Kind, e.Detail)
}

// Validate checks the event invariants: a non-empty stable identifier,
// start strictly before end, a resolvable timezone, and a recurrence
// rule with at most one terminator mode. On success it returns the
// event's resolved *time.Location.
func Validate(e *Event) (*time.Location, error) {
	if e.ID == "" {
		return nil, &ValidationError{Kind: MissingID, EventID: e.ID, Detail: "empty identifier"}
	}
	if !e.Start.Before(e.End) {
		return nil, &ValidationError{
			Kind:    InvalidTimeRange,
			EventID: e.ID,
			Detail:  fmt.Sprintf("start %s is not before end %s", e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339)),
		}
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, &ValidationError{Kind: UnknownTimezone, EventID: e.ID, Detail: fmt.Sprintf("timezone %q", e.Timezone)}
	}
	if e.Rule != nil {
		if err := validateRule(e.ID, e.Rule); err != nil {
			return nil, err
		}
	}
	return loc, nil
}

func validateRule(eventID string, r *RecurrenceRule) error {
	switch r.Freq {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqYearly:
	default:
		return &ValidationError{Kind: InvalidRule, EventID: eventID, Detail: fmt.Sprintf("frequency %q", r.Freq)}
	}
	if r.Interval < 0 {
		return &ValidationError{Kind: InvalidRule, EventID: eventID, Detail: fmt.Sprintf("interval %d", r.Interval)}
	}
	if r.Count > 0 && !r.Until.IsZero() {
		return &ValidationError{Kind: InvalidRule, EventID: eventID, Detail: "both count and until set"}
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d > 31 || d < -31 {
			return &ValidationError{Kind: InvalidRule, EventID: eventID, Detail: fmt.Sprintf("by-month-day %d", d)}
		}
	}
	return nil
}
