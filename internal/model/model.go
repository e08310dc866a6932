package model

import (
	"time"
)

// Frequency enumerates the supported recurrence frequencies.
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

// RecurrenceRule describes how an event repeats. Exactly one terminator
// mode is active: Count > 0, a non-zero Until, or neither (unbounded).
type RecurrenceRule struct {
	Freq     Frequency
	Interval int // 0 is treated as 1

	Count int       // number of occurrences; 0 means unset
	Until time.Time // last possible occurrence instant; zero means unset

	// ByDay restricts occurrences to the given weekdays (WEEKLY and
	// finer-grained rules).
	ByDay []time.Weekday
	// ByMonthDay restricts occurrences to the given days of month
	// (1..31, negative values count from the end).
	ByMonthDay []int
}

// Terminated reports whether the rule has a count or until bound.
func (r *RecurrenceRule) Terminated() bool {
	return r.Count > 0 || !r.Until.IsZero()
}

// Event is a single schedule entry as produced by a source adapter.
// Events are replaced wholesale on each upstream pull, never mutated.
type Event struct {
	// ID is the upstream-stable identifier; it survives regenerations
	// and becomes the UID base in the encoded feed.
	ID string

	Title       string
	Description string
	Location    string

	// Start and End are instants carrying the event's own zone; End is
	// exclusive. Timezone is the IANA name the instants belong to.
	Start    time.Time
	End      time.Time
	Timezone string

	Rule *RecurrenceRule
	// ExDates lists instants excluded from the expansion of Rule.
	ExDates []time.Time

	LastModified time.Time
}

// Duration returns the span of a single occurrence of the event.
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Occurrence is one concrete instance of an Event inside a query window.
// Occurrences are recomputed per request and never persisted.
type Occurrence struct {
	EventID string
	Start   time.Time
	End     time.Time
}

// Window is a half-open time range: Start inclusive, End exclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether the half-open range [start, end) intersects
// the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}
