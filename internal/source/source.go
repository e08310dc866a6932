// Package source pulls raw schedule records from an upstream system
// and maps them into validated events. Transport failures are retried
// with bounded exponential backoff; individual malformed records are
// skipped and logged so one bad record never voids a whole feed.
package source

import (
	"context"
	"errors"
	"fmt"

	applog "poolcal/internal/log"
	"poolcal/internal/model"
)

// ErrUnavailable marks upstream transport failures (network, auth,
// non-OK status, deadline). Callers retry these and ultimately surface
// a 502, never a partial feed.
var ErrUnavailable = errors.New("upstream unavailable")

// MalformedRecordError reports a single upstream record that could not
// be mapped into an event. It is logged and skipped, not fatal.
type MalformedRecordError struct {
	RecordID string
	Detail   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %s", e.RecordID, e.Detail)
}

// Adapter is the contract a calendar's upstream must satisfy: a
// query-by-window fetch returning validated events with identifiers
// unique within the result.
type Adapter interface {
	Fetch(ctx context.Context, window model.Window) ([]*model.Event, error)
}

// validateBatch runs model validation over mapped events, drops
// invalid ones and duplicate identifiers, and logs every skip.
// Partial-failure semantics: the surviving events are always returned.
func validateBatch(sourceID string, events []*model.Event) []*model.Event {
	out := make([]*model.Event, 0, len(events))
	seen := make(map[string]bool, len(events))

	for _, ev := range events {
		if _, err := model.Validate(ev); err != nil {
			applog.Warn("source: dropping invalid event", "source", sourceID, "event", ev.ID, "reason", err.Error())
			continue
		}
		if seen[ev.ID] {
			applog.Warn("source: dropping duplicate event id", "source", sourceID, "event", ev.ID)
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	return out
}
