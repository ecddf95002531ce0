// Package feed delivers committed store changes to subscribers as
// INSERT/UPDATE/DELETE events per table. Delivery is at-least-once and
// unordered; a subscriber that loses its connection reconnects with
// exponential backoff and does not receive events published while it was
// away.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sterilcore/pkg/domain"
)

// EventType is the kind of row change.
type EventType string

// Event types.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one row change on a table. New is empty for deletes and Old is
// empty for inserts.
type Event struct {
	Type  EventType       `json:"type"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	At    time.Time       `json:"at"`
}

// FromChange converts a committed store change into an event.
func FromChange(c domain.Change) (Event, bool) {
	ev := Event{Table: c.Entity.Table(), New: c.After.Raw(), Old: c.Before.Raw(), At: c.At}
	switch c.Action {
	case domain.ActionCreate:
		ev.Type = EventInsert
	case domain.ActionUpdate:
		ev.Type = EventUpdate
	case domain.ActionDelete:
		ev.Type = EventDelete
	default:
		return Event{}, false
	}
	return ev, true
}

// Filter restricts a subscription to rows whose column equals a value. The
// zero Filter matches every event.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter reads the "column=eq.value" form. An empty string yields the
// zero Filter.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	val, isEq := strings.CutPrefix(rest, "eq.")
	if !ok || !isEq || strings.TrimSpace(col) == "" {
		return Filter{}, fmt.Errorf("feed filter %q: want column=eq.value", s)
	}
	return Filter{Column: strings.TrimSpace(col), Value: val}, nil
}

// String renders the filter in its parseable form.
func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Match reports whether ev passes the filter. The new row is checked, or
// the old row for deletes.
func (f Filter) Match(ev Event) bool {
	if f.Column == "" {
		return true
	}
	row := ev.New
	if ev.Type == EventDelete || len(row) == 0 {
		row = ev.Old
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	raw, ok := fields[f.Column]
	if !ok {
		return false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str == f.Value
	}
	return strings.TrimSpace(string(raw)) == f.Value
}
