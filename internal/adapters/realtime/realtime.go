// Package realtime delivers row-level change notifications for subscribed
// tables. Only UPDATE events are used by the engine.
package realtime

import (
	"context"
	"errors"
	"time"
)

// EventType is a row change type.
type EventType string

// Change types.
const (
	Update EventType = "UPDATE"
	Insert EventType = "INSERT"
	Delete EventType = "DELETE"
)

// Table names the engine watches.
const (
	TableIncidents = "incident_logs"
	TableStaff     = "staff"
	TableCallsigns = "callsign_assignments"
)

// ColumnEventID is the only filter column the engine uses.
const ColumnEventID = "event_id"

// ErrClosed is returned when subscribing to a closed subscriber.
var ErrClosed = errors.New("realtime: subscriber closed")

// Change is one changed row.
type Change struct {
	Table     string    `json:"table"`
	Type      EventType `json:"type"`
	EventID   string    `json:"event_id"`
	RowID     string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter selects the changes a channel receives. An empty Column matches
// every row of Table.
type Filter struct {
	Table  string
	Column string
	Value  string
	Event  EventType
}

// Matches reports whether c passes f.
func (f Filter) Matches(c Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Event != "" && f.Event != c.Type {
		return false
	}
	if f.Column == ColumnEventID && f.Value != c.EventID {
		return false
	}
	return true
}

// Handler receives changes. It must not block.
type Handler func(Change)

// Channel is a live subscription handle.
type Channel interface {
	ID() string
	Filter() Filter
	Close() error
}

// Subscriber opens channels.
type Subscriber interface {
	Subscribe(ctx context.Context, f Filter, h Handler) (Channel, error)
}
