package tableevents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/querycache/errors"
)

// EventType names a table lifecycle transition.
type EventType string

const (
	// TableLoaded is published when a table becomes queryable on a node.
	TableLoaded EventType = "table.loaded"

	// TableRemoved is published when a table is unloaded. Caches forget
	// every key that references it.
	TableRemoved EventType = "table.removed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == TableLoaded || t == TableRemoved
}

// Event is one table lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Table     string    `json:"table"`
	Source    string    `json:"source,omitempty"` // Node that published the event
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event of type t for table, stamped now.
func NewEvent(t EventType, table string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Table:     table,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks that the event names a known type and a table.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate",
			fmt.Sprintf("unknown event type %q", e.Type))
	}
	if e.Table == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate", "table is required")
	}
	if e.Timestamp.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate", "timestamp is required")
	}
	return nil
}

// Subject returns the NATS subject of the event under prefix,
// e.g. "querycache.table.removed".
func (e *Event) Subject(prefix string) string {
	return prefix + "." + string(e.Type)
}

// Listener receives table lifecycle events.
type Listener func(ctx context.Context, event Event)

// Notifier delivers table lifecycle events to listeners.
type Notifier interface {
	Subscribe(ctx context.Context, listener Listener) error
}

// Publisher announces table lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
