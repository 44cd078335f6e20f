package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Event holds the schema definition for the Event entity.
// Durable log backing the event/notification plane: every payload
// broadcast on a channel is first persisted here, so a client that
// reconnects (or a PollingListener with no LISTEN/NOTIFY capability) can
// catch up on everything it missed by channel + monotonically increasing id.
type Event struct {
	ent.Schema
}

// Fields of the Event. No explicit "id" field — ent's default auto-increment
// int primary key gives the monotonic ordering channel catch-up relies on
// (event.IDGT(sinceID), ent.Asc(event.FieldID)).
func (Event) Fields() []ent.Field {
	return []ent.Field{
		field.String("session_id").
			Immutable().
			Comment("Denormalized for cleanup queries"),
		field.String("channel").
			Immutable().
			Comment("e.g. session:<id>, sessions (global dashboard feed)"),
		field.JSON("payload", map[string]interface{}{}).
			Immutable().
			Comment("Raw event payload as broadcast to subscribers"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Event.
func (Event) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", AlertSession.Type).
			Ref("events").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Event.
func (Event) Indexes() []ent.Index {
	return []ent.Index{
		// PollingListener catch-up: channel=? AND id > ? ORDER BY id ASC
		index.Fields("channel", "id"),
		// CleanupSessionEvents
		index.Fields("session_id"),
		// CleanupOrphanedEvents (TTL by age)
		index.Fields("created_at"),
	}
}
