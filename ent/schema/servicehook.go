package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ServiceHook holds the schema definition for a platform webhook
// subscription. One row exists per subscribed event type.
type ServiceHook struct {
	ent.Schema
}

// Fields of the ServiceHook.
func (ServiceHook) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("service_hook_id").
			Unique().
			Immutable(),
		field.String("repository_id").
			Immutable(),
		field.String("hook_id").
			Comment("Platform subscription id"),
		field.String("event_type"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the ServiceHook.
func (ServiceHook) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("repository", Repository.Type).
			Ref("hooks").
			Field("repository_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ServiceHook.
func (ServiceHook) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("repository_id", "event_type").
			Unique(),
		index.Fields("hook_id"),
	}
}
