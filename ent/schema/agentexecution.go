package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AgentExecution holds the schema definition for one agent run's durable
// record. Run-time state lives in the KV store; this table is the reporting
// and recovery view.
type AgentExecution struct {
	ent.Schema
}

// Fields of the AgentExecution.
func (AgentExecution) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("agent_id").
			Unique().
			Immutable(),
		field.Int("pr_id").
			Immutable(),
		field.String("repository_id").
			Immutable(),
		field.Enum("status").
			Values("running", "completed", "failed", "timeout").
			Default("running"),
		field.String("phase").
			Default("init").
			Comment("Last observed phase"),
		field.Time("started_at").
			Immutable(),
		field.Time("deadline").
			Immutable(),
		field.Time("ended_at").
			Optional().
			Nillable(),
		field.Int("duration_ms").
			Optional().
			Nillable(),
		field.JSON("phase_timings", map[string]int64{}).
			Optional(),
		field.Int("files_analyzed").
			Default(0),
		field.Int("findings_posted").
			Default(0),
		field.Int("duplicates_skipped").
			Default(0),
		field.Int("resolutions_marked").
			Default(0),
		field.Int("api_calls").
			Default(0),
		field.Int("api_errors").
			Default(0),
		field.String("error_message").
			Optional().
			Nillable(),
	}
}

// Edges of the AgentExecution.
func (AgentExecution) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("repository", Repository.Type).
			Ref("agent_executions").
			Field("repository_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the AgentExecution.
func (AgentExecution) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("pr_id"),
		index.Fields("status", "started_at"),
	}
}
