package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AgentExecution holds the schema definition for the AgentExecution entity (Layer 0b).
// Represents individual agent work within a stage.
type AgentExecution struct {
	ent.Schema
}

// Fields of the AgentExecution.
func (AgentExecution) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("execution_id").
			Unique().
			Immutable(),
		field.String("stage_id").
			Immutable(),
		field.String("session_id").
			Immutable().
			Comment("Denormalized for performance"),
		
		// Agent Details
		field.String("agent_name").
			Comment("e.g., 'KubernetesAgent', 'ArgoCDAgent'"),
		field.Int("agent_index").
			Comment("1 for single, 1-N for parallel"),
		
		// Execution Status & Timing
		field.Enum("status").
			Values("pending", "active", "paused", "completed", "failed", "cancelled", "timed_out").
			Default("pending"),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Int("duration_ms").
			Optional().
			Nillable(),
		field.String("error_message").
			Optional().
			Nillable().
			Comment("Error details if failed"),

		// Agent Configuration
		field.String("iteration_strategy").
			Optional().
			Comment("e.g., 'react', 'native_thinking' (for observability)"),
		field.String("llm_backend").
			Optional().
			Comment("e.g., 'langchain', 'native_gemini' — which LLMClient implementation ran this execution"),
		field.String("llm_provider").
			Optional().
			Nillable().
			Comment("Concrete model/provider id, e.g. 'gemini-2.5-pro' (native backends only)"),
		field.String("parent_execution_id").
			Optional().
			Nillable().
			Comment("Set for sub-agent executions spawned by a synthesis/orchestrator stage"),
		field.Text("task").
			Optional().
			Nillable().
			Comment("Natural language task description, set for sub-agent executions dispatched by an orchestrator"),
	}
}

// Edges of the AgentExecution.
func (AgentExecution) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("stage", Stage.Type).
			Ref("agent_executions").
			Field("stage_id").
			Unique().
			Required().
			Immutable(),
		edge.From("session", AlertSession.Type).
			Ref("agent_executions").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
		edge.To("timeline_events", TimelineEvent.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("messages", Message.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("llm_interactions", LLMInteraction.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("mcp_interactions", MCPInteraction.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the AgentExecution.
func (AgentExecution) Indexes() []ent.Index {
	return []ent.Index{
		// Unique constraint for agent ordering within stage
		index.Fields("stage_id", "agent_index").
			Unique(),
		// Primary lookups on id field (stored as execution_id)
		index.Fields("id"),
		// Session-wide queries
		index.Fields("session_id"),
	}
}
