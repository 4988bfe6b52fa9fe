package models

import "time"

// Action type constants for the audit trail
const (
	ActionApprove = "APPROVE"
	ActionReject  = "REJECT"
)

// ActionLogEntry is one append-only record of an approve/reject event.
// Entries are never updated or deleted; they are the historical record
// independent of current instance state.
type ActionLogEntry struct {
	ID                   int64     `json:"id"`
	WorkflowInstanceID   int64     `json:"workflow_instance_id"`
	Action               string    `json:"action"`
	FromStepDefinitionID int64     `json:"from_step_definition_id"`
	ActorID              string    `json:"actor_id"`
	Comment              string    `json:"comment,omitempty"`
	Metadata             string    `json:"metadata,omitempty"` // opaque JSON
	CreatedAt            time.Time `json:"created_at"`
}
