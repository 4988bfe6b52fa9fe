package models

import "time"

// Workflow instance status constants
const (
	InstanceStatusRunning  = "RUNNING"
	InstanceStatusApproved = "APPROVED"
	InstanceStatusRejected = "REJECTED"
)

// Step instance status constants
const (
	StepStatusPending  = "PENDING"
	StepStatusApproved = "APPROVED"
	StepStatusRejected = "REJECTED"
	StepStatusSkipped  = "SKIPPED"
)

// Decision constants for per-assignee records under ALL mode
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// WorkflowInstance is one execution of a definition bound to a business
// object identified by the (RefType, RefID) pair. At most one RUNNING
// instance may exist per pair.
type WorkflowInstance struct {
	ID                      int64      `json:"id"`
	WorkflowDefinitionID    int64      `json:"workflow_definition_id"`
	RefType                 string     `json:"ref_type"`
	RefID                   string     `json:"ref_id"`
	Status                  string     `json:"status"`
	CurrentStepDefinitionID *int64     `json:"current_step_definition_id,omitempty"` // nil once terminal
	CreatedBy               string     `json:"created_by"`
	CreatedAt               time.Time  `json:"created_at"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
}

// StepInstance is one materialized occurrence of a step within a run.
// AssignedTo is snapshotted at creation time and never re-resolved, so
// role changes mid-flight do not alter who may act on an open step.
type StepInstance struct {
	ID                 int64      `json:"id"`
	WorkflowInstanceID int64      `json:"workflow_instance_id"`
	StepDefinitionID   int64      `json:"step_definition_id"`
	Status             string     `json:"status"`
	AssignedTo         []string   `json:"assigned_to"`
	ActedBy            string     `json:"acted_by,omitempty"`
	ActedAt            *time.Time `json:"acted_at,omitempty"`
	Comment            string     `json:"comment,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// IsAssignee reports whether actorID is in the assignee snapshot
func (s *StepInstance) IsAssignee(actorID string) bool {
	for _, id := range s.AssignedTo {
		if id == actorID {
			return true
		}
	}
	return false
}

// StepDecision records one assignee's decision on a step instance.
// Only consulted under ALL approval mode.
type StepDecision struct {
	ID             int64     `json:"id"`
	StepInstanceID int64     `json:"step_instance_id"`
	ActorID        string    `json:"actor_id"`
	Decision       string    `json:"decision"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
