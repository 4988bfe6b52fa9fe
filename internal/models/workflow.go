package models

import "time"

// Approver strategy constants determine how a step's actors are computed
const (
	StrategyUser    = "USER"
	StrategyRole    = "ROLE"
	StrategyDynamic = "DYNAMIC"
)

// Approval mode constants
const (
	ModeAny = "ANY" // first decision finalizes the step
	ModeAll = "ALL" // every assignee must approve; any reject short-circuits
)

// Reject target constants determine where a send-back routes the workflow
const (
	RejectTargetPrevious  = "PREVIOUS"
	RejectTargetSpecific  = "SPECIFIC"
	RejectTargetInitiator = "INITIATOR"
)

// WorkflowDefinition is a named, versioned approval pipeline template.
// Edits do not retroactively affect running instances: step definitions
// are looked up by id from instances, never re-read from the template.
type WorkflowDefinition struct {
	ID        int64             `json:"id"`
	Code      string            `json:"code"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	IsActive  bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
	Steps     []*StepDefinition `json:"steps,omitempty"`
}

// StepDefinition is one stage in a workflow definition
type StepDefinition struct {
	ID                   int64  `json:"id"`
	WorkflowDefinitionID int64  `json:"workflow_definition_id"`
	StepOrder            int    `json:"step_order"`
	Name                 string `json:"name"`
	ApproverStrategy     string `json:"approver_strategy"`
	ApproverValue        string `json:"approver_value"` // scalar or JSON list; interpreted by the strategy
	ApprovalMode         string `json:"approval_mode"`
	CanSendBack          bool   `json:"can_send_back"`
	RejectTargetType     string `json:"reject_target_type"`
	RejectTargetStepID   *int64 `json:"reject_target_step_id,omitempty"` // required iff reject_target_type = SPECIFIC
	IsTerminal           bool   `json:"is_terminal"`
}
