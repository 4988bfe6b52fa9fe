package engine

// Outcome classifies the result of a successful transition
type Outcome string

const (
	// OutcomeCompleted means the workflow finished with every step approved
	OutcomeCompleted Outcome = "COMPLETED"

	// OutcomeInProgress means the workflow moved to (or stayed on) a
	// pending step awaiting the listed assignees
	OutcomeInProgress Outcome = "IN_PROGRESS"

	// OutcomeRejected means the workflow terminated by rejection
	OutcomeRejected Outcome = "REJECTED"
)

// TransitionResult describes where a workflow run ended up after an action
type TransitionResult struct {
	Outcome              Outcome  `json:"outcome"`
	WorkflowInstanceID   int64    `json:"workflow_instance_id"`
	NextStepDefinitionID *int64   `json:"next_step_definition_id,omitempty"`
	NextAssignees        []string `json:"next_assignees,omitempty"`
}
