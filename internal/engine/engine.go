// Package engine implements the approval transition state machine. Every
// action validates, mutates the step and workflow instances, and appends
// to the action log inside a single transaction; notification happens
// after commit and never affects the transition outcome.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/procurehub/procflow/internal/models"
	"github.com/procurehub/procflow/internal/repository"
	"github.com/procurehub/procflow/internal/resolver"
	"github.com/procurehub/procflow/pkg/database"
	"go.uber.org/zap"
)

// Notifier receives post-commit events. Implementations must be safe to
// call after the transaction has committed; their errors are logged and
// swallowed here because a committed transition must never be failed by
// notification delivery.
type Notifier interface {
	WorkflowCompleted(ctx context.Context, instance *models.WorkflowInstance, actorID string) error
	WorkflowRejected(ctx context.Context, instance *models.WorkflowInstance, actorID string) error
	StepAssigned(ctx context.Context, instance *models.WorkflowInstance, step *models.StepDefinition, assignees []string) error
}

// Engine orchestrates approval workflow transitions
type Engine struct {
	db             *database.DB
	definitionRepo *repository.DefinitionRepository
	instanceRepo   *repository.InstanceRepository
	stepRepo       *repository.StepRepository
	actionLogRepo  *repository.ActionLogRepository
	resolver       *resolver.Resolver
	notifier       Notifier
	logger         *zap.Logger
}

// New creates a new workflow engine
func New(
	db *database.DB,
	definitionRepo *repository.DefinitionRepository,
	instanceRepo *repository.InstanceRepository,
	stepRepo *repository.StepRepository,
	actionLogRepo *repository.ActionLogRepository,
	res *resolver.Resolver,
	notifier Notifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:             db,
		definitionRepo: definitionRepo,
		instanceRepo:   instanceRepo,
		stepRepo:       stepRepo,
		actionLogRepo:  actionLogRepo,
		resolver:       res,
		notifier:       notifier,
		logger:         logger,
	}
}

// StartWorkflow creates a new workflow instance for a business object
// together with its first pending step. Fails when the object already
// has an active run or when the first step's approvers cannot be resolved.
func (e *Engine) StartWorkflow(ctx context.Context, definitionCode, refType, refID, submitterID string) (*models.WorkflowInstance, error) {
	def, err := e.definitionRepo.GetByCode(definitionCode)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("workflow definition %q: %w", definitionCode, ErrNotFound)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("workflow definition %q is inactive: %w", definitionCode, ErrInvalidState)
	}

	existing, err := e.instanceRepo.GetActiveByRef(refType, refID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("object %s/%s already has an active workflow: %w", refType, refID, ErrInvalidState)
	}

	steps, err := e.definitionRepo.GetSteps(def.ID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, &resolver.ResolutionError{
			StepName: definitionCode,
			Strategy: "",
			Reason:   "workflow definition has no steps",
		}
	}
	first := steps[0]

	instance := &models.WorkflowInstance{
		WorkflowDefinitionID:    def.ID,
		RefType:                 refType,
		RefID:                   refID,
		Status:                  models.InstanceStatusRunning,
		CurrentStepDefinitionID: &first.ID,
		CreatedBy:               submitterID,
	}

	assignees, err := e.resolver.Resolve(ctx, first, resolver.Context{
		WorkflowDefinitionID: def.ID,
		SubmitterID:          submitterID,
		RefType:              refType,
		RefID:                refID,
	})
	if err != nil {
		return nil, err
	}

	err = e.db.WithTransaction(func(tx *sql.Tx) error {
		if err := e.instanceRepo.Create(tx, instance); err != nil {
			return err
		}
		step := &models.StepInstance{
			WorkflowInstanceID: instance.ID,
			StepDefinitionID:   first.ID,
			Status:             models.StepStatusPending,
			AssignedTo:         assignees,
		}
		return e.stepRepo.Create(tx, step)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Started workflow",
		zap.Int64("workflow_instance_id", instance.ID),
		zap.String("definition", definitionCode),
		zap.String("ref_type", refType),
		zap.String("ref_id", refID),
		zap.Strings("assignees", assignees))

	e.notify(func() error {
		return e.notifier.StepAssigned(ctx, instance, first, assignees)
	})

	return instance, nil
}

// Approve records an approval on a pending step instance and advances,
// completes, or keeps the workflow in place depending on the step's
// approval mode and position in the definition.
func (e *Engine) Approve(ctx context.Context, stepInstanceID int64, actorID, comment string) (*TransitionResult, error) {
	var result *TransitionResult
	var instance *models.WorkflowInstance
	var nextStep *models.StepDefinition

	err := e.db.WithTransaction(func(tx *sql.Tx) error {
		step, stepDef, inst, err := e.loadAndValidate(stepInstanceID, actorID)
		if err != nil {
			return err
		}
		instance = inst

		if stepDef.ApprovalMode == models.ModeAll {
			done, err := e.recordDecision(tx, step, actorID, models.DecisionApprove, comment)
			if err != nil {
				return err
			}
			if !done {
				// waiting for the remaining assignees
				result = &TransitionResult{
					Outcome:              OutcomeInProgress,
					WorkflowInstanceID:   instance.ID,
					NextStepDefinitionID: &stepDef.ID,
					NextAssignees:        step.AssignedTo,
				}
				return nil
			}
		}

		now := time.Now()
		ok, err := e.stepRepo.FinalizePending(tx, step.ID, models.StepStatusApproved, actorID, comment, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("step instance %d: %w", step.ID, ErrInvalidState)
		}

		if err := e.actionLogRepo.Create(tx, &models.ActionLogEntry{
			WorkflowInstanceID:   instance.ID,
			Action:               models.ActionApprove,
			FromStepDefinitionID: stepDef.ID,
			ActorID:              actorID,
			Comment:              comment,
		}); err != nil {
			return err
		}

		next, err := e.nextStepDefinition(stepDef)
		if err != nil {
			return err
		}

		if next == nil || stepDef.IsTerminal {
			if err := e.instanceRepo.Finish(tx, instance.ID, models.InstanceStatusApproved, now); err != nil {
				return err
			}
			instance.Status = models.InstanceStatusApproved
			instance.CurrentStepDefinitionID = nil
			result = &TransitionResult{
				Outcome:            OutcomeCompleted,
				WorkflowInstanceID: instance.ID,
			}
			return nil
		}

		assignees, err := e.advance(ctx, tx, instance, next)
		if err != nil {
			// a failed resolution rolls back the approval too: the step
			// stays pending and the action is retriable once the
			// definition is fixed
			return err
		}
		nextStep = next
		result = &TransitionResult{
			Outcome:              OutcomeInProgress,
			WorkflowInstanceID:   instance.ID,
			NextStepDefinitionID: &next.ID,
			NextAssignees:        assignees,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.Outcome == OutcomeCompleted:
		e.logger.Info("Workflow completed",
			zap.Int64("workflow_instance_id", instance.ID),
			zap.String("actor_id", actorID))
		e.notify(func() error {
			return e.notifier.WorkflowCompleted(ctx, instance, actorID)
		})
	case nextStep != nil:
		e.logger.Info("Workflow advanced",
			zap.Int64("workflow_instance_id", instance.ID),
			zap.Int64("next_step_definition_id", nextStep.ID),
			zap.Strings("assignees", result.NextAssignees))
		e.notify(func() error {
			return e.notifier.StepAssigned(ctx, instance, nextStep, result.NextAssignees)
		})
	}

	return result, nil
}

// SendBack rejects a pending step instance and routes the workflow
// according to the step's reject target: back to the previous step, to a
// specific step, or terminally to the initiator.
func (e *Engine) SendBack(ctx context.Context, stepInstanceID int64, actorID, comment string) (*TransitionResult, error) {
	var result *TransitionResult
	var instance *models.WorkflowInstance
	var targetStep *models.StepDefinition

	err := e.db.WithTransaction(func(tx *sql.Tx) error {
		step, stepDef, inst, err := e.loadAndValidate(stepInstanceID, actorID)
		if err != nil {
			return err
		}
		instance = inst

		if !stepDef.CanSendBack {
			return fmt.Errorf("step %q does not allow send-back: %w", stepDef.Name, ErrForbidden)
		}

		// under ALL mode a single reject short-circuits the step, but the
		// actor's decision is still recorded for the audit trail
		if stepDef.ApprovalMode == models.ModeAll {
			if _, err := e.recordDecision(tx, step, actorID, models.DecisionReject, comment); err != nil {
				return err
			}
		}

		now := time.Now()
		ok, err := e.stepRepo.FinalizePending(tx, step.ID, models.StepStatusRejected, actorID, comment, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("step instance %d: %w", step.ID, ErrInvalidState)
		}

		if err := e.actionLogRepo.Create(tx, &models.ActionLogEntry{
			WorkflowInstanceID:   instance.ID,
			Action:               models.ActionReject,
			FromStepDefinitionID: stepDef.ID,
			ActorID:              actorID,
			Comment:              comment,
		}); err != nil {
			return err
		}

		target, err := e.rejectTarget(stepDef)
		if err != nil {
			return err
		}

		if target == nil { // INITIATOR: terminate the run
			if err := e.instanceRepo.Finish(tx, instance.ID, models.InstanceStatusRejected, now); err != nil {
				return err
			}
			instance.Status = models.InstanceStatusRejected
			instance.CurrentStepDefinitionID = nil
			result = &TransitionResult{
				Outcome:            OutcomeRejected,
				WorkflowInstanceID: instance.ID,
			}
			return nil
		}

		// approvers are re-resolved at the target step, not reused from
		// its earlier occurrence
		assignees, err := e.advance(ctx, tx, instance, target)
		if err != nil {
			return err
		}
		targetStep = target
		result = &TransitionResult{
			Outcome:              OutcomeInProgress,
			WorkflowInstanceID:   instance.ID,
			NextStepDefinitionID: &target.ID,
			NextAssignees:        assignees,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.Outcome == OutcomeRejected:
		e.logger.Info("Workflow rejected",
			zap.Int64("workflow_instance_id", instance.ID),
			zap.String("actor_id", actorID))
		e.notify(func() error {
			return e.notifier.WorkflowRejected(ctx, instance, actorID)
		})
	case targetStep != nil:
		e.logger.Info("Workflow sent back",
			zap.Int64("workflow_instance_id", instance.ID),
			zap.Int64("target_step_definition_id", targetStep.ID),
			zap.Strings("assignees", result.NextAssignees))
		e.notify(func() error {
			return e.notifier.StepAssigned(ctx, instance, targetStep, result.NextAssignees)
		})
	}

	return result, nil
}

// loadAndValidate loads the step instance with its definition and parent
// run, and applies the shared validation: the step must exist, be
// pending, belong to a running workflow, and list the actor as assignee.
func (e *Engine) loadAndValidate(stepInstanceID int64, actorID string) (*models.StepInstance, *models.StepDefinition, *models.WorkflowInstance, error) {
	step, err := e.stepRepo.GetByID(stepInstanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if step == nil {
		return nil, nil, nil, fmt.Errorf("step instance %d: %w", stepInstanceID, ErrNotFound)
	}
	if step.Status != models.StepStatusPending {
		return nil, nil, nil, fmt.Errorf("step instance %d has status %s: %w", stepInstanceID, step.Status, ErrInvalidState)
	}
	if !step.IsAssignee(actorID) {
		return nil, nil, nil, fmt.Errorf("actor %q: %w", actorID, ErrForbidden)
	}

	instance, err := e.instanceRepo.GetByID(step.WorkflowInstanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if instance == nil {
		return nil, nil, nil, fmt.Errorf("workflow instance %d: %w", step.WorkflowInstanceID, ErrNotFound)
	}
	if instance.Status != models.InstanceStatusRunning {
		return nil, nil, nil, fmt.Errorf("workflow instance %d has status %s: %w", instance.ID, instance.Status, ErrInvalidState)
	}

	stepDef, err := e.definitionRepo.GetStepByID(step.StepDefinitionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if stepDef == nil {
		return nil, nil, nil, fmt.Errorf("step definition %d: %w", step.StepDefinitionID, ErrNotFound)
	}

	return step, stepDef, instance, nil
}

// recordDecision stores one assignee's decision under ALL mode and
// reports whether every assignee has now decided
func (e *Engine) recordDecision(tx *sql.Tx, step *models.StepInstance, actorID, decision, comment string) (bool, error) {
	existing, err := e.stepRepo.ListDecisions(tx, step.ID)
	if err != nil {
		return false, err
	}
	for _, d := range existing {
		if d.ActorID == actorID {
			return false, fmt.Errorf("actor %q already decided on step instance %d: %w", actorID, step.ID, ErrInvalidState)
		}
	}

	if err := e.stepRepo.CreateDecision(tx, &models.StepDecision{
		StepInstanceID: step.ID,
		ActorID:        actorID,
		Decision:       decision,
		Comment:        comment,
	}); err != nil {
		return false, err
	}

	return len(existing)+1 >= len(step.AssignedTo), nil
}

// nextStepDefinition returns the step following current by step_order,
// or nil when current is the last step of the definition
func (e *Engine) nextStepDefinition(current *models.StepDefinition) (*models.StepDefinition, error) {
	steps, err := e.definitionRepo.GetSteps(current.WorkflowDefinitionID)
	if err != nil {
		return nil, err
	}
	for i, s := range steps {
		if s.ID == current.ID {
			if i+1 < len(steps) {
				return steps[i+1], nil
			}
			return nil, nil
		}
	}
	return nil, fmt.Errorf("step definition %d not found in workflow definition %d", current.ID, current.WorkflowDefinitionID)
}

// rejectTarget returns the step a send-back routes to, or nil when the
// reject target is the initiator (terminal rejection)
func (e *Engine) rejectTarget(current *models.StepDefinition) (*models.StepDefinition, error) {
	switch current.RejectTargetType {
	case models.RejectTargetInitiator:
		return nil, nil

	case models.RejectTargetPrevious:
		steps, err := e.definitionRepo.GetSteps(current.WorkflowDefinitionID)
		if err != nil {
			return nil, err
		}
		for i, s := range steps {
			if s.ID == current.ID {
				if i == 0 {
					return nil, fmt.Errorf("step %q has no previous step to send back to", current.Name)
				}
				return steps[i-1], nil
			}
		}
		return nil, fmt.Errorf("step definition %d not found in workflow definition %d", current.ID, current.WorkflowDefinitionID)

	case models.RejectTargetSpecific:
		if current.RejectTargetStepID == nil {
			return nil, fmt.Errorf("step %q has reject target SPECIFIC but no target step", current.Name)
		}
		target, err := e.definitionRepo.GetStepByID(*current.RejectTargetStepID)
		if err != nil {
			return nil, err
		}
		if target == nil || target.WorkflowDefinitionID != current.WorkflowDefinitionID {
			return nil, fmt.Errorf("step %q has an invalid reject target step %d", current.Name, *current.RejectTargetStepID)
		}
		return target, nil

	default:
		return nil, fmt.Errorf("step %q has unknown reject target type %q", current.Name, current.RejectTargetType)
	}
}

// advance resolves the target step's approvers, creates its pending
// step instance and moves the run's active-step pointer. A failed or
// empty resolution aborts the enclosing transaction.
func (e *Engine) advance(ctx context.Context, tx *sql.Tx, instance *models.WorkflowInstance, target *models.StepDefinition) ([]string, error) {
	assignees, err := e.resolver.Resolve(ctx, target, resolver.Context{
		WorkflowInstanceID:   instance.ID,
		WorkflowDefinitionID: instance.WorkflowDefinitionID,
		SubmitterID:          instance.CreatedBy,
		RefType:              instance.RefType,
		RefID:                instance.RefID,
	})
	if err != nil {
		return nil, err
	}

	step := &models.StepInstance{
		WorkflowInstanceID: instance.ID,
		StepDefinitionID:   target.ID,
		Status:             models.StepStatusPending,
		AssignedTo:         assignees,
	}
	if err := e.stepRepo.Create(tx, step); err != nil {
		return nil, err
	}
	if err := e.instanceRepo.SetCurrentStep(tx, instance.ID, target.ID); err != nil {
		return nil, err
	}
	instance.CurrentStepDefinitionID = &target.ID

	return assignees, nil
}

// notify runs a post-commit notification, logging and swallowing any
// failure: the transition has already committed and must stand
func (e *Engine) notify(fn func() error) {
	if e.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		e.logger.Warn("Notification failed after committed transition", zap.Error(err))
	}
}
