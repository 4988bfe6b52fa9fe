// Package notifier decides who gets told about workflow events and
// records idempotent notification requests for the external delivery
// collaborator. It never fails a transition: the engine calls it after
// commit and discards its errors.
package notifier

import (
	"context"
	"fmt"

	"github.com/procurehub/procflow/internal/models"
	"github.com/procurehub/procflow/internal/repository"
	"go.uber.org/zap"
)

// Event kind constants, part of the dedupe key
const (
	kindCompleted = "WORKFLOW_COMPLETED"
	kindRejected  = "WORKFLOW_REJECTED"
	kindAssigned  = "STEP_ASSIGNED"
)

// RoleDirectory resolves a role into its current member IDs
type RoleDirectory interface {
	ActiveUsersInRole(ctx context.Context, role string) ([]string, error)
}

// Config holds notifier configuration
type Config struct {
	// CompletionRole names the role whose members are notified when a
	// workflow completes, typically the back-office clerks who process
	// the approved object
	CompletionRole string

	// BaseURL prefixes the action link embedded in notifications
	BaseURL string
}

// Notifier resolves recipients per event kind and writes deduplicated
// notification records
type Notifier struct {
	cfg       Config
	repo      *repository.NotificationRepository
	directory RoleDirectory
	logger    *zap.Logger
}

// New creates a new notifier
func New(cfg Config, repo *repository.NotificationRepository, directory RoleDirectory, logger *zap.Logger) *Notifier {
	return &Notifier{
		cfg:       cfg,
		repo:      repo,
		directory: directory,
		logger:    logger,
	}
}

// WorkflowCompleted notifies the configured completion role that a run
// finished approved. An empty recipient set is a no-op, not an error.
func (n *Notifier) WorkflowCompleted(ctx context.Context, instance *models.WorkflowInstance, actorID string) error {
	recipients, err := n.directory.ActiveUsersInRole(ctx, n.cfg.CompletionRole)
	if err != nil {
		return fmt.Errorf("resolve completion recipients: %w", err)
	}

	title := fmt.Sprintf("Approval completed: %s %s", instance.RefType, instance.RefID)
	message := fmt.Sprintf("The approval workflow for %s %s finished with every step approved. Final approval by %s.",
		instance.RefType, instance.RefID, actorID)

	return n.emit(kindCompleted, instance, recipients, title, message)
}

// WorkflowRejected notifies the initiator that the run terminated rejected
func (n *Notifier) WorkflowRejected(ctx context.Context, instance *models.WorkflowInstance, actorID string) error {
	if instance.CreatedBy == "" {
		return nil
	}

	title := fmt.Sprintf("Approval rejected: %s %s", instance.RefType, instance.RefID)
	message := fmt.Sprintf("Your submission %s %s was rejected by %s.", instance.RefType, instance.RefID, actorID)

	return n.emit(kindRejected, instance, []string{instance.CreatedBy}, title, message)
}

// StepAssigned notifies a step's freshly resolved assignees that the
// workflow now awaits their action
func (n *Notifier) StepAssigned(ctx context.Context, instance *models.WorkflowInstance, step *models.StepDefinition, assignees []string) error {
	title := fmt.Sprintf("Approval required: %s %s", instance.RefType, instance.RefID)
	message := fmt.Sprintf("Step %q of the approval workflow for %s %s is waiting for your decision.",
		step.Name, instance.RefType, instance.RefID)

	// the step definition id is part of the key so a send-back to an
	// earlier step re-notifies its approvers
	kind := fmt.Sprintf("%s:%d", kindAssigned, step.ID)
	return n.emit(kind, instance, assignees, title, message)
}

// emit records one deduplicated notification per recipient. Failures on
// one recipient do not block the rest; the first error is reported for
// logging by the caller.
func (n *Notifier) emit(kind string, instance *models.WorkflowInstance, recipients []string, title, message string) error {
	var firstErr error
	for _, recipient := range recipients {
		notification := &models.Notification{
			DedupeKey:   DedupeKey(kind, instance.RefType, instance.RefID, recipient),
			RecipientID: recipient,
			Title:       title,
			Message:     message,
			RefType:     instance.RefType,
			RefID:       instance.RefID,
			ActionURL:   fmt.Sprintf("%s/workflows/%d", n.cfg.BaseURL, instance.ID),
		}

		created, err := n.repo.CreateIfAbsent(notification)
		if err != nil {
			n.logger.Warn("Failed to record notification",
				zap.String("dedupe_key", notification.DedupeKey),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !created {
			n.logger.Debug("Notification already recorded, skipping",
				zap.String("dedupe_key", notification.DedupeKey))
			continue
		}

		n.logger.Info("Notification recorded",
			zap.String("recipient_id", recipient),
			zap.String("dedupe_key", notification.DedupeKey))
	}
	return firstErr
}

// DedupeKey builds the deterministic key that makes notification
// requests idempotent under transition retry
func DedupeKey(kind, refType, refID, recipient string) string {
	return fmt.Sprintf("%s:%s:%s:%s", kind, refType, refID, recipient)
}
