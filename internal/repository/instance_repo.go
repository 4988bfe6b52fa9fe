package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// InstanceRepository handles workflow instance database operations
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new workflow instance. The partial unique index on
// (ref_type, ref_id) rejects a second RUNNING instance for the same ref.
func (r *InstanceRepository) Create(tx *sql.Tx, instance *models.WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances (
			workflow_definition_id, ref_type, ref_id, status,
			current_step_definition_id, created_by
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	var currentStep sql.NullInt64
	if instance.CurrentStepDefinitionID != nil {
		currentStep = sql.NullInt64{Int64: *instance.CurrentStepDefinitionID, Valid: true}
	}

	var result sql.Result
	var err error

	if tx != nil {
		result, err = tx.Exec(query,
			instance.WorkflowDefinitionID, instance.RefType, instance.RefID,
			instance.Status, currentStep, instance.CreatedBy,
		)
	} else {
		result, err = r.db.Exec(query,
			instance.WorkflowDefinitionID, instance.RefType, instance.RefID,
			instance.Status, currentStep, instance.CreatedBy,
		)
	}
	if err != nil {
		r.logger.Error("Failed to create workflow instance",
			zap.String("ref_type", instance.RefType),
			zap.String("ref_id", instance.RefID),
			zap.Error(err))
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	instance.ID = id
	return nil
}

// GetByID retrieves a workflow instance by ID
func (r *InstanceRepository) GetByID(id int64) (*models.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_definition_id, ref_type, ref_id, status,
			current_step_definition_id, created_by, created_at, completed_at
		FROM workflow_instances
		WHERE id = ?
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetActiveByRef retrieves the RUNNING instance attached to a business object
func (r *InstanceRepository) GetActiveByRef(refType, refID string) (*models.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_definition_id, ref_type, ref_id, status,
			current_step_definition_id, created_by, created_at, completed_at
		FROM workflow_instances
		WHERE ref_type = ? AND ref_id = ? AND status = ?
	`
	return r.scanOne(r.db.QueryRow(query, refType, refID, models.InstanceStatusRunning))
}

func (r *InstanceRepository) scanOne(row *sql.Row) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance
	var currentStep sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(
		&instance.ID, &instance.WorkflowDefinitionID, &instance.RefType,
		&instance.RefID, &instance.Status, &currentStep,
		&instance.CreatedBy, &instance.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get workflow instance", zap.Error(err))
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	if currentStep.Valid {
		instance.CurrentStepDefinitionID = &currentStep.Int64
	}
	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}

	return &instance, nil
}

// SetCurrentStep moves the active-step pointer of a running instance
func (r *InstanceRepository) SetCurrentStep(tx *sql.Tx, id int64, stepDefinitionID int64) error {
	query := `UPDATE workflow_instances SET current_step_definition_id = ? WHERE id = ?`

	var err error
	if tx != nil {
		_, err = tx.Exec(query, stepDefinitionID, id)
	} else {
		_, err = r.db.Exec(query, stepDefinitionID, id)
	}
	if err != nil {
		r.logger.Error("Failed to set current step",
			zap.Int64("id", id),
			zap.Int64("step_definition_id", stepDefinitionID),
			zap.Error(err))
		return fmt.Errorf("failed to set current step: %w", err)
	}
	return nil
}

// Finish terminates a running instance with a final status and clears the
// active-step pointer
func (r *InstanceRepository) Finish(tx *sql.Tx, id int64, status string, completedAt time.Time) error {
	query := `
		UPDATE workflow_instances
		SET status = ?, current_step_definition_id = NULL, completed_at = ?
		WHERE id = ? AND status = ?
	`

	var result sql.Result
	var err error
	if tx != nil {
		result, err = tx.Exec(query, status, completedAt, id, models.InstanceStatusRunning)
	} else {
		result, err = r.db.Exec(query, status, completedAt, id, models.InstanceStatusRunning)
	}
	if err != nil {
		r.logger.Error("Failed to finish workflow instance",
			zap.Int64("id", id), zap.String("status", status), zap.Error(err))
		return fmt.Errorf("failed to finish workflow instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow instance %d is not running", id)
	}
	return nil
}
