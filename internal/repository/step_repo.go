package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// StepRepository handles step instance and step decision database operations
type StepRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStepRepository creates a new step repository
func NewStepRepository(db *sql.DB, logger *zap.Logger) *StepRepository {
	return &StepRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new step instance with its assignee snapshot. The
// partial unique index rejects a second PENDING step for the same run.
func (r *StepRepository) Create(tx *sql.Tx, step *models.StepInstance) error {
	assigned, err := json.Marshal(step.AssignedTo)
	if err != nil {
		return fmt.Errorf("failed to marshal assignees: %w", err)
	}

	query := `
		INSERT INTO step_instances (
			workflow_instance_id, step_definition_id, status, assigned_to, comment
		) VALUES (?, ?, ?, ?, ?)
	`

	var result sql.Result
	if tx != nil {
		result, err = tx.Exec(query,
			step.WorkflowInstanceID, step.StepDefinitionID, step.Status,
			string(assigned), step.Comment,
		)
	} else {
		result, err = r.db.Exec(query,
			step.WorkflowInstanceID, step.StepDefinitionID, step.Status,
			string(assigned), step.Comment,
		)
	}
	if err != nil {
		r.logger.Error("Failed to create step instance",
			zap.Int64("workflow_instance_id", step.WorkflowInstanceID),
			zap.Int64("step_definition_id", step.StepDefinitionID),
			zap.Error(err))
		return fmt.Errorf("failed to create step instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	step.ID = id
	return nil
}

// GetByID retrieves a step instance by ID
func (r *StepRepository) GetByID(id int64) (*models.StepInstance, error) {
	query := `
		SELECT id, workflow_instance_id, step_definition_id, status,
			assigned_to, acted_by, acted_at, comment, created_at
		FROM step_instances
		WHERE id = ?
	`

	var step models.StepInstance
	var assigned string
	var actedBy sql.NullString
	var actedAt sql.NullTime

	err := r.db.QueryRow(query, id).Scan(
		&step.ID, &step.WorkflowInstanceID, &step.StepDefinitionID, &step.Status,
		&assigned, &actedBy, &actedAt, &step.Comment, &step.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get step instance", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get step instance: %w", err)
	}

	if err := json.Unmarshal([]byte(assigned), &step.AssignedTo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignees: %w", err)
	}
	if actedBy.Valid {
		step.ActedBy = actedBy.String
	}
	if actedAt.Valid {
		step.ActedAt = &actedAt.Time
	}

	return &step, nil
}

// FinalizePending transitions a PENDING step instance to a final status.
// Returns false when the step was no longer PENDING, which is how a
// concurrent second actor observes that someone else already acted.
func (r *StepRepository) FinalizePending(tx *sql.Tx, id int64, status, actedBy, comment string, actedAt time.Time) (bool, error) {
	query := `
		UPDATE step_instances
		SET status = ?, acted_by = ?, acted_at = ?, comment = ?
		WHERE id = ? AND status = ?
	`

	var result sql.Result
	var err error
	if tx != nil {
		result, err = tx.Exec(query, status, actedBy, actedAt, comment, id, models.StepStatusPending)
	} else {
		result, err = r.db.Exec(query, status, actedBy, actedAt, comment, id, models.StepStatusPending)
	}
	if err != nil {
		r.logger.Error("Failed to finalize step instance",
			zap.Int64("id", id), zap.String("status", status), zap.Error(err))
		return false, fmt.Errorf("failed to finalize step instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// CreateDecision records one assignee's decision on a step instance.
// The (step_instance_id, actor_id) uniqueness makes a repeated decision
// by the same actor fail rather than count twice.
func (r *StepRepository) CreateDecision(tx *sql.Tx, decision *models.StepDecision) error {
	query := `
		INSERT INTO step_decisions (step_instance_id, actor_id, decision, comment)
		VALUES (?, ?, ?, ?)
	`

	var result sql.Result
	var err error
	if tx != nil {
		result, err = tx.Exec(query,
			decision.StepInstanceID, decision.ActorID, decision.Decision, decision.Comment)
	} else {
		result, err = r.db.Exec(query,
			decision.StepInstanceID, decision.ActorID, decision.Decision, decision.Comment)
	}
	if err != nil {
		r.logger.Error("Failed to create step decision",
			zap.Int64("step_instance_id", decision.StepInstanceID),
			zap.String("actor_id", decision.ActorID),
			zap.Error(err))
		return fmt.Errorf("failed to create step decision: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	decision.ID = id
	return nil
}

// ListDecisions returns all recorded decisions for a step instance
func (r *StepRepository) ListDecisions(tx *sql.Tx, stepInstanceID int64) ([]*models.StepDecision, error) {
	query := `
		SELECT id, step_instance_id, actor_id, decision, comment, created_at
		FROM step_decisions
		WHERE step_instance_id = ?
		ORDER BY created_at ASC
	`

	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.Query(query, stepInstanceID)
	} else {
		rows, err = r.db.Query(query, stepInstanceID)
	}
	if err != nil {
		r.logger.Error("Failed to list step decisions",
			zap.Int64("step_instance_id", stepInstanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to list step decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*models.StepDecision
	for rows.Next() {
		var d models.StepDecision
		err := rows.Scan(&d.ID, &d.StepInstanceID, &d.ActorID, &d.Decision, &d.Comment, &d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step decision: %w", err)
		}
		decisions = append(decisions, &d)
	}

	return decisions, rows.Err()
}

// ListByInstance returns all step instances of a workflow run, oldest first
func (r *StepRepository) ListByInstance(workflowInstanceID int64) ([]*models.StepInstance, error) {
	query := `
		SELECT id, workflow_instance_id, step_definition_id, status,
			assigned_to, acted_by, acted_at, comment, created_at
		FROM step_instances
		WHERE workflow_instance_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.Query(query, workflowInstanceID)
	if err != nil {
		r.logger.Error("Failed to list step instances",
			zap.Int64("workflow_instance_id", workflowInstanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to list step instances: %w", err)
	}
	defer rows.Close()

	var steps []*models.StepInstance
	for rows.Next() {
		var step models.StepInstance
		var assigned string
		var actedBy sql.NullString
		var actedAt sql.NullTime

		err := rows.Scan(
			&step.ID, &step.WorkflowInstanceID, &step.StepDefinitionID, &step.Status,
			&assigned, &actedBy, &actedAt, &step.Comment, &step.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step instance: %w", err)
		}

		if err := json.Unmarshal([]byte(assigned), &step.AssignedTo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assignees: %w", err)
		}
		if actedBy.Valid {
			step.ActedBy = actedBy.String
		}
		if actedAt.Valid {
			step.ActedAt = &actedAt.Time
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}
