package repository

import (
	"database/sql"
	"fmt"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// DefinitionRepository handles workflow definition database operations
type DefinitionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDefinitionRepository creates a new definition repository
func NewDefinitionRepository(db *sql.DB, logger *zap.Logger) *DefinitionRepository {
	return &DefinitionRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a workflow definition together with its step definitions
func (r *DefinitionRepository) Create(tx *sql.Tx, def *models.WorkflowDefinition) error {
	query := `
		INSERT INTO workflow_definitions (code, name, version, is_active)
		VALUES (?, ?, ?, ?)
	`

	var result sql.Result
	var err error

	if tx != nil {
		result, err = tx.Exec(query, def.Code, def.Name, def.Version, def.IsActive)
	} else {
		result, err = r.db.Exec(query, def.Code, def.Name, def.Version, def.IsActive)
	}
	if err != nil {
		r.logger.Error("Failed to create workflow definition", zap.String("code", def.Code), zap.Error(err))
		return fmt.Errorf("failed to create workflow definition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	def.ID = id

	for _, step := range def.Steps {
		step.WorkflowDefinitionID = id
		if err := r.CreateStep(tx, step); err != nil {
			return err
		}
	}

	return nil
}

// CreateStep creates a single step definition
func (r *DefinitionRepository) CreateStep(tx *sql.Tx, step *models.StepDefinition) error {
	query := `
		INSERT INTO step_definitions (
			workflow_definition_id, step_order, name, approver_strategy,
			approver_value, approval_mode, can_send_back, reject_target_type,
			reject_target_step_id, is_terminal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var rejectTarget sql.NullInt64
	if step.RejectTargetStepID != nil {
		rejectTarget = sql.NullInt64{Int64: *step.RejectTargetStepID, Valid: true}
	}

	var result sql.Result
	var err error

	if tx != nil {
		result, err = tx.Exec(query,
			step.WorkflowDefinitionID, step.StepOrder, step.Name, step.ApproverStrategy,
			step.ApproverValue, step.ApprovalMode, step.CanSendBack, step.RejectTargetType,
			rejectTarget, step.IsTerminal,
		)
	} else {
		result, err = r.db.Exec(query,
			step.WorkflowDefinitionID, step.StepOrder, step.Name, step.ApproverStrategy,
			step.ApproverValue, step.ApprovalMode, step.CanSendBack, step.RejectTargetType,
			rejectTarget, step.IsTerminal,
		)
	}
	if err != nil {
		r.logger.Error("Failed to create step definition",
			zap.Int64("workflow_definition_id", step.WorkflowDefinitionID),
			zap.Int("step_order", step.StepOrder),
			zap.Error(err))
		return fmt.Errorf("failed to create step definition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	step.ID = id
	return nil
}

// GetByCode retrieves a workflow definition by its unique code
func (r *DefinitionRepository) GetByCode(code string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT id, code, name, version, is_active, created_at
		FROM workflow_definitions
		WHERE code = ?
	`

	var def models.WorkflowDefinition
	err := r.db.QueryRow(query, code).Scan(
		&def.ID, &def.Code, &def.Name, &def.Version, &def.IsActive, &def.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get definition by code", zap.String("code", code), zap.Error(err))
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}

	return &def, nil
}

// GetStepByID retrieves a single step definition
func (r *DefinitionRepository) GetStepByID(id int64) (*models.StepDefinition, error) {
	query := `
		SELECT id, workflow_definition_id, step_order, name, approver_strategy,
			approver_value, approval_mode, can_send_back, reject_target_type,
			reject_target_step_id, is_terminal
		FROM step_definitions
		WHERE id = ?
	`

	var step models.StepDefinition
	var rejectTarget sql.NullInt64

	err := r.db.QueryRow(query, id).Scan(
		&step.ID, &step.WorkflowDefinitionID, &step.StepOrder, &step.Name,
		&step.ApproverStrategy, &step.ApproverValue, &step.ApprovalMode,
		&step.CanSendBack, &step.RejectTargetType, &rejectTarget, &step.IsTerminal,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get step definition", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get step definition: %w", err)
	}

	if rejectTarget.Valid {
		step.RejectTargetStepID = &rejectTarget.Int64
	}

	return &step, nil
}

// GetSteps retrieves all step definitions of a workflow ordered by step_order
func (r *DefinitionRepository) GetSteps(workflowDefinitionID int64) ([]*models.StepDefinition, error) {
	query := `
		SELECT id, workflow_definition_id, step_order, name, approver_strategy,
			approver_value, approval_mode, can_send_back, reject_target_type,
			reject_target_step_id, is_terminal
		FROM step_definitions
		WHERE workflow_definition_id = ?
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(query, workflowDefinitionID)
	if err != nil {
		r.logger.Error("Failed to list step definitions",
			zap.Int64("workflow_definition_id", workflowDefinitionID), zap.Error(err))
		return nil, fmt.Errorf("failed to list step definitions: %w", err)
	}
	defer rows.Close()

	var steps []*models.StepDefinition
	for rows.Next() {
		var step models.StepDefinition
		var rejectTarget sql.NullInt64

		err := rows.Scan(
			&step.ID, &step.WorkflowDefinitionID, &step.StepOrder, &step.Name,
			&step.ApproverStrategy, &step.ApproverValue, &step.ApprovalMode,
			&step.CanSendBack, &step.RejectTargetType, &rejectTarget, &step.IsTerminal,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step definition: %w", err)
		}

		if rejectTarget.Valid {
			step.RejectTargetStepID = &rejectTarget.Int64
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}
