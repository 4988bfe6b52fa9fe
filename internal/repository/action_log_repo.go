package repository

import (
	"database/sql"
	"fmt"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// ActionLogRepository handles the append-only action audit trail.
// Entries are only ever inserted; there are no update or delete paths.
type ActionLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewActionLogRepository creates a new action log repository
func NewActionLogRepository(db *sql.DB, logger *zap.Logger) *ActionLogRepository {
	return &ActionLogRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends a new action log entry
func (r *ActionLogRepository) Create(tx *sql.Tx, entry *models.ActionLogEntry) error {
	query := `
		INSERT INTO action_logs (
			workflow_instance_id, action, from_step_definition_id,
			actor_id, comment, metadata
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	metadata := entry.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	var result sql.Result
	var err error
	if tx != nil {
		result, err = tx.Exec(query,
			entry.WorkflowInstanceID, entry.Action, entry.FromStepDefinitionID,
			entry.ActorID, entry.Comment, metadata,
		)
	} else {
		result, err = r.db.Exec(query,
			entry.WorkflowInstanceID, entry.Action, entry.FromStepDefinitionID,
			entry.ActorID, entry.Comment, metadata,
		)
	}
	if err != nil {
		r.logger.Error("Failed to create action log entry",
			zap.Int64("workflow_instance_id", entry.WorkflowInstanceID),
			zap.String("action", entry.Action),
			zap.Error(err))
		return fmt.Errorf("failed to create action log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListByInstance returns all action log entries for a workflow run, oldest first
func (r *ActionLogRepository) ListByInstance(workflowInstanceID int64) ([]*models.ActionLogEntry, error) {
	query := `
		SELECT id, workflow_instance_id, action, from_step_definition_id,
			actor_id, comment, metadata, created_at
		FROM action_logs
		WHERE workflow_instance_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(query, workflowInstanceID)
	if err != nil {
		r.logger.Error("Failed to list action log entries",
			zap.Int64("workflow_instance_id", workflowInstanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to list action log entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActionLogEntry
	for rows.Next() {
		var entry models.ActionLogEntry
		err := rows.Scan(
			&entry.ID, &entry.WorkflowInstanceID, &entry.Action,
			&entry.FromStepDefinitionID, &entry.ActorID, &entry.Comment,
			&entry.Metadata, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action log entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// CountByInstance returns the number of action log entries for a run
func (r *ActionLogRepository) CountByInstance(workflowInstanceID int64) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM action_logs WHERE workflow_instance_id = ?",
		workflowInstanceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count action log entries: %w", err)
	}
	return count, nil
}
