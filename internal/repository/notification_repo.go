package repository

import (
	"database/sql"
	"fmt"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// NotificationRepository handles deliverable notification records.
// Inserts are keyed by dedupe_key with skip-on-duplicate semantics so
// notification requests are idempotent under retry.
type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sql.DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// CreateIfAbsent inserts a notification unless one with the same dedupe
// key already exists. Returns true when a new record was created.
func (r *NotificationRepository) CreateIfAbsent(notification *models.Notification) (bool, error) {
	query := `
		INSERT INTO notifications (
			dedupe_key, recipient_id, title, message, ref_type, ref_id, action_url, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING
	`

	result, err := r.db.Exec(query,
		notification.DedupeKey, notification.RecipientID, notification.Title,
		notification.Message, notification.RefType, notification.RefID,
		notification.ActionURL, models.NotificationStatusPending,
	)
	if err != nil {
		r.logger.Error("Failed to create notification",
			zap.String("dedupe_key", notification.DedupeKey),
			zap.Error(err))
		return false, fmt.Errorf("failed to create notification: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	notification.ID = id
	notification.Status = models.NotificationStatusPending
	return true, nil
}

// GetByDedupeKey retrieves a notification by its dedupe key
func (r *NotificationRepository) GetByDedupeKey(key string) (*models.Notification, error) {
	query := `
		SELECT id, dedupe_key, recipient_id, title, message,
			ref_type, ref_id, action_url, status, created_at
		FROM notifications
		WHERE dedupe_key = ?
	`

	var n models.Notification
	err := r.db.QueryRow(query, key).Scan(
		&n.ID, &n.DedupeKey, &n.RecipientID, &n.Title, &n.Message,
		&n.RefType, &n.RefID, &n.ActionURL, &n.Status, &n.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get notification", zap.String("dedupe_key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	return &n, nil
}

// ListByRef returns all notifications attached to a business object
func (r *NotificationRepository) ListByRef(refType, refID string) ([]*models.Notification, error) {
	query := `
		SELECT id, dedupe_key, recipient_id, title, message,
			ref_type, ref_id, action_url, status, created_at
		FROM notifications
		WHERE ref_type = ? AND ref_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(query, refType, refID)
	if err != nil {
		r.logger.Error("Failed to list notifications",
			zap.String("ref_type", refType), zap.String("ref_id", refID), zap.Error(err))
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		err := rows.Scan(
			&n.ID, &n.DedupeKey, &n.RecipientID, &n.Title, &n.Message,
			&n.RefType, &n.RefID, &n.ActionURL, &n.Status, &n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	return notifications, rows.Err()
}

// MarkSent marks a notification as handed to the delivery collaborator
func (r *NotificationRepository) MarkSent(id int64) error {
	_, err := r.db.Exec(
		"UPDATE notifications SET status = ? WHERE id = ?",
		models.NotificationStatusSent, id,
	)
	if err != nil {
		r.logger.Error("Failed to mark notification sent", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}
