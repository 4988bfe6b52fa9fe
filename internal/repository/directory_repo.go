package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/procurehub/procflow/internal/models"
	"go.uber.org/zap"
)

// DirectoryRepository provides the read-only user/role lookup consumed
// by the approver resolver. User and role data is owned by an external
// identity system; the engine never writes to these tables.
type DirectoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDirectoryRepository creates a new directory repository
func NewDirectoryRepository(db *sql.DB, logger *zap.Logger) *DirectoryRepository {
	return &DirectoryRepository{
		db:     db,
		logger: logger,
	}
}

// GetUser retrieves a directory user by ID
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, name, email, is_active FROM users WHERE id = ?`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Name, &user.Email, &user.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get user", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// UserExists reports whether an active user with the given ID exists
func (r *DirectoryRepository) UserExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE id = ? AND is_active = 1", id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return count > 0, nil
}

// ActiveUsersInRole returns the IDs of all active users holding a role
func (r *DirectoryRepository) ActiveUsersInRole(ctx context.Context, role string) ([]string, error) {
	query := `
		SELECT u.id
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role = ? AND u.is_active = 1
		ORDER BY u.id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, role)
	if err != nil {
		r.logger.Error("Failed to list users in role", zap.String("role", role), zap.Error(err))
		return nil, fmt.Errorf("failed to list users in role: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
