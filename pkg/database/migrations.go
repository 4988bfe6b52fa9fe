package database

import (
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator handles database migrations
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
	}
}

// schema holds the versioned schema migrations, applied in order.
var schema = []Migration{
	{
		Version: 1,
		Name:    "workflow_definitions",
		SQL: `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				code TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				is_active BOOLEAN NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS step_definitions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_definition_id INTEGER NOT NULL REFERENCES workflow_definitions(id) ON DELETE CASCADE,
				step_order INTEGER NOT NULL,
				name TEXT NOT NULL,
				approver_strategy TEXT NOT NULL,
				approver_value TEXT NOT NULL,
				approval_mode TEXT NOT NULL DEFAULT 'ANY',
				can_send_back BOOLEAN NOT NULL DEFAULT 0,
				reject_target_type TEXT NOT NULL DEFAULT 'PREVIOUS',
				reject_target_step_id INTEGER,
				is_terminal BOOLEAN NOT NULL DEFAULT 0,
				UNIQUE(workflow_definition_id, step_order)
			);
		`,
	},
	{
		Version: 2,
		Name:    "workflow_instances",
		SQL: `
			CREATE TABLE IF NOT EXISTS workflow_instances (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_definition_id INTEGER NOT NULL REFERENCES workflow_definitions(id),
				ref_type TEXT NOT NULL,
				ref_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'RUNNING',
				current_step_definition_id INTEGER,
				created_by TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at DATETIME
			);

			-- one active run per business object
			CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_ref
				ON workflow_instances(ref_type, ref_id) WHERE status = 'RUNNING';

			CREATE TABLE IF NOT EXISTS step_instances (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_instance_id INTEGER NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				step_definition_id INTEGER NOT NULL REFERENCES step_definitions(id),
				status TEXT NOT NULL DEFAULT 'PENDING',
				assigned_to TEXT NOT NULL,
				acted_by TEXT,
				acted_at DATETIME,
				comment TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			-- single active step per run
			CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_single_pending
				ON step_instances(workflow_instance_id) WHERE status = 'PENDING';

			CREATE TABLE IF NOT EXISTS step_decisions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				step_instance_id INTEGER NOT NULL REFERENCES step_instances(id) ON DELETE CASCADE,
				actor_id TEXT NOT NULL,
				decision TEXT NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(step_instance_id, actor_id)
			);
		`,
	},
	{
		Version: 3,
		Name:    "action_logs",
		SQL: `
			CREATE TABLE IF NOT EXISTS action_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_instance_id INTEGER NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				action TEXT NOT NULL,
				from_step_definition_id INTEGER NOT NULL,
				actor_id TEXT NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_action_logs_instance
				ON action_logs(workflow_instance_id, created_at);
		`,
	},
	{
		Version: 4,
		Name:    "notifications",
		SQL: `
			CREATE TABLE IF NOT EXISTS notifications (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				dedupe_key TEXT NOT NULL UNIQUE,
				recipient_id TEXT NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL,
				ref_type TEXT NOT NULL,
				ref_id TEXT NOT NULL,
				action_url TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'PENDING',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 5,
		Name:    "user_directory",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT 1
			);

			CREATE TABLE IF NOT EXISTS user_roles (
				user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				role TEXT NOT NULL,
				PRIMARY KEY (user_id, role)
			);

			CREATE INDEX IF NOT EXISTS idx_user_roles_role ON user_roles(role);
		`,
	},
}

// createMigrationsTable creates the migrations tracking table
func (m *Migrator) createMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := m.db.Exec(query)
	return err
}

// getAppliedMigrations returns the list of applied migration versions
func (m *Migrator) getAppliedMigrations() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// RunMigrations applies all pending schema migrations
func (m *Migrator) RunMigrations() error {
	m.logger.Info("Starting database migrations")

	if err := m.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	migrations := make([]Migration, len(schema))
	copy(migrations, schema)
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for _, migration := range migrations {
		if applied[migration.Version] {
			m.logger.Debug("Skipping applied migration",
				zap.Int("version", migration.Version),
				zap.String("name", migration.Name))
			continue
		}

		m.logger.Info("Applying migration",
			zap.Int("version", migration.Version),
			zap.String("name", migration.Name))

		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("Database migrations completed successfully")
	return nil
}

// applyMigration applies a single migration within a transaction
func (m *Migrator) applyMigration(migration Migration) error {
	return m.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(migration.SQL); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}

		_, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version,
			migration.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}

		return nil
	})
}
