package roles

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all role migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT,
					name VARCHAR(255) NOT NULL,
					display_name VARCHAR(255) NOT NULL,
					description TEXT,
					permissions JSONB NOT NULL DEFAULT '[]',
					is_built_in BOOLEAN DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					created_by BIGINT,
					UNIQUE(name, tenant_id)
				);

				CREATE INDEX idx_roles_tenant_id ON roles(tenant_id);
				CREATE INDEX idx_roles_name ON roles(name);
			`,
		},
		{
			Version:     2,
			Description: "Create role_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_grants (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					tenant_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_by BIGINT NOT NULL,
					granted_at TIMESTAMP NOT NULL DEFAULT NOW(),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					revoked_at TIMESTAMP
				);

				CREATE INDEX idx_role_grants_user_tenant ON role_grants(user_id, tenant_id);
				CREATE INDEX idx_role_grants_role_id ON role_grants(role_id);
				CREATE INDEX idx_role_grants_active ON role_grants(active);
			`,
		},
		{
			Version:     3,
			Description: "Enforce one active grant per user, tenant and role",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_grants_one_active
					ON role_grants(user_id, tenant_id, role_id) WHERE active;
			`,
		},
	}
}

// RunMigrations executes all pending role migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS role_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM role_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO role_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// InitializeBuiltInRoles creates the built-in roles if they don't exist
func InitializeBuiltInRoles(ctx context.Context, store *Store) error {
	for _, role := range BuiltInRoles() {
		existing, err := store.GetRoleByName(ctx, role.Name, nil)
		if err == nil && existing != nil {
			continue
		}

		if err := store.CreateRole(ctx, &role); err != nil {
			return fmt.Errorf("failed to create built-in role %s: %w", role.Name, err)
		}
	}
	return nil
}
