package roles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/warden/pkg/errs"
)

// Store handles role and grant persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new roles store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO roles (tenant_id, name, display_name, description, permissions, is_built_in, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		role.TenantID,
		role.Name,
		role.DisplayName,
		role.Description,
		string(permissionsJSON),
		role.IsBuiltIn,
		now,
		now,
		role.CreatedBy,
	).Scan(&role.ID)

	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

const roleColumns = `id, tenant_id, name, display_name, description, permissions, is_built_in, created_at, updated_at, created_by`

func scanRole(scanner interface {
	Scan(dest ...interface{}) error
}) (*Role, error) {
	var role Role
	var permissionsJSON string
	var tenantID, createdBy sql.NullInt64

	err := scanner.Scan(
		&role.ID, &tenantID, &role.Name, &role.DisplayName, &role.Description,
		&permissionsJSON, &role.IsBuiltIn, &role.CreatedAt, &role.UpdatedAt, &createdBy,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if tenantID.Valid {
		v := tenantID.Int64
		role.TenantID = &v
	}
	if createdBy.Valid {
		v := createdBy.Int64
		role.CreatedBy = &v
	}
	return &role, nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "role %d not found", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by name, preferring the tenant's own role
// over a built-in of the same name.
func (s *Store) GetRoleByName(ctx context.Context, name string, tenantID *int64) (*Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM roles
		WHERE name = $1 AND (tenant_id = $2 OR tenant_id IS NULL)
		ORDER BY tenant_id IS NULL
		LIMIT 1
	`
	role, err := scanRole(s.db.QueryRowContext(ctx, query, name, tenantID))
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "role %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles retrieves the roles visible to a tenant: its own plus built-ins
func (s *Store) ListRoles(ctx context.Context, tenantID int64) ([]*Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM roles
		WHERE tenant_id = $1 OR tenant_id IS NULL
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// GrantRole assigns a role to a user within a tenant. The partial unique
// index on active grants makes the insert lose when the user already holds
// the role, so two concurrent grants yield exactly one new row.
func (s *Store) GrantRole(ctx context.Context, userID, tenantID, roleID, grantedBy int64) (*Grant, error) {
	query := `
		INSERT INTO role_grants (user_id, tenant_id, role_id, granted_by, granted_at, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (user_id, tenant_id, role_id) WHERE active DO NOTHING
		RETURNING id
	`
	g := &Grant{
		UserID:    userID,
		TenantID:  tenantID,
		RoleID:    roleID,
		GrantedBy: grantedBy,
		GrantedAt: time.Now().UTC(),
		Active:    true,
	}

	err := s.db.QueryRowContext(ctx, query, g.UserID, g.TenantID, g.RoleID, g.GrantedBy, g.GrantedAt).Scan(&g.ID)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindConflict, "user %d already holds role %d in tenant %d", userID, roleID, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to grant role: %w", err)
	}
	return g, nil
}

// RevokeRole deactivates a user's grant of one role within a tenant
func (s *Store) RevokeRole(ctx context.Context, userID, tenantID, roleID int64) error {
	query := `
		UPDATE role_grants
		SET active = FALSE, revoked_at = $1
		WHERE user_id = $2 AND tenant_id = $3 AND role_id = $4 AND active = TRUE
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), userID, tenantID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.New(errs.KindNotFound, "grant not found")
	}
	return nil
}

// DeactivateGrants deactivates every active grant the user holds in the
// tenant. Called when a membership is removed.
func (s *Store) DeactivateGrants(ctx context.Context, userID, tenantID int64) (int64, error) {
	query := `
		UPDATE role_grants
		SET active = FALSE, revoked_at = $1
		WHERE user_id = $2 AND tenant_id = $3 AND active = TRUE
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), userID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate grants: %w", err)
	}
	return result.RowsAffected()
}

// ListGrants retrieves the active grants for a user within a tenant
func (s *Store) ListGrants(ctx context.Context, userID, tenantID int64) ([]*Grant, error) {
	query := `
		SELECT id, user_id, tenant_id, role_id, granted_by, granted_at, active, revoked_at
		FROM role_grants
		WHERE user_id = $1 AND tenant_id = $2 AND active = TRUE
		ORDER BY granted_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g := &Grant{}
		var revokedAt sql.NullTime
		if err := rows.Scan(&g.ID, &g.UserID, &g.TenantID, &g.RoleID, &g.GrantedBy, &g.GrantedAt, &g.Active, &revokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if revokedAt.Valid {
			g.RevokedAt = &revokedAt.Time
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ResolvePermissions unions the permission sets of every role the user
// actively holds in the tenant. The result is sorted and deduplicated.
func (s *Store) ResolvePermissions(ctx context.Context, userID, tenantID int64) ([]string, error) {
	query := `
		SELECT r.permissions
		FROM role_grants g
		JOIN roles r ON r.id = g.role_id
		WHERE g.user_id = $1 AND g.tenant_id = $2 AND g.active = TRUE
	`
	rows, err := s.db.QueryContext(ctx, query, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var permissionsJSON string
		if err := rows.Scan(&permissionsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan permissions: %w", err)
		}
		var perms []string
		if err := json.Unmarshal([]byte(permissionsJSON), &perms); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
		for _, p := range perms {
			set[p] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
