package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/tenant"
)

// DBDirectory maps federated (issuer, subject) pairs onto local user ids.
// Rows are created when an identity is first linked; an unlinked subject
// resolves to not found.
type DBDirectory struct {
	db *sql.DB
}

// NewDBDirectory creates a database-backed user directory
func NewDBDirectory(db *sql.DB) *DBDirectory {
	return &DBDirectory{db: db}
}

// LookupSubject resolves a federated subject to a local identity
func (d *DBDirectory) LookupSubject(ctx context.Context, issuer, subject string) (*tenant.Identity, error) {
	query := `
		SELECT user_id, current_tenant_id
		FROM federated_identities
		WHERE issuer = $1 AND subject = $2
	`
	var (
		userID          int64
		currentTenantID sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx, query, issuer, subject).Scan(&userID, &currentTenantID)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "unknown federated identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up federated identity: %w", err)
	}

	identity := &tenant.Identity{UserID: userID}
	if currentTenantID.Valid {
		v := currentTenantID.Int64
		identity.CurrentTenantID = &v
	}
	return identity, nil
}

// Link associates a federated subject with a local user. Linking an already
// linked subject to a different user is a conflict.
func (d *DBDirectory) Link(ctx context.Context, issuer, subject string, userID int64) error {
	query := `
		INSERT INTO federated_identities (issuer, subject, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (issuer, subject) DO NOTHING
	`
	result, err := d.db.ExecContext(ctx, query, issuer, subject, userID)
	if err != nil {
		return fmt.Errorf("failed to link federated identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		existing, err := d.LookupSubject(ctx, issuer, subject)
		if err != nil {
			return err
		}
		if existing.UserID != userID {
			return errs.New(errs.KindConflict, "federated identity is linked to another user")
		}
	}
	return nil
}

// SetCurrentTenant records the last-selected tenant on the federated
// identity so OIDC sessions default to it like opaque sessions do.
func (d *DBDirectory) SetCurrentTenant(ctx context.Context, issuer, subject string, tenantID *int64) error {
	query := `UPDATE federated_identities SET current_tenant_id = $1 WHERE issuer = $2 AND subject = $3`
	result, err := d.db.ExecContext(ctx, query, tenantID, issuer, subject)
	if err != nil {
		return fmt.Errorf("failed to update federated identity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.New(errs.KindNotFound, "unknown federated identity")
	}
	return nil
}
