package membership

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/errs"
)

// Store persists memberships. All transition writes are conditional on the
// expected source status so that racing writers resolve to one winner.
type Store struct {
	db *sql.DB
}

// NewStore creates a new membership store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const membershipColumns = `id, user_id, tenant_id, status, invited_by, invited_at, joined_at, pending_role_id, removed_at, removed_by`

// scanMembership scans a row into a Membership
func scanMembership(scanner interface {
	Scan(dest ...interface{}) error
}) (*Membership, error) {
	m := &Membership{}
	var joinedAt, removedAt sql.NullTime
	var pendingRoleID, removedBy sql.NullInt64

	err := scanner.Scan(
		&m.ID, &m.UserID, &m.TenantID, &m.Status,
		&m.InvitedBy, &m.InvitedAt, &joinedAt,
		&pendingRoleID, &removedAt, &removedBy,
	)
	if err != nil {
		return nil, err
	}

	if joinedAt.Valid {
		m.JoinedAt = &joinedAt.Time
	}
	if pendingRoleID.Valid {
		v := pendingRoleID.Int64
		m.PendingRoleID = &v
	}
	if removedAt.Valid {
		m.RemovedAt = &removedAt.Time
	}
	if removedBy.Valid {
		v := removedBy.Int64
		m.RemovedBy = &v
	}
	return m, nil
}

// Get retrieves the membership for a (user, tenant) pair
func (s *Store) Get(ctx context.Context, userID, tenantID int64) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE user_id = $1 AND tenant_id = $2
	`
	m, err := scanMembership(s.db.QueryRowContext(ctx, query, userID, tenantID))
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "membership not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// MemberStatus reports the lifecycle status for a (user, tenant) pair. It
// satisfies the tenant establisher's membership source.
func (s *Store) MemberStatus(ctx context.Context, userID, tenantID int64) (string, error) {
	query := `SELECT status FROM memberships WHERE user_id = $1 AND tenant_id = $2`
	var status string
	err := s.db.QueryRowContext(ctx, query, userID, tenantID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", errs.New(errs.KindNotFound, "membership not found")
	}
	if err != nil {
		return "", fmt.Errorf("failed to get membership status: %w", err)
	}
	return status, nil
}

// ListByTenant retrieves all memberships for a tenant
func (s *Store) ListByTenant(ctx context.Context, tenantID int64) ([]*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE tenant_id = $1
		ORDER BY invited_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Insert creates an invited membership. The unique (tenant_id, user_id)
// constraint makes a concurrent duplicate insert lose with a conflict.
func (s *Store) Insert(ctx context.Context, m *Membership) error {
	query := `
		INSERT INTO memberships (user_id, tenant_id, status, invited_by, invited_at, pending_role_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, tenant_id) DO NOTHING
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		m.UserID, m.TenantID, m.Status, m.InvitedBy, m.InvitedAt, m.PendingRoleID,
	).Scan(&m.ID)
	if err == sql.ErrNoRows {
		return errs.New(errs.KindConflict, "membership already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// Activate transitions invited -> active, stamping joined_at and clearing
// the pending role in the same statement. Returns false when the row was
// not in the invited state at write time.
func (s *Store) Activate(ctx context.Context, userID, tenantID int64, joinedAt time.Time) (bool, error) {
	query := `
		UPDATE memberships
		SET status = 'active', joined_at = $1, pending_role_id = NULL
		WHERE user_id = $2 AND tenant_id = $3 AND status = 'invited'
	`
	return s.conditionalUpdate(ctx, query, joinedAt, userID, tenantID)
}

// Suspend transitions active -> suspended
func (s *Store) Suspend(ctx context.Context, userID, tenantID int64) (bool, error) {
	query := `
		UPDATE memberships
		SET status = 'suspended'
		WHERE user_id = $1 AND tenant_id = $2 AND status = 'active'
	`
	return s.conditionalUpdate(ctx, query, userID, tenantID)
}

// Unsuspend transitions suspended -> active
func (s *Store) Unsuspend(ctx context.Context, userID, tenantID int64) (bool, error) {
	query := `
		UPDATE memberships
		SET status = 'active'
		WHERE user_id = $1 AND tenant_id = $2 AND status = 'suspended'
	`
	return s.conditionalUpdate(ctx, query, userID, tenantID)
}

// Remove transitions active/suspended -> removed, recording who removed the
// member and when. Exactly one of two racing removers gets a true result.
func (s *Store) Remove(ctx context.Context, userID, tenantID, removedBy int64, removedAt time.Time) (bool, error) {
	query := `
		UPDATE memberships
		SET status = 'removed', removed_at = $1, removed_by = $2
		WHERE user_id = $3 AND tenant_id = $4 AND status IN ('active', 'suspended')
	`
	return s.conditionalUpdate(ctx, query, removedAt, removedBy, userID, tenantID)
}

// Reinvite transitions removed -> invited, resetting the invitation fields
// and clearing the removal and join records.
func (s *Store) Reinvite(ctx context.Context, userID, tenantID, invitedBy int64, invitedAt time.Time, pendingRoleID *int64) (bool, error) {
	query := `
		UPDATE memberships
		SET status = 'invited', invited_by = $1, invited_at = $2, pending_role_id = $3,
		    joined_at = NULL, removed_at = NULL, removed_by = NULL
		WHERE user_id = $4 AND tenant_id = $5 AND status = 'removed'
	`
	return s.conditionalUpdate(ctx, query, invitedBy, invitedAt, pendingRoleID, userID, tenantID)
}

// DeleteExpiredInvites removes invitations issued before the cutoff that
// were never accepted. Deleting the row lets a later invite start fresh.
func (s *Store) DeleteExpiredInvites(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM memberships WHERE status = 'invited' AND invited_at < $1`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired invites: %w", err)
	}
	return result.RowsAffected()
}

// conditionalUpdate executes a transition statement and reports whether the
// row matched its expected source state.
func (s *Store) conditionalUpdate(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update membership: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}
