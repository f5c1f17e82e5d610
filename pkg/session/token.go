// Package session resolves bearer credentials into user identities. Two
// resolvers are provided: opaque API tokens stored hashed in postgres, and
// OIDC ID tokens verified against an external issuer.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/tenant"
)

const (
	// TokenPrefix identifies Warden tokens
	TokenPrefix = "wdn_"
	// TokenLength is the number of random bytes in a token (256 bits)
	TokenLength = 32
)

// GenerateToken creates a new opaque token.
// Format: wdn_<base64url(32 random bytes)>. Only the SHA256 hash is ever
// stored; the plaintext is returned once.
func GenerateToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullToken := TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return fullToken, HashToken(fullToken), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

// Session is one issued token
type Session struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	CurrentTenantID *int64     `json:"current_tenant_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Store persists opaque sessions and resolves tokens into identities
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a session store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Issue creates a session for the user and returns the plaintext token.
// currentTenantID records the user's last-selected tenant, if any.
func (s *Store) Issue(ctx context.Context, userID int64, currentTenantID *int64, ttl time.Duration) (string, *Session, error) {
	token, tokenHash, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	sess := &Session{
		UserID:          userID,
		CurrentTenantID: currentTenantID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}

	query := `
		INSERT INTO sessions (user_id, token_hash, current_tenant_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		sess.UserID, tokenHash, sess.CurrentTenantID, sess.CreatedAt, sess.ExpiresAt,
	).Scan(&sess.ID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	return token, sess, nil
}

// Resolve maps a bearer token to its identity. Unknown, expired, and
// revoked tokens all resolve the same way so a caller cannot distinguish
// them.
func (s *Store) Resolve(ctx context.Context, token string) (*tenant.Identity, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}

	query := `
		SELECT id, user_id, current_tenant_id, expires_at, revoked_at
		FROM sessions
		WHERE token_hash = $1
	`
	var (
		id              int64
		userID          int64
		currentTenantID sql.NullInt64
		expiresAt       time.Time
		revokedAt       sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, HashToken(token)).Scan(
		&id, &userID, &currentTenantID, &expiresAt, &revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	now := s.now().UTC()
	if revokedAt.Valid || !now.Before(expiresAt) {
		return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}

	// Best effort; a failed stamp does not fail the request
	_, _ = s.db.ExecContext(ctx, `UPDATE sessions SET last_used_at = $1 WHERE id = $2`, now, id)

	identity := &tenant.Identity{UserID: userID}
	if currentTenantID.Valid {
		v := currentTenantID.Int64
		identity.CurrentTenantID = &v
	}
	return identity, nil
}

// SetCurrentTenant records the user's tenant selection on the session so
// later requests default to it.
func (s *Store) SetCurrentTenant(ctx context.Context, token string, tenantID *int64) error {
	query := `UPDATE sessions SET current_tenant_id = $1 WHERE token_hash = $2 AND revoked_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, tenantID, HashToken(token))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}
	return nil
}

// Revoke invalidates a token immediately
func (s *Store) Revoke(ctx context.Context, token string) error {
	query := `UPDATE sessions SET revoked_at = $1 WHERE token_hash = $2 AND revoked_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, s.now().UTC(), HashToken(token))
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errs.New(errs.KindNotFound, "session not found")
	}
	return nil
}

// DeleteExpired removes sessions past their expiry
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
