package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/errs"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			current_tenant_id INTEGER,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP,
			revoked_at TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func int64Ptr(v int64) *int64 { return &v }

func TestGenerateToken(t *testing.T) {
	token, hash, err := GenerateToken()
	require.NoError(t, err)

	assert.NoError(t, ValidateTokenFormat(token))
	assert.Equal(t, HashToken(token), hash)
	assert.Len(t, hash, 64)

	other, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestValidateTokenFormat(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "missing prefix", token: "abc123", wantErr: true},
		{name: "empty after prefix", token: "wdn_", wantErr: true},
		{name: "invalid encoding", token: "wdn_!!!", wantErr: true},
		{name: "valid", token: "wdn_YWJjZGVmZ2g", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTokenFormat(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIssueAndResolve(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	token, sess, err := store.Issue(ctx, 7, int64Ptr(3), time.Hour)
	require.NoError(t, err)
	assert.NotZero(t, sess.ID)

	identity, err := store.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), identity.UserID)
	require.NotNil(t, identity.CurrentTenantID)
	assert.Equal(t, int64(3), *identity.CurrentTenantID)
}

func TestResolveUnknownToken(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	token, _, err := GenerateToken()
	require.NoError(t, err)

	_, err = store.Resolve(ctx, token)
	assert.Equal(t, errs.KindUnauthenticated, errs.KindOf(err))
	assert.Equal(t, "invalid or expired session", errs.Message(err))
}

func TestResolveExpiredToken(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	token, _, err := store.Issue(ctx, 7, nil, time.Hour)
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = store.Resolve(ctx, token)
	assert.Equal(t, errs.KindUnauthenticated, errs.KindOf(err))
}

func TestResolveRevokedToken(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	token, _, err := store.Issue(ctx, 7, nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, token))

	_, err = store.Resolve(ctx, token)
	assert.Equal(t, errs.KindUnauthenticated, errs.KindOf(err))

	// Revoking twice reports the session gone
	err = store.Revoke(ctx, token)
	assert.True(t, errs.IsNotFound(err))
}

func TestSetCurrentTenant(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	token, _, err := store.Issue(ctx, 7, nil, time.Hour)
	require.NoError(t, err)

	identity, err := store.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, identity.CurrentTenantID)

	require.NoError(t, store.SetCurrentTenant(ctx, token, int64Ptr(5)))

	identity, err = store.Resolve(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, identity.CurrentTenantID)
	assert.Equal(t, int64(5), *identity.CurrentTenantID)
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	expired, _, err := store.Issue(ctx, 7, nil, time.Minute)
	require.NoError(t, err)
	fresh, _, err := store.Issue(ctx, 8, nil, time.Hour)
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(30 * time.Minute) }
	deleted, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Resolve(ctx, expired)
	assert.Equal(t, errs.KindUnauthenticated, errs.KindOf(err))

	_, err = store.Resolve(ctx, fresh)
	assert.NoError(t, err)
}
