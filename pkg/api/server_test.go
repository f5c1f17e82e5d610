package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/dispatch"
	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/membership"
	"github.com/platinummonkey/warden/pkg/records"
	"github.com/platinummonkey/warden/pkg/roles"
	"github.com/platinummonkey/warden/pkg/tenant"
)

type stubSessions struct {
	identities map[string]*tenant.Identity
	switched   map[string]*int64
	revoked    []string
}

func (s *stubSessions) Resolve(ctx context.Context, token string) (*tenant.Identity, error) {
	ident, ok := s.identities[token]
	if !ok {
		return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}
	return ident, nil
}

func (s *stubSessions) SetCurrentTenant(ctx context.Context, token string, tenantID *int64) error {
	if _, ok := s.identities[token]; !ok {
		return errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}
	if s.switched == nil {
		s.switched = make(map[string]*int64)
	}
	s.switched[token] = tenantID
	return nil
}

func (s *stubSessions) Revoke(ctx context.Context, token string) error {
	if _, ok := s.identities[token]; !ok {
		return errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}
	s.revoked = append(s.revoked, token)
	return nil
}

func setupAPIDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE memberships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			tenant_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'invited',
			invited_by INTEGER NOT NULL,
			invited_at TIMESTAMP NOT NULL,
			joined_at TIMESTAMP,
			pending_role_id INTEGER,
			removed_at TIMESTAMP,
			removed_by INTEGER,
			UNIQUE(user_id, tenant_id)
		);

		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL,
			description TEXT,
			permissions TEXT NOT NULL DEFAULT '[]',
			is_built_in INTEGER DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			created_by INTEGER,
			UNIQUE(name, tenant_id)
		);

		CREATE TABLE role_grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			tenant_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			granted_by INTEGER NOT NULL,
			granted_at TIMESTAMP NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			revoked_at TIMESTAMP
		);

		CREATE UNIQUE INDEX idx_role_grants_one_active
			ON role_grants(user_id, tenant_id, role_id) WHERE active;

		CREATE TABLE records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

type apiFixture struct {
	server   *Server
	sessions *stubSessions
	members  *membership.Service
	roles    *roles.Store
}

// setupAPI wires the whole stack against sqlite. User 1 is an active admin
// in tenant 3, user 4 holds a pending invite in tenant 3, user 9 has no
// memberships at all.
func setupAPI(t *testing.T) *apiFixture {
	ctx := context.Background()
	db := setupAPIDB(t)

	rolesStore := roles.NewStore(db)
	require.NoError(t, roles.InitializeBuiltInRoles(ctx, rolesStore))
	admin, err := rolesStore.GetRoleByName(ctx, roles.RoleAdmin, nil)
	require.NoError(t, err)

	memberStore := membership.NewStore(db)
	members := membership.NewService(memberStore, membership.Hooks{}, nil)

	_, err = members.Invite(ctx, 1, 3, 99, nil)
	require.NoError(t, err)
	_, err = members.Accept(ctx, 1, 1, 3)
	require.NoError(t, err)
	_, err = rolesStore.GrantRole(ctx, 1, 3, admin.ID, 99)
	require.NoError(t, err)

	_, err = members.Invite(ctx, 4, 3, 1, nil)
	require.NoError(t, err)

	resolver := roles.NewResolver(rolesStore, 100, time.Minute)

	sessions := &stubSessions{identities: map[string]*tenant.Identity{
		"tok-admin":   {UserID: 1, CurrentTenantID: int64Ptr(3)},
		"tok-invited": {UserID: 4, CurrentTenantID: int64Ptr(3)},
		"tok-drifter": {UserID: 9},
	}}

	establisher := &tenant.Establisher{
		Sessions:    sessions,
		Memberships: memberStore,
		Permissions: resolver,
	}

	registry := BuildRegistry(Deps{
		Memberships: members,
		Roles:       rolesStore,
		Resolver:    resolver,
		Records:     records.NewRepository(db),
		Clock:       func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) },
	})

	dispatcher := dispatch.NewDispatcher(registry, establisher, nil, nil, nil)
	return &apiFixture{
		server:   NewServer(dispatcher, sessions, nil),
		sessions: sessions,
		members:  members,
		roles:    rolesStore,
	}
}

func int64Ptr(v int64) *int64 { return &v }

func (f *apiFixture) do(t *testing.T, token, operation string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, dispatch.Result) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/operations/"+operation, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var result dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return rec, result
}

func TestOperationHappyPath(t *testing.T) {
	f := setupAPI(t)

	rec, result := f.do(t, "tok-admin", "record.create", map[string]interface{}{
		"title": "minutes",
		"body":  "q2 planning",
	}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dispatch.StatusOK, result.Status)
	data := result.Data.(map[string]interface{})
	assert.Equal(t, "minutes", data["title"])
	assert.Equal(t, float64(3), data["tenant_id"])
}

func TestOperationUnknownName(t *testing.T) {
	f := setupAPI(t)

	rec, result := f.do(t, "tok-admin", "record.explode", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errs.KindNotFound, result.Kind)
}

func TestOperationMissingToken(t *testing.T) {
	f := setupAPI(t)

	rec, result := f.do(t, "", "record.list", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, errs.KindUnauthenticated, result.Kind)
	assert.Equal(t, "missing session token", result.Message)
}

func TestOperationPermissionDenied(t *testing.T) {
	f := setupAPI(t)

	// invited members resolve the tenant but carry no permissions
	rec, result := f.do(t, "tok-invited", "record.create", map[string]interface{}{
		"title": "nope",
	}, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, errs.KindPermissionDenied, result.Kind)
	assert.Equal(t, "permission denied", result.Message)
}

func TestOperationFieldErrors(t *testing.T) {
	f := setupAPI(t)

	rec, result := f.do(t, "tok-admin", "record.create", map[string]interface{}{
		"body": "no title",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errs.KindInvalidInput, result.Kind)
	assert.Equal(t, "required", result.FieldErrors["title"])
}

func TestOperationNoTenant(t *testing.T) {
	f := setupAPI(t)

	rec, result := f.do(t, "tok-drifter", "record.list", nil, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errs.KindNoTenant, result.Kind)
}

func TestInvalidTenantHeader(t *testing.T) {
	f := setupAPI(t)

	rec, _ := f.do(t, "tok-admin", "record.list", nil, map[string]string{
		"X-Warden-Tenant": "not-a-number",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantHeaderSelectsTenant(t *testing.T) {
	f := setupAPI(t)

	// admin has no membership in tenant 8, so selecting it leaves the
	// context tenant-less and the gated route refuses
	rec, result := f.do(t, "tok-admin", "record.list", nil, map[string]string{
		"X-Warden-Tenant": "8",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errs.KindNoTenant, result.Kind)
}

func TestMembershipLifecycleOverHTTP(t *testing.T) {
	f := setupAPI(t)
	f.sessions.identities["tok-nine"] = &tenant.Identity{UserID: 9}

	rec, result := f.do(t, "tok-admin", "membership.invite", map[string]interface{}{
		"user_id": 9,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, dispatch.StatusOK, result.Status)

	// the invitee accepts without an established tenant
	rec, result = f.do(t, "tok-nine", "membership.accept", map[string]interface{}{
		"tenant_id": 3,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accepted := result.Data.(map[string]interface{})
	assert.Equal(t, "active", accepted["status"])

	rec, result = f.do(t, "tok-admin", "membership.list", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := result.Data.([]interface{})
	assert.Len(t, listed, 3)
}

func TestAcceptingSomeoneElsesInviteIsRefused(t *testing.T) {
	f := setupAPI(t)

	// user 1 tries to accept user 4's invite; the route is self-service so
	// the acting user is always the subject, and user 1 holds no invite
	rec, result := f.do(t, "tok-admin", "membership.accept", map[string]interface{}{
		"tenant_id": 3,
	}, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errs.KindInvalidTransition, result.Kind)
}

func TestRoleGrantInvalidatesResolver(t *testing.T) {
	ctx := context.Background()
	f := setupAPI(t)

	// user 4 becomes active but starts with no grants
	_, err := f.members.Accept(ctx, 4, 4, 3)
	require.NoError(t, err)

	rec, result := f.do(t, "tok-invited", "record.list", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, errs.KindPermissionDenied, result.Kind)

	viewer, err := f.roles.GetRoleByName(ctx, roles.RoleViewer, nil)
	require.NoError(t, err)

	rec, result = f.do(t, "tok-admin", "role.grant", map[string]interface{}{
		"user_id": 4,
		"role_id": viewer.ID,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, dispatch.StatusOK, result.Status)

	// the grant takes effect immediately, not after the cache TTL
	rec, result = f.do(t, "tok-invited", "record.list", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dispatch.StatusOK, result.Status)
}

func TestRecordUpdateAndDelete(t *testing.T) {
	f := setupAPI(t)

	_, created := f.do(t, "tok-admin", "record.create", map[string]interface{}{
		"title": "draft",
		"body":  "v1",
	}, nil)
	id := created.Data.(map[string]interface{})["id"].(float64)

	rec, result := f.do(t, "tok-admin", "record.update", map[string]interface{}{
		"id":    id,
		"title": "final",
		"body":  "v2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "final", result.Data.(map[string]interface{})["title"])

	rec, _ = f.do(t, "tok-admin", "record.delete", map[string]interface{}{"id": id}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, result = f.do(t, "tok-admin", "record.get", map[string]interface{}{"id": id}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errs.KindNotFound, result.Kind)
}

func TestWhoAmI(t *testing.T) {
	f := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer tok-admin")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["user_id"])
	assert.Equal(t, float64(3), body["current_tenant_id"])
}

func TestSwitchTenant(t *testing.T) {
	f := setupAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/session/tenant",
		bytes.NewReader([]byte(`{"tenant_id": 8}`)))
	req.Header.Set("Authorization", "Bearer tok-admin")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, f.sessions.switched, "tok-admin")
	assert.Equal(t, int64(8), *f.sessions.switched["tok-admin"])
}

func TestLogout(t *testing.T) {
	f := setupAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/session/logout", nil)
	req.Header.Set("Authorization", "Bearer tok-admin")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tok-admin"}, f.sessions.revoked)
}

func TestSessionEndpointsRejectUnknownToken(t *testing.T) {
	f := setupAPI(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/session"},
		{http.MethodPost, "/v1/session/tenant"},
		{http.MethodPost, "/v1/session/logout"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Authorization", "Bearer tok-bogus")
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRegistryCoversOperations(t *testing.T) {
	registry := BuildRegistry(Deps{})

	for _, name := range []string{
		"membership.invite", "membership.accept", "membership.suspend",
		"membership.unsuspend", "membership.remove", "membership.list",
		"role.grant", "role.revoke", "role.list",
		"record.create", "record.get", "record.list", "record.update", "record.delete",
	} {
		_, ok := registry.Lookup(name)
		assert.True(t, ok, "missing route %s", name)
	}

	err := registry.Register(&dispatch.Route{
		Name:       "late.route",
		Kind:       dispatch.KindQuery,
		Permission: "x",
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			return nil, nil
		},
	})
	assert.Error(t, err)
}
