package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/tenant"
)

type fakeSessions struct {
	identities map[string]*tenant.Identity
}

func (f *fakeSessions) Resolve(ctx context.Context, token string) (*tenant.Identity, error) {
	ident, ok := f.identities[token]
	if !ok {
		return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}
	return ident, nil
}

type fakeMemberships struct {
	statuses map[string]string
}

func (f *fakeMemberships) MemberStatus(ctx context.Context, userID, tenantID int64) (string, error) {
	status, ok := f.statuses[fmt.Sprintf("%d:%d", userID, tenantID)]
	if !ok {
		return "", errs.New(errs.KindNotFound, "membership not found")
	}
	return status, nil
}

type fakePermissions struct {
	perms map[string][]string
}

func (f *fakePermissions) ResolvePermissions(ctx context.Context, userID, tenantID int64) ([]string, error) {
	return f.perms[fmt.Sprintf("%d:%d", userID, tenantID)], nil
}

type captureAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *captureAuditor) Log(ctx context.Context, event *audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureAuditor) byType(eventType audit.EventType) []*audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*audit.Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type inviteInput struct {
	Email string `json:"email"`
}

func (i *inviteInput) Validate() map[string]string {
	if i.Email == "" {
		return map[string]string{"email": "required"}
	}
	return nil
}

func tenantPtr(v int64) *int64 { return &v }

// newTestEstablisher wires three users: an active admin in tenant 3, an
// invited user in tenant 3, and a user with no memberships at all.
func newTestEstablisher() *tenant.Establisher {
	return &tenant.Establisher{
		Sessions: &fakeSessions{identities: map[string]*tenant.Identity{
			"tok-admin":   {UserID: 1, CurrentTenantID: tenantPtr(3)},
			"tok-invited": {UserID: 2, CurrentTenantID: tenantPtr(3)},
			"tok-drifter": {UserID: 5},
		}},
		Memberships: &fakeMemberships{statuses: map[string]string{
			"1:3": "active",
			"2:3": "invited",
		}},
		Permissions: &fakePermissions{perms: map[string][]string{
			"1:3": {"member:invite", "record:read"},
		}},
	}
}

func newTestDispatcher(registry *Registry, auditor audit.Logger, metrics *Metrics) *Dispatcher {
	return NewDispatcher(registry, newTestEstablisher(), auditor, nil, metrics)
}

func TestDispatchHappyPath(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:           "member.invite",
		Kind:           KindMutation,
		Permission:     "member:invite",
		TenantRequired: true,
		NewInput:       func() Input { return &inviteInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			in := input.(*inviteInput)
			tid, ok := tc.TenantID()
			require.True(t, ok)

			// the context is installed on ctx for downstream layers
			fromCtx, ok := tenant.FromContext(ctx)
			require.True(t, ok)
			assert.Same(t, tc, fromCtx)

			return map[string]interface{}{"email": in.Email, "tenant_id": tid}, nil
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "member.invite", []byte(`{"email":"new@example.com"}`), Session{Token: "tok-admin"})

	assert.Equal(t, StatusOK, result.Status)
	assert.Empty(t, result.Kind)
	data := result.Data.(map[string]interface{})
	assert.Equal(t, "new@example.com", data["email"])
	assert.Equal(t, int64(3), data["tenant_id"])
}

func TestDispatchUnknownOperation(t *testing.T) {
	registry := NewRegistry()
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "no.such.op", nil, Session{Token: "tok-admin"})

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, errs.KindNotFound, result.Kind)
	assert.Equal(t, `unknown operation "no.such.op"`, result.Message)
}

func TestDispatchMissingToken(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{Name: "record.list", Kind: KindQuery, Permission: "record:read", Handler: noopHandler})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "record.list", nil, Session{})

	assert.Equal(t, errs.KindUnauthenticated, result.Kind)
}

func TestDispatchTenantRequired(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:           "record.list",
		Kind:           KindQuery,
		Permission:     "record:read",
		TenantRequired: true,
		Handler:        noopHandler,
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "record.list", nil, Session{Token: "tok-drifter"})

	assert.Equal(t, errs.KindNoTenant, result.Kind)
	assert.Equal(t, "operation requires a tenant context", result.Message)
}

// An unauthorized caller sending garbage input must be denied before the
// input is ever inspected; otherwise denial responses leak the input schema.
func TestPermissionGatePrecedesValidation(t *testing.T) {
	registry := NewRegistry()
	handlerRan := false
	registry.MustRegister(&Route{
		Name:           "member.invite",
		Kind:           KindMutation,
		Permission:     "member:invite",
		TenantRequired: true,
		NewInput:       func() Input { return &inviteInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			handlerRan = true
			return nil, nil
		},
	})
	registry.Seal()

	auditor := &captureAuditor{}
	d := newTestDispatcher(registry, auditor, nil)

	// invited member holds no permissions; input is malformed on top
	result := d.Dispatch(context.Background(), "member.invite", []byte(`{not json`), Session{Token: "tok-invited"})

	assert.Equal(t, errs.KindPermissionDenied, result.Kind)
	assert.Equal(t, "permission denied", result.Message)
	assert.Nil(t, result.FieldErrors)
	assert.False(t, handlerRan)

	denials := auditor.byType(audit.EventTypeAuthzDenied)
	require.Len(t, denials, 1)
	assert.Equal(t, "member.invite", denials[0].Operation)
	assert.Equal(t, int64(2), *denials[0].UserID)
	assert.Equal(t, int64(3), *denials[0].TenantID)
}

func TestDispatchMalformedInput(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:           "member.invite",
		Kind:           KindMutation,
		Permission:     "member:invite",
		TenantRequired: true,
		NewInput:       func() Input { return &inviteInput{} },
		Handler:        noopHandler,
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "member.invite", []byte(`{not json`), Session{Token: "tok-admin"})

	assert.Equal(t, errs.KindInvalidInput, result.Kind)
	assert.Equal(t, "malformed input", result.Message)
}

func TestDispatchFieldErrors(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:           "member.invite",
		Kind:           KindMutation,
		Permission:     "member:invite",
		TenantRequired: true,
		NewInput:       func() Input { return &inviteInput{} },
		Handler:        noopHandler,
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "member.invite", []byte(`{}`), Session{Token: "tok-admin"})

	assert.Equal(t, errs.KindInvalidInput, result.Kind)
	assert.Equal(t, map[string]string{"email": "required"}, result.FieldErrors)
}

// Self-service routes run without a permission gate so a freshly invited
// member, who holds no permissions yet, can still act on their own
// membership. The handler owns the actor-is-subject check.
func TestSelfServiceSkipsGate(t *testing.T) {
	registry := NewRegistry()
	var sawUserID int64
	registry.MustRegister(&Route{
		Name:        "membership.accept",
		Kind:        KindMutation,
		SelfService: true,
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			sawUserID = tc.UserID()
			return nil, nil
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "membership.accept", nil, Session{Token: "tok-invited"})

	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, int64(2), sawUserID)
}

func TestCrossTenantElevationIsAudited(t *testing.T) {
	registry := NewRegistry()
	var elevated bool
	registry.MustRegister(&Route{
		Name:        "admin.records.list",
		Kind:        KindQuery,
		Permission:  "record:read",
		CrossTenant: true,
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			elevated = tc.Elevated()
			return nil, nil
		},
	})
	registry.Seal()

	auditor := &captureAuditor{}
	d := newTestDispatcher(registry, auditor, nil)
	result := d.Dispatch(context.Background(), "admin.records.list", nil, Session{Token: "tok-admin"})

	assert.Equal(t, StatusOK, result.Status)
	assert.True(t, elevated)

	elevations := auditor.byType(audit.EventTypeAuthzElevation)
	require.Len(t, elevations, 1)
	assert.Equal(t, "admin.records.list", elevations[0].Operation)
	assert.Equal(t, int64(1), *elevations[0].UserID)
}

func TestHandlerTaxonomyErrorPassesThrough(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:       "record.get",
		Kind:       KindQuery,
		Permission: "record:read",
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			return nil, errs.New(errs.KindNotFound, "record not found")
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "record.get", nil, Session{Token: "tok-admin"})

	assert.Equal(t, errs.KindNotFound, result.Kind)
	assert.Equal(t, "record not found", result.Message)
}

// Unclassified handler errors must not leak their cause to the caller
func TestHandlerInternalErrorIsOpaque(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:       "record.get",
		Kind:       KindQuery,
		Permission: "record:read",
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			return nil, fmt.Errorf("pq: connection refused on host db-internal-3")
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "record.get", nil, Session{Token: "tok-admin"})

	assert.Equal(t, errs.KindInternal, result.Kind)
	assert.Equal(t, "internal error", result.Message)
	assert.NotContains(t, result.Message, "db-internal-3")
}

func TestHandlerPanicBecomesInternal(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:       "record.get",
		Kind:       KindQuery,
		Permission: "record:read",
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			panic("boom")
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "record.get", nil, Session{Token: "tok-admin"})

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, errs.KindInternal, result.Kind)
	assert.Equal(t, "internal error", result.Message)
}

func TestCanceledBeforeExecutionAborts(t *testing.T) {
	registry := NewRegistry()
	handlerRan := false
	registry.MustRegister(&Route{
		Name:       "record.create",
		Kind:       KindMutation,
		Permission: "record:read",
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			handlerRan = true
			return nil, nil
		},
	})
	registry.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(ctx, "record.create", nil, Session{Token: "tok-admin"})

	assert.Equal(t, errs.KindInternal, result.Kind)
	assert.False(t, handlerRan)
}

// A mutation whose caller disconnects mid-write completes the write but the
// result is discarded rather than reported as success.
func TestCanceledDuringMutationDiscardsResult(t *testing.T) {
	registry := NewRegistry()
	wroteRow := false
	ctx, cancel := context.WithCancel(context.Background())
	registry.MustRegister(&Route{
		Name:       "record.create",
		Kind:       KindMutation,
		Permission: "record:read",
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			wroteRow = true
			cancel()
			return map[string]interface{}{"id": 1}, nil
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(ctx, "record.create", nil, Session{Token: "tok-admin"})

	assert.True(t, wroteRow)
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, errs.KindInternal, result.Kind)
	assert.Equal(t, "operation canceled", result.Message)
	assert.Nil(t, result.Data)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&Route{
		Name:           "member.invite",
		Kind:           KindMutation,
		Permission:     "member:invite",
		TenantRequired: true,
		Handler:        noopHandler,
	})
	registry.Seal()

	metrics := NewMetrics(prometheus.NewRegistry())
	d := newTestDispatcher(registry, nil, metrics)

	d.Dispatch(context.Background(), "member.invite", nil, Session{Token: "tok-admin"})
	d.Dispatch(context.Background(), "member.invite", nil, Session{Token: "tok-invited"})

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.DispatchesTotal.WithLabelValues("member.invite", StatusOK, "")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.DispatchesTotal.WithLabelValues("member.invite", StatusError, "permission_denied")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.DenialsTotal.WithLabelValues("member.invite")))
}

func TestDispatchExplicitTenantSelection(t *testing.T) {
	registry := NewRegistry()
	var sawTenant int64
	registry.MustRegister(&Route{
		Name:           "record.list",
		Kind:           KindQuery,
		Permission:     "record:read",
		TenantRequired: true,
		Handler: func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error) {
			sawTenant, _ = tc.TenantID()
			return nil, nil
		},
	})
	registry.Seal()

	d := newTestDispatcher(registry, nil, nil)
	result := d.Dispatch(context.Background(), "record.list", nil, Session{Token: "tok-admin", TenantID: tenantPtr(3)})

	require.Equal(t, StatusOK, result.Status)
	assert.Equal(t, int64(3), sawTenant)

	// an explicitly requested tenant the user is not a member of does not
	// resolve, so the route's tenant requirement rejects the dispatch
	result = d.Dispatch(context.Background(), "record.list", nil, Session{Token: "tok-admin", TenantID: tenantPtr(99)})
	assert.Equal(t, errs.KindNoTenant, result.Kind)
}
