package api

import (
	"context"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/dispatch"
	"github.com/platinummonkey/warden/pkg/membership"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permcache"
	"github.com/platinummonkey/warden/pkg/records"
	"github.com/platinummonkey/warden/pkg/repository"
	"github.com/platinummonkey/warden/pkg/roles"
	"github.com/platinummonkey/warden/pkg/tenant"
)

// Invalidator pushes permission changes to client caches. Best effort: a
// failed push only delays convergence until the cache TTL.
type Invalidator interface {
	PublishUpdate(ctx context.Context, userID, tenantID int64, snapshot *permcache.Snapshot) error
	PublishClear(ctx context.Context, userID, tenantID int64) error
}

// Deps carries the services the route table dispatches into
type Deps struct {
	Memberships *membership.Service
	Roles       *roles.Store
	Resolver    *roles.Resolver
	Records     *repository.Repository[records.Record]
	Invalidator Invalidator
	Auditor     audit.Logger
	Logger      *observability.Logger

	// Clock stamps record timestamps; defaults to time.Now
	Clock func() time.Time
}

// BuildRegistry assembles and seals the operation table
func BuildRegistry(deps Deps) *dispatch.Registry {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if deps.Auditor == nil {
		deps.Auditor = audit.NopLogger{}
	}

	registry := dispatch.NewRegistry()

	registerMembershipRoutes(registry, deps)
	registerRoleRoutes(registry, deps)
	registerRecordRoutes(registry, deps)

	registry.Seal()
	return registry
}

type memberInput struct {
	UserID int64  `json:"user_id"`
	RoleID *int64 `json:"role_id,omitempty"`
}

func (i *memberInput) Validate() map[string]string {
	if i.UserID <= 0 {
		return map[string]string{"user_id": "required"}
	}
	return nil
}

type acceptInput struct {
	TenantID int64 `json:"tenant_id"`
}

func (i *acceptInput) Validate() map[string]string {
	if i.TenantID <= 0 {
		return map[string]string{"tenant_id": "required"}
	}
	return nil
}

func registerMembershipRoutes(registry *dispatch.Registry, deps Deps) {
	registry.MustRegister(&dispatch.Route{
		Name:           "membership.invite",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermMemberInvite,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &memberInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*memberInput)
			tid, _ := tc.TenantID()
			return deps.Memberships.Invite(ctx, in.UserID, tid, tc.UserID(), in.RoleID)
		},
	})

	// Accepting is the one operation a user performs on a tenant they are
	// not yet active in, so the tenant comes from the input rather than the
	// established context. The service verifies the actor is the invitee.
	registry.MustRegister(&dispatch.Route{
		Name:        "membership.accept",
		Kind:        dispatch.KindMutation,
		SelfService: true,
		NewInput:    func() dispatch.Input { return &acceptInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*acceptInput)
			return deps.Memberships.Accept(ctx, tc.UserID(), tc.UserID(), in.TenantID)
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "membership.suspend",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermMemberSuspend,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &memberInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*memberInput)
			tid, _ := tc.TenantID()
			return deps.Memberships.Suspend(ctx, in.UserID, tid)
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "membership.unsuspend",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermMemberSuspend,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &memberInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*memberInput)
			tid, _ := tc.TenantID()
			return deps.Memberships.Unsuspend(ctx, in.UserID, tid)
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "membership.remove",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermMemberRemove,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &memberInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*memberInput)
			tid, _ := tc.TenantID()
			return deps.Memberships.Remove(ctx, in.UserID, tid, tc.UserID())
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "membership.list",
		Kind:           dispatch.KindQuery,
		Permission:     roles.PermMemberRead,
		TenantRequired: true,
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			tid, _ := tc.TenantID()
			return deps.Memberships.ListByTenant(ctx, tid)
		},
	})
}

type grantInput struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

func (i *grantInput) Validate() map[string]string {
	fields := make(map[string]string)
	if i.UserID <= 0 {
		fields["user_id"] = "required"
	}
	if i.RoleID <= 0 {
		fields["role_id"] = "required"
	}
	if len(fields) > 0 {
		return fields
	}
	return nil
}

func registerRoleRoutes(registry *dispatch.Registry, deps Deps) {
	registry.MustRegister(&dispatch.Route{
		Name:           "role.grant",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermRoleGrant,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &grantInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*grantInput)
			tid, _ := tc.TenantID()
			grant, err := deps.Roles.GrantRole(ctx, in.UserID, tid, in.RoleID, tc.UserID())
			if err != nil {
				return nil, err
			}
			deps.invalidatePermissions(ctx, in.UserID, tid)
			deps.auditEvent(ctx, audit.EventTypeAuthzGrant, tc, &in.UserID,
				map[string]interface{}{"role_id": in.RoleID})
			return grant, nil
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "role.revoke",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermRoleGrant,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &grantInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*grantInput)
			tid, _ := tc.TenantID()
			if err := deps.Roles.RevokeRole(ctx, in.UserID, tid, in.RoleID); err != nil {
				return nil, err
			}
			deps.invalidatePermissions(ctx, in.UserID, tid)
			deps.auditEvent(ctx, audit.EventTypeAuthzRevoke, tc, &in.UserID,
				map[string]interface{}{"role_id": in.RoleID})
			return map[string]interface{}{"revoked": true}, nil
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "role.list",
		Kind:           dispatch.KindQuery,
		Permission:     roles.PermMemberRead,
		TenantRequired: true,
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			tid, _ := tc.TenantID()
			return deps.Roles.ListRoles(ctx, tid)
		},
	})
}

// auditEvent records a successful mutation. Audit writes are best effort
// for these events; denials and elevations are recorded by the dispatcher.
func (d Deps) auditEvent(ctx context.Context, eventType audit.EventType, tc *tenant.Context, targetUserID *int64, metadata map[string]interface{}) {
	actorID := tc.UserID()
	event := &audit.Event{
		EventType:    eventType,
		Status:       audit.EventStatusSuccess,
		UserID:       &actorID,
		TargetUserID: targetUserID,
		RequestID:    contextkeys.GetRequestID(ctx),
		Metadata:     metadata,
	}
	if tid, ok := tc.TenantID(); ok {
		event.TenantID = &tid
	}
	if err := d.Auditor.Log(ctx, event); err != nil {
		d.Logger.WithError(err).Warn("failed to write audit event")
	}
}

// invalidatePermissions drops the server-side resolver memo and pushes the
// fresh set to the user's client caches.
func (d Deps) invalidatePermissions(ctx context.Context, userID, tenantID int64) {
	if d.Resolver != nil {
		d.Resolver.Invalidate(userID, tenantID)
	}
	if d.Invalidator == nil {
		return
	}

	perms, err := d.Roles.ResolvePermissions(ctx, userID, tenantID)
	if err != nil {
		d.Logger.WithError(err).Warn("failed to resolve permissions for push")
		if err := d.Invalidator.PublishClear(ctx, userID, tenantID); err != nil {
			d.Logger.WithError(err).Warn("failed to publish cache clear")
		}
		return
	}
	if err := d.Invalidator.PublishUpdate(ctx, userID, tenantID, &permcache.Snapshot{Permissions: perms}); err != nil {
		d.Logger.WithError(err).Warn("failed to publish cache update")
	}
}

type recordCreateInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (i *recordCreateInput) Validate() map[string]string {
	if i.Title == "" {
		return map[string]string{"title": "required"}
	}
	return nil
}

type recordIDInput struct {
	ID int64 `json:"id"`
}

func (i *recordIDInput) Validate() map[string]string {
	if i.ID <= 0 {
		return map[string]string{"id": "required"}
	}
	return nil
}

type recordUpdateInput struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (i *recordUpdateInput) Validate() map[string]string {
	fields := make(map[string]string)
	if i.ID <= 0 {
		fields["id"] = "required"
	}
	if i.Title == "" {
		fields["title"] = "required"
	}
	if len(fields) > 0 {
		return fields
	}
	return nil
}

func registerRecordRoutes(registry *dispatch.Registry, deps Deps) {
	registry.MustRegister(&dispatch.Route{
		Name:           "record.create",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermRecordCreate,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &recordCreateInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*recordCreateInput)
			now := deps.Clock().UTC()
			rec := &records.Record{Title: in.Title, Body: in.Body, CreatedAt: now, UpdatedAt: now}
			if err := deps.Records.Create(ctx, rec); err != nil {
				return nil, err
			}
			deps.auditEvent(ctx, audit.EventTypeRecordCreate, tc, nil,
				map[string]interface{}{"record_id": rec.ID})
			return rec, nil
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "record.get",
		Kind:           dispatch.KindQuery,
		Permission:     roles.PermRecordRead,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &recordIDInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*recordIDInput)
			return deps.Records.FindByID(ctx, in.ID)
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "record.list",
		Kind:           dispatch.KindQuery,
		Permission:     roles.PermRecordRead,
		TenantRequired: true,
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			return deps.Records.FindMany(ctx, "1=1")
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "record.update",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermRecordUpdate,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &recordUpdateInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*recordUpdateInput)
			rec, err := deps.Records.FindByID(ctx, in.ID)
			if err != nil {
				return nil, err
			}
			rec.Title = in.Title
			rec.Body = in.Body
			rec.UpdatedAt = deps.Clock().UTC()
			if err := deps.Records.Update(ctx, in.ID, rec); err != nil {
				return nil, err
			}
			deps.auditEvent(ctx, audit.EventTypeRecordUpdate, tc, nil,
				map[string]interface{}{"record_id": in.ID})
			return rec, nil
		},
	})

	registry.MustRegister(&dispatch.Route{
		Name:           "record.delete",
		Kind:           dispatch.KindMutation,
		Permission:     roles.PermRecordDelete,
		TenantRequired: true,
		NewInput:       func() dispatch.Input { return &recordIDInput{} },
		Handler: func(ctx context.Context, tc *tenant.Context, input dispatch.Input) (interface{}, error) {
			in := input.(*recordIDInput)
			if err := deps.Records.Delete(ctx, in.ID); err != nil {
				return nil, err
			}
			deps.auditEvent(ctx, audit.EventTypeRecordDelete, tc, nil,
				map[string]interface{}{"record_id": in.ID})
			return map[string]interface{}{"deleted": true}, nil
		},
	})
}
