package tenant

import (
	"context"

	"github.com/platinummonkey/warden/pkg/errs"
)

// Identity is the result of resolving a session token. Resolution is owned
// by an external authentication provider; warden trusts it.
type Identity struct {
	UserID          int64
	CurrentTenantID *int64
}

// SessionResolver resolves an opaque session token to an identity
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// MembershipSource reports the lifecycle status of a (user, tenant) pair.
// It returns a not-found error when no membership row exists.
type MembershipSource interface {
	MemberStatus(ctx context.Context, userID, tenantID int64) (string, error)
}

// PermissionSource resolves the permission set granted to a user within a
// tenant. Warden caches and gates on this result but does not own the
// role-grant storage model.
type PermissionSource interface {
	ResolvePermissions(ctx context.Context, userID, tenantID int64) ([]string, error)
}

// Membership statuses the establisher cares about. The full lifecycle is
// owned by pkg/membership; these mirror its wire values.
const (
	statusActive  = "active"
	statusInvited = "invited"
	statusSuspend = "suspended"
)

// Establisher builds the tenant context for one inbound operation
type Establisher struct {
	Sessions    SessionResolver
	Memberships MembershipSource
	Permissions PermissionSource
}

// Establish derives the operation's tenant context from a session token and
// an optional explicitly requested tenant. The tenant id falls back to the
// identity's last-selected tenant.
//
// A tenant resolves only when the user holds a live membership in it:
// active members get their full permission set, invited and suspended
// members get an empty set (so gated routes deny while self-service routes
// such as accept-invite still run). Removed or absent memberships leave the
// context tenant-less; the dispatcher raises NoTenant if the route needs one.
func (e *Establisher) Establish(ctx context.Context, token string, requestedTenant *int64) (*Context, error) {
	if token == "" {
		return nil, errs.New(errs.KindUnauthenticated, "missing session token")
	}

	ident, err := e.Sessions.Resolve(ctx, token)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindUnauthenticated, errs.KindNotFound:
			return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
		default:
			return nil, errs.Wrap(errs.KindInternal, "failed to resolve session", err)
		}
	}

	tenantID := requestedTenant
	if tenantID == nil {
		tenantID = ident.CurrentTenantID
	}
	if tenantID == nil {
		return NewContext(ident.UserID, nil, nil), nil
	}

	status, err := e.Memberships.MemberStatus(ctx, ident.UserID, *tenantID)
	if err != nil {
		if errs.IsNotFound(err) {
			return NewContext(ident.UserID, nil, nil), nil
		}
		return nil, errs.Wrap(errs.KindInternal, "failed to resolve membership", err)
	}

	switch status {
	case statusActive:
		perms, err := e.Permissions.ResolvePermissions(ctx, ident.UserID, *tenantID)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to resolve permissions", err)
		}
		return NewContext(ident.UserID, tenantID, perms), nil
	case statusInvited, statusSuspend:
		return NewContext(ident.UserID, tenantID, nil), nil
	default:
		// removed or unknown: the tenant does not resolve for this user
		return NewContext(ident.UserID, nil, nil), nil
	}
}
