// Package tenant provides the per-operation tenant context: who is acting,
// in which tenant, and with which permissions.
//
// A Context is constructed once per inbound operation by the dispatcher and
// carried on the operation's context.Context. It is immutable: handlers and
// repositories read it, they cannot widen it. The only escalation is
// Elevate, an explicit capability reserved for cross-tenant routes.
package tenant

import (
	"context"

	"github.com/platinummonkey/warden/pkg/errs"
)

// ctxKey is the type for context keys to prevent collisions
type ctxKey string

// contextKey carries the *Context for one operation.
// Set by: dispatch.Dispatcher before handler execution.
// Read by: repositories, membership service, handlers.
const contextKey ctxKey = "tenant_context"

// Context is the immutable identity of one operation
type Context struct {
	userID      int64
	tenantID    *int64
	permissions map[string]struct{}
	elevated    bool
}

// NewContext builds a tenant context. The permission slice is copied; the
// returned value cannot be mutated afterwards.
func NewContext(userID int64, tenantID *int64, permissions []string) *Context {
	perms := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		perms[p] = struct{}{}
	}
	var tid *int64
	if tenantID != nil {
		v := *tenantID
		tid = &v
	}
	return &Context{
		userID:      userID,
		tenantID:    tid,
		permissions: perms,
	}
}

// UserID returns the acting user's id
func (c *Context) UserID() int64 {
	return c.userID
}

// TenantID returns the active tenant id and whether one is set
func (c *Context) TenantID() (int64, bool) {
	if c.tenantID == nil {
		return 0, false
	}
	return *c.tenantID, true
}

// Has reports whether the context holds a permission slug
func (c *Context) Has(slug string) bool {
	_, ok := c.permissions[slug]
	return ok
}

// Permissions returns a copy of the resolved permission set
func (c *Context) Permissions() []string {
	out := make([]string, 0, len(c.permissions))
	for p := range c.permissions {
		out = append(out, p)
	}
	return out
}

// Elevated reports whether this context bypasses tenant filtering
func (c *Context) Elevated() bool {
	return c.elevated
}

// Elevate returns a privileged copy that bypasses tenant scoping. Callers
// must audit the escalation; only cross-tenant routes may use it.
func (c *Context) Elevate() *Context {
	return &Context{
		userID:      c.userID,
		tenantID:    c.tenantID,
		permissions: c.permissions,
		elevated:    true,
	}
}

// Into attaches the tenant context to ctx for the duration of one operation
func Into(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey, tc)
}

// FromContext retrieves the operation's tenant context
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(contextKey).(*Context)
	return tc, ok
}

// Require retrieves the tenant context and its active tenant id, failing
// with the taxonomy kinds a repository call expects.
func Require(ctx context.Context) (*Context, int64, error) {
	tc, ok := FromContext(ctx)
	if !ok {
		return nil, 0, errs.New(errs.KindUnauthenticated, "no tenant context established")
	}
	tid, ok := tc.TenantID()
	if !ok {
		return nil, 0, errs.New(errs.KindNoTenant, "operation requires a tenant")
	}
	return tc, tid, nil
}
