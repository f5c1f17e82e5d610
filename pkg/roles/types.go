// Package roles stores tenant-scoped roles and grants, and resolves a
// member's effective permission set.
package roles

import (
	"time"
)

// Permission slugs are "<resource>:<action>". Handlers gate on slugs; the
// role layer only stores and unions them.
const (
	PermMemberRead       = "member:read"
	PermMemberInvite     = "member:invite"
	PermMemberRemove     = "member:remove"
	PermMemberSuspend    = "member:suspend"
	PermMemberUpdateRole = "member:update_role"
	PermRecordRead       = "record:read"
	PermRecordCreate     = "record:create"
	PermRecordUpdate     = "record:update"
	PermRecordDelete     = "record:delete"
	PermRoleGrant        = "role:grant"
	PermTenantUpdate     = "tenant:update"
)

// Role is a named permission set. Built-in roles have a nil TenantID and
// are visible to every tenant; custom roles belong to one tenant.
type Role struct {
	ID          int64     `json:"id"`
	TenantID    *int64    `json:"tenant_id,omitempty"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	IsBuiltIn   bool      `json:"is_built_in"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   *int64    `json:"created_by,omitempty"`
}

// Built-in role names
const (
	RoleAdmin  = "tenant:admin"
	RoleMember = "tenant:member"
	RoleViewer = "tenant:viewer"
)

// Grant assigns a role to a user within one tenant. Grants are deactivated
// rather than deleted when a member is removed, so a later reinvite starts
// with no live grants but history survives.
type Grant struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	TenantID  int64      `json:"tenant_id"`
	RoleID    int64      `json:"role_id"`
	GrantedBy int64      `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	Active    bool       `json:"active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// BuiltInRoles returns the roles seeded for every tenant
func BuiltInRoles() []Role {
	return []Role{
		{
			Name:        RoleAdmin,
			DisplayName: "Administrator",
			Description: "Full control over the tenant, its members, and its records",
			Permissions: []string{
				PermMemberRead, PermMemberInvite, PermMemberRemove, PermMemberSuspend, PermMemberUpdateRole,
				PermRecordRead, PermRecordCreate, PermRecordUpdate, PermRecordDelete,
				PermRoleGrant, PermTenantUpdate,
			},
			IsBuiltIn: true,
		},
		{
			Name:        RoleMember,
			DisplayName: "Member",
			Description: "Read and write records, invite new members",
			Permissions: []string{
				PermMemberRead, PermMemberInvite,
				PermRecordRead, PermRecordCreate, PermRecordUpdate,
			},
			IsBuiltIn: true,
		},
		{
			Name:        RoleViewer,
			DisplayName: "Viewer",
			Description: "Read-only access to records",
			Permissions: []string{
				PermRecordRead,
			},
			IsBuiltIn: true,
		},
	}
}
