// Package tenancy carries the identity every engine call executes under and
// decides which rows that identity may see or change.
//
// Rows with an empty tenant id are public memory: they are readable by every
// context. That is the only exception to isolation and each call site that
// relies on it says so.
package tenancy

import (
	"errors"
	"fmt"
)

// Role is the authority level of a caller.
type Role string

const (
	RolePlatformAdmin Role = "platform_admin"
	RoleTenantAdmin   Role = "tenant_admin"
	RoleOrgAdmin      Role = "org_admin"
	RoleEndUser       Role = "end_user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePlatformAdmin, RoleTenantAdmin, RoleOrgAdmin, RoleEndUser:
		return true
	}
	return false
}

// IsAdmin reports whether r overrides org-level isolation.
func (r Role) IsAdmin() bool {
	return r == RolePlatformAdmin || r == RoleTenantAdmin
}

// ErrInvalidContext is returned by Validate.
var ErrInvalidContext = errors.New("invalid tenancy context")

// Context is the (tenant, org, user, correlation, role) identity of a call.
type Context struct {
	TenantID      string `json:"tenant_id"`
	OrgID         string `json:"org_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
	Role          Role   `json:"role"`
}

// Validate checks that the context can be used for an operation.
func (c Context) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidContext, c.Role)
	}
	if c.Role != RolePlatformAdmin && c.TenantID == "" {
		return fmt.Errorf("%w: role %s requires a tenant id", ErrInvalidContext, c.Role)
	}
	return nil
}

// Owner is the identity stamped on a stored row.
type Owner struct {
	TenantID      string `json:"tenant_id"`
	OrgID         string `json:"org_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
}

// Public reports whether the row is globally shared memory.
func (o Owner) Public() bool {
	return o.TenantID == ""
}

// Owner returns the identity new rows written under c carry.
// A platform admin without a tenant writes public memory.
func (c Context) Owner() Owner {
	return Owner{
		TenantID:      c.TenantID,
		OrgID:         c.OrgID,
		UserID:        c.UserID,
		CorrelationID: c.CorrelationID,
	}
}

// CanRead reports whether c may see a row owned by o.
func (c Context) CanRead(o Owner) bool {
	// Public memory is visible to every context.
	if o.Public() {
		return true
	}
	switch c.Role {
	case RolePlatformAdmin:
		return true
	case RoleTenantAdmin:
		return o.TenantID == c.TenantID
	case RoleOrgAdmin, RoleEndUser:
		return o.TenantID == c.TenantID && (o.OrgID == "" || o.OrgID == c.OrgID)
	}
	return false
}

// CanWrite reports whether c may modify or delete a row owned by o.
// Public rows are writable by platform admins only.
func (c Context) CanWrite(o Owner) bool {
	if c.Role == RolePlatformAdmin {
		return true
	}
	if o.Public() {
		return false
	}
	return c.CanRead(o)
}

// Scope returns the storage predicate matching exactly the rows c can read.
func (c Context) Scope() Scope {
	switch c.Role {
	case RolePlatformAdmin:
		return Scope{AllTenants: true}
	case RoleTenantAdmin:
		return Scope{TenantID: c.TenantID, AllOrgs: true}
	default:
		return Scope{TenantID: c.TenantID, OrgID: c.OrgID}
	}
}

// Scope is a row filter that storage backends translate into their own query
// language. The zero value matches public rows and rows of the empty org of
// the empty tenant, which is the same thing.
type Scope struct {
	AllTenants    bool
	TenantID      string
	AllOrgs       bool
	OrgID         string
	ExcludePublic bool
}

// TenantScope matches every row of a single tenant and nothing else.
// Maintenance jobs use it to process one tenant per batch.
func TenantScope(tenantID string) Scope {
	return Scope{TenantID: tenantID, AllOrgs: true, ExcludePublic: true}
}

// Allows evaluates the scope against a row owner in memory.
func (s Scope) Allows(o Owner) bool {
	if s.AllTenants {
		return true
	}
	if o.Public() && !s.ExcludePublic {
		return true
	}
	if o.TenantID != s.TenantID {
		return false
	}
	return s.AllOrgs || o.OrgID == "" || o.OrgID == s.OrgID
}

// System returns the context maintenance jobs run under for one tenant.
func System(tenantID string) Context {
	if tenantID == "" {
		return Context{Role: RolePlatformAdmin, UserID: "system"}
	}
	return Context{TenantID: tenantID, Role: RoleTenantAdmin, UserID: "system"}
}
