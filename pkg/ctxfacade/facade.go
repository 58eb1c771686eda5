// Package ctxfacade carries the caller's tenant identity, role, and
// idempotency key through every component call. It is constructed once at
// the HTTP edge from the external authorizer's claims — never from a
// request body — and passed by value, right after the context.Context, to
// the authorization-checked Store and component methods, the way oauth2-proxy-derived identity is threaded
// through tarsy's handlers (pkg/api/auth.go's extractAuthor, generalized
// from a single author string into a full tenant/role/idempotency tuple).
package ctxfacade

import "github.com/evalcore/orchestrator/pkg/apperrors"

// Capability is a string-typed permission check. Capabilities are
// enumerated centrally below; components never invent ad-hoc ones.
type Capability string

const (
	CapSuiteWrite     Capability = "suite:write"
	CapSuiteRead      Capability = "suite:read"
	CapExecutionStart Capability = "execution:start"
	CapExecutionRead  Capability = "execution:read"
	CapExecutionCancel Capability = "execution:cancel"
)

// Role is the caller's role as resolved by the external authorizer.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWriter Role = "writer"
	RoleViewer Role = "viewer"
)

// roleCapabilities is the static, read-mostly mapping from role to the
// capabilities it grants. It is process-wide and never mutated after
// startup, matching the "global mutable state" note in the design notes:
// initialized once, read-mostly thereafter.
var roleCapabilities = map[Role]map[Capability]bool{
	RoleAdmin: {
		CapSuiteWrite: true, CapSuiteRead: true,
		CapExecutionStart: true, CapExecutionRead: true, CapExecutionCancel: true,
	},
	RoleWriter: {
		CapSuiteWrite: true, CapSuiteRead: true,
		CapExecutionStart: true, CapExecutionRead: true, CapExecutionCancel: true,
	},
	RoleViewer: {
		CapSuiteRead: true, CapExecutionRead: true,
	},
}

// Facade is the uniform view of the caller threaded through every call.
type Facade struct {
	TenantID       string
	Role           Role
	UserID         string
	IdempotencyKey string
}

// New builds a Facade from resolved authorizer claims.
func New(tenantID string, role Role, userID, idempotencyKey string) Facade {
	return Facade{
		TenantID:       tenantID,
		Role:           role,
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
	}
}

// Require fails with Forbidden when the caller's role lacks capability.
func (f Facade) Require(capability Capability) error {
	if roleCapabilities[f.Role][capability] {
		return nil
	}
	return apperrors.Newf(apperrors.Forbidden, "role %q lacks capability %q", f.Role, capability)
}

// WithIdempotencyKey returns a copy of the facade carrying a different
// idempotency key, used when a single request composes multiple calls that
// each need their own key.
func (f Facade) WithIdempotencyKey(key string) Facade {
	f.IdempotencyKey = key
	return f
}
