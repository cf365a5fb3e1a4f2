// Package authz decides whether an authenticated caller may mutate a
// specific user record. The checks run in a fixed order and the first
// failing check wins; the verdict never depends on whether the target
// row exists, so existence cannot become a side channel.
package authz

import "github.com/iodzaMonk/acquisitions/pkg/auth"

// Deny reasons. Exposed in the 403 diagnostic field.
const (
	ReasonUnauthenticated         = "unauthenticated"
	ReasonNotSelfNotAdmin         = "not_self_not_admin"
	ReasonRoleChangeRequiresAdmin = "role_change_requires_admin"
)

// FieldRole marks the privileged field: self-service never extends to it.
const FieldRole = "role"

type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict { return Verdict{Allowed: true} }

func denied(reason string) Verdict { return Verdict{Reason: reason} }

// CanUpdate decides an update of targetID changing the named fields.
// Order: authentication, self-or-admin, then the privileged-field check —
// a user updating themselves still may not touch their own role.
func CanUpdate(claims *auth.Claims, targetID int, fields []string) Verdict {
	if claims == nil {
		return denied(ReasonUnauthenticated)
	}
	isSelf := claims.Sub == targetID
	isAdmin := claims.Role == auth.RoleAdmin
	if !isSelf && !isAdmin {
		return denied(ReasonNotSelfNotAdmin)
	}
	if !isAdmin {
		for _, field := range fields {
			if field == FieldRole {
				return denied(ReasonRoleChangeRequiresAdmin)
			}
		}
	}
	return allow()
}

// CanDelete decides a delete of targetID. No field-level step: self may
// delete self, admin may delete anyone.
func CanDelete(claims *auth.Claims, targetID int) Verdict {
	if claims == nil {
		return denied(ReasonUnauthenticated)
	}
	if claims.Sub != targetID && claims.Role != auth.RoleAdmin {
		return denied(ReasonNotSelfNotAdmin)
	}
	return allow()
}
