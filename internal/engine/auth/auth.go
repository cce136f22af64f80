// Package auth resolves who is calling and which actor role they act under.
package auth

import (
	"context"
	"fmt"
	"strings"

	"switchboard/internal/domain"
)

// ForbiddenError indicates the principal's role lacks a permission.
type ForbiddenError struct {
	Permission string
	Role       domain.ActorRole
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (role %s)", e.Permission, e.Role)
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Email   string
	Role    domain.ActorRole
	// Source is "jwt" or "api_key".
	Source string
}

// Permissions checked at the API boundary. Lifecycle rules still apply on top.
const (
	PermIntrospect      = "introspection.read"
	PermLeaseOperate    = "lease.operate"
	PermTaskEnqueue     = "task.enqueue"
	PermTaskOperate     = "task.operate"
	PermTaskForce       = "task.force"
	PermAgentManage     = "agent.manage"
	PermAgentHeartbeat  = "agent.heartbeat"
	PermToolcallCheck   = "toolcall.check"
	PermToolcallApprove = "toolcall.approve"
	PermFailureRecord   = "failure.record"
	PermAuditRead       = "audit.read"
)

var rolePermissions = map[domain.ActorRole][]string{
	domain.RoleOrchestrator: {
		PermIntrospect, PermLeaseOperate, PermTaskEnqueue, PermTaskOperate, PermAgentHeartbeat,
		PermToolcallCheck, PermFailureRecord, PermAuditRead,
	},
	domain.RoleHumanOperator: {
		PermIntrospect, PermTaskEnqueue, PermAgentManage, PermToolcallCheck, PermToolcallApprove,
		PermFailureRecord, PermAuditRead,
	},
	domain.RoleAdminOverride: {
		PermIntrospect, PermLeaseOperate, PermTaskEnqueue, PermTaskForce, PermAgentManage,
		PermToolcallCheck, PermToolcallApprove, PermFailureRecord, PermAuditRead,
	},
	domain.RoleWorker: {
		PermAgentHeartbeat, PermToolcallCheck,
	},
}

// Has reports whether p's role grants perm.
func (p Principal) Has(perm string) bool {
	for _, granted := range rolePermissions[p.Role] {
		if granted == perm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError if p lacks perm.
func (p Principal) Require(perm string) error {
	if p.Has(perm) {
		return nil
	}
	return ForbiddenError{Permission: perm, Role: p.Role}
}

// InferRole picks the role for an identity that did not carry an explicit one:
// admin emails map to ADMIN_OVERRIDE, everyone else is a HUMAN_OPERATOR.
func InferRole(claimed, email string, adminEmails []string) domain.ActorRole {
	if role, ok := domain.ParseActorRole(strings.ToUpper(strings.TrimSpace(claimed))); ok {
		return role
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, admin := range adminEmails {
		if email != "" && strings.EqualFold(strings.TrimSpace(admin), email) {
			return domain.RoleAdminOverride
		}
	}
	return domain.RoleHumanOperator
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
