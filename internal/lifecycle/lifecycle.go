// Package lifecycle decides whether an actor may move a task or an agent from
// one state to another. It is pure: recording the decision is the caller's job.
package lifecycle

import (
	"fmt"

	"switchboard/internal/domain"
)

type Action string

const (
	ActionEnqueueTask         Action = "ENQUEUE_TASK"
	ActionRouteHandoffTask    Action = "ROUTE_HANDOFF_TASK"
	ActionClaimTask           Action = "CLAIM_TASK"
	ActionCompleteTask        Action = "COMPLETE_TASK"
	ActionRetryTask           Action = "RETRY_TASK"
	ActionDeadLetterTask      Action = "DEAD_LETTER_TASK"
	ActionRecoverStaleRunning Action = "RECOVER_STALE_RUNNING"
	ActionForceManualRequired Action = "FORCE_MANUAL_REQUIRED"

	ActionSetReadiness      Action = "SET_READINESS"
	ActionAdminSetReadiness Action = "ADMIN_SET_READINESS"
)

// None is the empty state of a task that does not exist yet.
const None domain.TaskStatus = ""

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

type edge struct {
	from domain.TaskStatus
	to   domain.TaskStatus
}

// taskRules lists every allowed (role, action, from, to). Anything absent is denied.
var taskRules = map[domain.ActorRole]map[Action][]edge{
	domain.RoleOrchestrator: {
		ActionEnqueueTask:         {{None, domain.TaskQueued}, {None, domain.TaskManualRequired}},
		ActionRouteHandoffTask:    {{None, domain.TaskQueued}, {None, domain.TaskManualRequired}},
		ActionClaimTask:           {{domain.TaskQueued, domain.TaskRunning}},
		ActionCompleteTask:        {{domain.TaskRunning, domain.TaskDone}},
		ActionRetryTask:           {{domain.TaskRunning, domain.TaskQueued}},
		ActionDeadLetterTask:      {{domain.TaskRunning, domain.TaskDeadLetter}},
		ActionRecoverStaleRunning: {{domain.TaskRunning, domain.TaskQueued}},
	},
	domain.RoleHumanOperator: {
		ActionEnqueueTask: {{None, domain.TaskQueued}, {None, domain.TaskManualRequired}},
	},
	domain.RoleAdminOverride: {
		ActionForceManualRequired: {{domain.TaskQueued, domain.TaskManualRequired}, {domain.TaskRunning, domain.TaskManualRequired}},
	},
}

// EvaluateTaskTransition checks a task transition against the role table.
// from is None for creation. Workers are always denied.
func EvaluateTaskTransition(role domain.ActorRole, action Action, from, to domain.TaskStatus) Decision {
	if role == domain.RoleWorker {
		return deny("WORKER role cannot transition tasks directly; workers act only through orchestrator-authorized calls")
	}
	if to == None {
		return deny(fmt.Sprintf("%s cannot target an empty state", action))
	}
	actions, ok := taskRules[role]
	if !ok {
		return deny(fmt.Sprintf("role %q has no task permissions", role))
	}
	edges, ok := actions[action]
	if !ok {
		return deny(fmt.Sprintf("%s is not permitted to perform %s", role, action))
	}
	for _, e := range edges {
		if e.from == from && e.to == to {
			return Decision{Allowed: true, Reason: fmt.Sprintf("%s %s %s -> %s permitted", role, action, label(from), to)}
		}
	}
	return deny(fmt.Sprintf("%s %s does not allow %s -> %s", role, action, label(from), label(to)))
}

// EvaluateAgentReadinessTransition checks a readiness change. No-op changes
// always pass.
func EvaluateAgentReadinessTransition(role domain.ActorRole, action Action, from, to domain.Readiness) Decision {
	if from == to {
		return Decision{Allowed: true, Reason: fmt.Sprintf("readiness unchanged (%s)", to)}
	}
	switch {
	case role == domain.RoleHumanOperator && action == ActionSetReadiness:
		return Decision{Allowed: true, Reason: fmt.Sprintf("operator set readiness %s -> %s", label(from), to)}
	case role == domain.RoleAdminOverride && action == ActionAdminSetReadiness:
		return Decision{Allowed: true, Reason: fmt.Sprintf("admin override set readiness %s -> %s", label(from), to)}
	}
	return deny(fmt.Sprintf("%s is not permitted to perform %s", role, action))
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func label[S ~string](s S) string {
	if s == "" {
		return "null"
	}
	return string(s)
}
