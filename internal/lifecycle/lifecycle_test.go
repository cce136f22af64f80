package lifecycle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

var (
	allRoles       = []domain.ActorRole{domain.RoleOrchestrator, domain.RoleHumanOperator, domain.RoleAdminOverride, domain.RoleWorker, "STRANGER"}
	allTaskActions = []Action{
		ActionEnqueueTask, ActionRouteHandoffTask, ActionClaimTask, ActionCompleteTask, ActionRetryTask,
		ActionDeadLetterTask, ActionRecoverStaleRunning, ActionForceManualRequired, ActionSetReadiness, "UNKNOWN",
	}
	allStates      = append([]domain.TaskStatus{None}, domain.TaskStatuses...)
)

func TestTaskTransitionsDenyByDefault(t *testing.T) {
	allowed := map[string]bool{
		"ORCHESTRATOR/ENQUEUE_TASK/null/QUEUED":                        true,
		"ORCHESTRATOR/ENQUEUE_TASK/null/MANUAL_REQUIRED":               true,
		"ORCHESTRATOR/ROUTE_HANDOFF_TASK/null/QUEUED":                  true,
		"ORCHESTRATOR/ROUTE_HANDOFF_TASK/null/MANUAL_REQUIRED":         true,
		"ORCHESTRATOR/CLAIM_TASK/QUEUED/RUNNING":                       true,
		"ORCHESTRATOR/COMPLETE_TASK/RUNNING/DONE":                      true,
		"ORCHESTRATOR/RETRY_TASK/RUNNING/QUEUED":                       true,
		"ORCHESTRATOR/DEAD_LETTER_TASK/RUNNING/DEAD_LETTER":            true,
		"ORCHESTRATOR/RECOVER_STALE_RUNNING/RUNNING/QUEUED":            true,
		"HUMAN_OPERATOR/ENQUEUE_TASK/null/QUEUED":                      true,
		"HUMAN_OPERATOR/ENQUEUE_TASK/null/MANUAL_REQUIRED":             true,
		"ADMIN_OVERRIDE/FORCE_MANUAL_REQUIRED/QUEUED/MANUAL_REQUIRED":  true,
		"ADMIN_OVERRIDE/FORCE_MANUAL_REQUIRED/RUNNING/MANUAL_REQUIRED": true,
	}
	seen := 0
	for _, role := range allRoles {
		for _, action := range allTaskActions {
			for _, from := range allStates {
				for _, to := range allStates {
					key := fmt.Sprintf("%s/%s/%s/%s", role, action, label(from), label(to))
					d := EvaluateTaskTransition(role, action, from, to)
					assert.Equal(t, allowed[key], d.Allowed, key)
					assert.NotEmpty(t, d.Reason, key)
					if d.Allowed {
						seen++
					}
				}
			}
		}
	}
	require.Equal(t, len(allowed), seen)
}

func TestWorkerAlwaysDenied(t *testing.T) {
	d := EvaluateTaskTransition(domain.RoleWorker, ActionClaimTask, domain.TaskQueued, domain.TaskRunning)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "WORKER")
}

func TestReadinessNoOpAlwaysPasses(t *testing.T) {
	readiness := []domain.Readiness{domain.ReadinessNotReady, domain.ReadinessReady, domain.ReadinessPaused}
	for _, role := range allRoles {
		for _, action := range []Action{ActionSetReadiness, ActionAdminSetReadiness, ActionClaimTask, "ANYTHING"} {
			for _, r := range readiness {
				d := EvaluateAgentReadinessTransition(role, action, r, r)
				assert.True(t, d.Allowed, "%s/%s/%s", role, action, r)
			}
		}
	}
}

func TestReadinessRoles(t *testing.T) {
	cases := []struct {
		role    domain.ActorRole
		action  Action
		allowed bool
	}{
		{domain.RoleHumanOperator, ActionSetReadiness, true},
		{domain.RoleHumanOperator, ActionAdminSetReadiness, false},
		{domain.RoleAdminOverride, ActionAdminSetReadiness, true},
		{domain.RoleAdminOverride, ActionSetReadiness, false},
		{domain.RoleOrchestrator, ActionSetReadiness, false},
		{domain.RoleWorker, ActionSetReadiness, false},
	}
	for _, tc := range cases {
		d := EvaluateAgentReadinessTransition(tc.role, tc.action, domain.ReadinessReady, domain.ReadinessPaused)
		assert.Equal(t, tc.allowed, d.Allowed, "%s/%s", tc.role, tc.action)
	}
}
