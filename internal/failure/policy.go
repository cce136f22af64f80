// Package failure maps failure classes to a fixed severity, fallback action
// and remediation.
package failure

import (
	"fmt"

	"switchboard/internal/domain"
)

type Decision struct {
	Class          domain.FailureClass   `json:"failure_class"`
	Severity       domain.Severity       `json:"severity"`
	FallbackAction domain.FallbackAction `json:"fallback_action"`
	Remediation    string                `json:"remediation"`
}

var table = map[domain.FailureClass]Decision{
	domain.FailureLeaseAuthorityUnavailable: {
		Severity:       domain.SeverityHigh,
		FallbackAction: domain.FallbackManualRequired,
		Remediation:    "No healthy orchestrator lease holder. Pause automated dispatch, confirm the orchestrator process is alive and re-acquire the lease before resuming.",
	},
	domain.FailureContextGuardrailBlocked: {
		Severity:       domain.SeverityHigh,
		FallbackAction: domain.FallbackManualRequired,
		Remediation:    "Context guardrail blocked execution. Reduce or split the task context and hand the work to an operator for manual completion.",
	},
	domain.FailureContextGuardrailWarning: {
		Severity:       domain.SeverityLow,
		FallbackAction: domain.FallbackAlertOnly,
		Remediation:    "Context is approaching the guardrail limit. Monitor the task and trim context before the next step.",
	},
	domain.FailureStaleRunningDetected: {
		Severity:       domain.SeverityMedium,
		FallbackAction: domain.FallbackRequeue,
		Remediation:    "Task stayed RUNNING past the stale threshold. Recover it to QUEUED and check the assigned worker's heartbeat.",
	},
	domain.FailureExecutionRetryExhausted: {
		Severity:       domain.SeverityHigh,
		FallbackAction: domain.FallbackDeadLetter,
		Remediation:    "Execution failed on every allowed attempt. Inspect the last error, fix the cause and re-enqueue manually.",
	},
}

// Classes lists every failure class in a stable order.
var Classes = []domain.FailureClass{
	domain.FailureLeaseAuthorityUnavailable,
	domain.FailureContextGuardrailBlocked,
	domain.FailureContextGuardrailWarning,
	domain.FailureStaleRunningDetected,
	domain.FailureExecutionRetryExhausted,
}

// Decide returns the fixed decision for class.
func Decide(class domain.FailureClass) (Decision, error) {
	d, ok := table[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown failure class %q", class)
	}
	d.Class = class
	return d, nil
}

// IsGuardrail reports whether class comes from the context guardrail.
func IsGuardrail(class domain.FailureClass) bool {
	return class == domain.FailureContextGuardrailBlocked || class == domain.FailureContextGuardrailWarning
}
