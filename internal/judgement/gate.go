// Package judgement runs the admission checks applied to a task before it is
// queued. Evaluation is deterministic and has no side effects.
package judgement

import (
	"fmt"
	"regexp"
	"strings"

	"switchboard/internal/domain"
)

type Severity string

const (
	SeverityBlock Severity = "BLOCK"
	SeverityInfo  Severity = "INFO"
)

const (
	DecisionGo   = "GO"
	DecisionNoGo = "NO_GO"
)

// Check IDs, in evaluation order.
const (
	CheckTitleNonEmpty      = "TITLE_NON_EMPTY"
	CheckAgentRegistered    = "AGENT_REGISTERED"
	CheckControlIntentAlpha = "CONTROL_INTENT_ALPHA_ONLY"
	CheckAgentEnabled       = "AGENT_ENABLED"
	CheckRuntimeAutonomous  = "RUNTIME_AUTONOMOUS"
	CheckReadinessNotReady  = "READINESS_NOT_READY_BLOCK"
	CheckReadinessPaused    = "READINESS_PAUSED_QUEUE_NOTE"
)

// PausedNote is attached to admitted tasks whose agent is paused.
const PausedNote = "agent is PAUSED; task queued and will run once the agent is resumed"

var controlIntent = regexp.MustCompile(`(?i)\b(plan|decompose|delegate|assign|coordinate|priorit\w*|strategy|roadmap)\b`)

// Proposal is a task about to be enqueued. Agent is nil when no agent with
// AgentKey is registered.
type Proposal struct {
	AgentKey string
	Title    string
	Agent    *domain.Agent
}

type Check struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Detail   string   `json:"detail,omitempty"`
}

type Result struct {
	Allowed  bool              `json:"allowed"`
	Decision string            `json:"decision"`
	PolicyID string            `json:"policy_id,omitempty"`
	Reason   string            `json:"reason"`
	Status   domain.TaskStatus `json:"status"`
	Checks   []Check           `json:"checks"`
	Notes    []string          `json:"notes,omitempty"`
	// InfoError is the non-blocking note stored on an admitted task.
	InfoError *string `json:"info_error,omitempty"`
}

type rule struct {
	id       string
	severity Severity
	// needsAgent rules are skipped when the agent is not registered.
	needsAgent bool
	eval       func(p Proposal) (bool, string)
}

var rules = []rule{
	{CheckTitleNonEmpty, SeverityBlock, false, func(p Proposal) (bool, string) {
		if strings.TrimSpace(p.Title) == "" {
			return false, "task title is empty"
		}
		return true, ""
	}},
	{CheckAgentRegistered, SeverityBlock, false, func(p Proposal) (bool, string) {
		if p.Agent == nil {
			return false, fmt.Sprintf("agent %q is not registered", p.AgentKey)
		}
		return true, ""
	}},
	{CheckControlIntentAlpha, SeverityBlock, true, func(p Proposal) (bool, string) {
		if p.Agent.ControlRole == domain.ControlBeta && controlIntent.MatchString(p.Title) {
			return false, fmt.Sprintf("control-intent task %q may only route to an ALPHA agent; %s is BETA", p.Title, p.Agent.Key)
		}
		return true, ""
	}},
	{CheckAgentEnabled, SeverityBlock, true, func(p Proposal) (bool, string) {
		if !p.Agent.Enabled {
			return false, fmt.Sprintf("agent %s is disabled", p.Agent.Key)
		}
		return true, ""
	}},
	{CheckRuntimeAutonomous, SeverityBlock, true, func(p Proposal) (bool, string) {
		switch p.Agent.Runtime {
		case domain.RuntimeLocal, domain.RuntimeCloud:
			return true, ""
		}
		return false, fmt.Sprintf("agent %s runtime %s cannot execute automatically", p.Agent.Key, p.Agent.Runtime)
	}},
	{CheckReadinessNotReady, SeverityBlock, true, func(p Proposal) (bool, string) {
		if p.Agent.Readiness == domain.ReadinessNotReady {
			return false, fmt.Sprintf("agent %s is NOT_READY", p.Agent.Key)
		}
		return true, ""
	}},
	{CheckReadinessPaused, SeverityInfo, true, func(p Proposal) (bool, string) {
		if p.Agent.Readiness == domain.ReadinessPaused {
			return true, PausedNote
		}
		return true, ""
	}},
}

// IsControlIntent reports whether title reads as planning or delegation work.
func IsControlIntent(title string) bool {
	return controlIntent.MatchString(title)
}

// Evaluate runs every applicable check in order. The first failing BLOCK check
// decides NO_GO; INFO checks never block but their notes are always returned.
func Evaluate(p Proposal) Result {
	res := Result{Checks: make([]Check, 0, len(rules))}
	var firstBlock *Check
	for _, r := range rules {
		if r.needsAgent && p.Agent == nil {
			continue
		}
		passed, detail := r.eval(p)
		c := Check{ID: r.id, Severity: r.severity, Passed: passed, Detail: detail}
		res.Checks = append(res.Checks, c)
		if r.severity == SeverityInfo && detail != "" {
			res.Notes = append(res.Notes, detail)
		}
		if r.severity == SeverityBlock && !passed && firstBlock == nil {
			cp := c
			firstBlock = &cp
		}
	}
	if firstBlock != nil {
		res.Decision = DecisionNoGo
		res.PolicyID = firstBlock.ID
		res.Reason = firstBlock.Detail
		res.Status = domain.TaskManualRequired
		return res
	}
	res.Allowed = true
	res.Decision = DecisionGo
	res.Reason = "all admission checks passed"
	res.Status = domain.TaskQueued
	if p.Agent != nil && p.Agent.Readiness == domain.ReadinessPaused {
		note := PausedNote
		res.InfoError = &note
	}
	return res
}

// Record converts r into the form stored in the task payload.
func (r Result) Record() *domain.JudgementRecord {
	rec := &domain.JudgementRecord{
		Decision: r.Decision,
		PolicyID: r.PolicyID,
		Reason:   r.Reason,
		Notes:    r.Notes,
		Checks:   make([]domain.JudgementCheck, len(r.Checks)),
	}
	for i, c := range r.Checks {
		rec.Checks[i] = domain.JudgementCheck{ID: c.ID, Severity: string(c.Severity), Passed: c.Passed, Detail: c.Detail}
	}
	return rec
}
