package judgement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

func readyAgent(role domain.ControlRole) *domain.Agent {
	return &domain.Agent{
		Key:         "worker-1",
		Enabled:     true,
		Runtime:     domain.RuntimeLocal,
		Readiness:   domain.ReadinessReady,
		ControlRole: role,
	}
}

func TestControlIntentRequiresAlpha(t *testing.T) {
	beta := Evaluate(Proposal{AgentKey: "worker-1", Title: "Plan the Q3 migration", Agent: readyAgent(domain.ControlBeta)})
	assert.False(t, beta.Allowed)
	assert.Equal(t, DecisionNoGo, beta.Decision)
	assert.Equal(t, CheckControlIntentAlpha, beta.PolicyID)
	assert.Equal(t, domain.TaskManualRequired, beta.Status)

	alpha := Evaluate(Proposal{AgentKey: "worker-1", Title: "Plan the Q3 migration", Agent: readyAgent(domain.ControlAlpha)})
	assert.True(t, alpha.Allowed)
	assert.Equal(t, DecisionGo, alpha.Decision)
	assert.Equal(t, domain.TaskQueued, alpha.Status)
	assert.Nil(t, alpha.InfoError)
}

func TestControlIntentLexicon(t *testing.T) {
	for _, title := range []string{"plan release", "Decompose epic", "DELEGATE review", "assign owners", "coordinate teams", "prioritize backlog", "Prioritise bugs", "strategy doc", "update roadmap"} {
		assert.True(t, IsControlIntent(title), title)
	}
	for _, title := range []string{"fix login bug", "airplane mode", "implement reassignment-free cache"} {
		assert.False(t, IsControlIntent(title), title)
	}
}

func TestFirstBlockWins(t *testing.T) {
	agent := readyAgent(domain.ControlBeta)
	agent.Enabled = false
	agent.Runtime = domain.RuntimeManual
	agent.Readiness = domain.ReadinessNotReady
	res := Evaluate(Proposal{AgentKey: agent.Key, Title: "ship it", Agent: agent})
	require.False(t, res.Allowed)
	assert.Equal(t, CheckAgentEnabled, res.PolicyID)

	var failed []string
	for _, c := range res.Checks {
		if !c.Passed {
			failed = append(failed, c.ID)
		}
	}
	assert.Equal(t, []string{CheckAgentEnabled, CheckRuntimeAutonomous, CheckReadinessNotReady}, failed)
}

func TestEmptyTitleAndMissingAgent(t *testing.T) {
	res := Evaluate(Proposal{AgentKey: "ghost", Title: "   "})
	assert.Equal(t, CheckTitleNonEmpty, res.PolicyID)
	require.Len(t, res.Checks, 2)
	assert.Equal(t, CheckAgentRegistered, res.Checks[1].ID)
	assert.False(t, res.Checks[1].Passed)

	res = Evaluate(Proposal{AgentKey: "ghost", Title: "do work"})
	assert.Equal(t, CheckAgentRegistered, res.PolicyID)
	assert.Contains(t, res.Reason, "ghost")
}

func TestPausedAgentQueuesWithNote(t *testing.T) {
	agent := readyAgent(domain.ControlAlpha)
	agent.Readiness = domain.ReadinessPaused
	res := Evaluate(Proposal{AgentKey: agent.Key, Title: "write tests", Agent: agent})
	assert.True(t, res.Allowed)
	assert.Equal(t, domain.TaskQueued, res.Status)
	require.NotNil(t, res.InfoError)
	assert.Equal(t, PausedNote, *res.InfoError)
	assert.Equal(t, []string{PausedNote}, res.Notes)

	rec := res.Record()
	assert.Equal(t, DecisionGo, rec.Decision)
	assert.Len(t, rec.Checks, 7)
}
