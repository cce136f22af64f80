package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Transition("task", "CLAIM_TASK", true)
	m.Transition("task", "CLAIM_TASK", true)
	m.GateDecision("NO_GO", "CONTROL_INTENT_ALPHA_ONLY")
	m.LeaseHealth("STALE", "UNHELD", "STALE", "EXPIRING", "HEALTHY")

	body := scrape(t, m)
	assert.Contains(t, body, `switchboard_lifecycle_transitions_total{action="CLAIM_TASK",allowed="true",entity="task"} 2`)
	assert.Contains(t, body, `switchboard_judgement_decisions_total{decision="NO_GO",policy_id="CONTROL_INTENT_ALPHA_ONLY"} 1`)
	assert.Contains(t, body, `switchboard_lease_health{health="STALE"} 1`)
	assert.Contains(t, body, `switchboard_lease_health{health="HEALTHY"} 0`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("task", "X", false)
	m.Ingress("email", "ENQUEUED")
	m.Failure("STALE_RUNNING_DETECTED")
	m.RelayDelivery("webhook", true)
}
