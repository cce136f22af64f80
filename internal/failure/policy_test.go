package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

func TestDecideTable(t *testing.T) {
	want := map[domain.FailureClass]struct {
		severity domain.Severity
		action   domain.FallbackAction
	}{
		domain.FailureLeaseAuthorityUnavailable: {domain.SeverityHigh, domain.FallbackManualRequired},
		domain.FailureContextGuardrailBlocked:   {domain.SeverityHigh, domain.FallbackManualRequired},
		domain.FailureContextGuardrailWarning:   {domain.SeverityLow, domain.FallbackAlertOnly},
		domain.FailureStaleRunningDetected:      {domain.SeverityMedium, domain.FallbackRequeue},
		domain.FailureExecutionRetryExhausted:   {domain.SeverityHigh, domain.FallbackDeadLetter},
	}
	require.Len(t, Classes, len(want))
	for _, class := range Classes {
		d, err := Decide(class)
		require.NoError(t, err)
		assert.Equal(t, class, d.Class)
		assert.Equal(t, want[class].severity, d.Severity, class)
		assert.Equal(t, want[class].action, d.FallbackAction, class)
		assert.NotEmpty(t, d.Remediation)
	}
}

func TestDecideUnknown(t *testing.T) {
	_, err := Decide("DISK_ON_FIRE")
	assert.Error(t, err)
}

func TestDecisionsAreCopies(t *testing.T) {
	d, _ := Decide(domain.FailureStaleRunningDetected)
	d.Remediation = "changed"
	again, _ := Decide(domain.FailureStaleRunningDetected)
	assert.NotEqual(t, "changed", again.Remediation)
}
