package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeJSON(calls ...string) []byte {
	return []byte(fmt.Sprintf(`{"protocol":%q,"version":"1.0","calls":[%s]}`, ProtocolName, strings.Join(calls, ",")))
}

func callJSON(id, tool, args, risk, approval string) string {
	return fmt.Sprintf(`{"id":%q,"tool":%q,"args":%s,"riskClass":%q,"approval":%q,"expectedArtifacts":[]}`, id, tool, args, risk, approval)
}

func mustValidate(t *testing.T, raw []byte) Envelope {
	t.Helper()
	env, err := ValidateEnvelope(raw)
	require.NoError(t, err)
	return env
}

func TestValidateChatRespond(t *testing.T) {
	env := mustValidate(t, envelopeJSON(callJSON("c1", "chat.respond", `{"text":"hello"}`, "LOW", "NONE")))
	assert.Equal(t, ModeSequential, env.Mode)
	require.Len(t, env.Calls, 1)

	policy := EvaluateCommandPolicy(env)
	assert.True(t, policy.Allowed)
	assert.False(t, policy.RequiresApproval)
	assert.Equal(t, ClassChatResponse, policy.Calls[0].Class)
	assert.Equal(t, RiskLow, policy.Calls[0].EffectiveRisk)
}

func TestValidateRejections(t *testing.T) {
	ok := callJSON("c1", "chat.respond", `{}`, "LOW", "NONE")
	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{"not object", `[1,2]`, "envelope"},
		{"scalar", `"hi"`, "envelope"},
		{"wrong protocol", `{"protocol":"other","version":"1.0","calls":[` + ok + `]}`, "protocol"},
		{"bad version", `{"protocol":"` + ProtocolName + `","version":"1","calls":[` + ok + `]}`, "version"},
		{"major mismatch", `{"protocol":"` + ProtocolName + `","version":"2.0","calls":[` + ok + `]}`, "version"},
		{"bad mode", `{"protocol":"` + ProtocolName + `","version":"1.3","mode":"RANDOM","calls":[` + ok + `]}`, "mode"},
		{"empty calls", string(envelopeJSON()), "calls"},
		{"bad id", string(envelopeJSON(ok, callJSON("-x", "chat.respond", `{}`, "LOW", "NONE"))), "calls[1].id"},
		{"bad tool", string(envelopeJSON(callJSON("c1", "Chat", `{}`, "LOW", "NONE"))), "calls[0].tool"},
		{"args not object", string(envelopeJSON(callJSON("c1", "chat.respond", `[]`, "LOW", "NONE"))), "calls[0].args"},
		{"bad risk", string(envelopeJSON(callJSON("c1", "chat.respond", `{}`, "SEVERE", "NONE"))), "calls[0].riskClass"},
		{"bad approval", string(envelopeJSON(callJSON("c1", "chat.respond", `{}`, "LOW", "MAYBE"))), "calls[0].approval"},
		{"bad artifact", string(envelopeJSON(`{"id":"c1","tool":"chat.respond","args":{},"riskClass":"LOW","approval":"NONE","expectedArtifacts":[{"kind":"VIDEO","required":true}]}`)), "calls[0].expectedArtifacts[0].kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateEnvelope([]byte(tc.raw))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateBounds(t *testing.T) {
	calls := make([]string, MaxCalls+1)
	for i := range calls {
		calls[i] = callJSON(fmt.Sprintf("c%d", i), "chat.respond", `{}`, "LOW", "NONE")
	}
	_, err := ValidateEnvelope(envelopeJSON(calls...))
	require.Error(t, err)
	_, err = ValidateEnvelope(envelopeJSON(calls[:MaxCalls]...))
	require.NoError(t, err)

	arts := make([]string, MaxArtifacts+1)
	for i := range arts {
		arts[i] = `{"kind":"LOG","required":false}`
	}
	raw := envelopeJSON(`{"id":"c1","tool":"chat.respond","args":{},"riskClass":"LOW","approval":"NONE","expectedArtifacts":[` + strings.Join(arts, ",") + `]}`)
	_, err = ValidateEnvelope(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most 25")
}

func TestUnknownFieldsPreserved(t *testing.T) {
	raw := []byte(`{"protocol":"` + ProtocolName + `","version":"1.7","mode":"PARALLEL","trace":"abc","calls":[{"id":"c1","tool":"chat.respond","args":{},"riskClass":"LOW","approval":"NONE","hint":42}]}`)
	env := mustValidate(t, raw)
	assert.Equal(t, ModeParallel, env.Mode)
	assert.JSONEq(t, `"abc"`, string(env.Extra["trace"]))
	assert.JSONEq(t, `42`, string(env.Calls[0].Extra["hint"]))
}

func TestUnknownToolDeniedCritical(t *testing.T) {
	env := mustValidate(t, envelopeJSON(callJSON("c1", "database.drop", `{"table":"users"}`, "LOW", "NONE")))
	policy := EvaluateCommandPolicy(env)
	assert.False(t, policy.Allowed)
	assert.Equal(t, ClassUnknownTool, policy.Calls[0].Class)
	assert.Equal(t, RiskCritical, policy.Calls[0].EffectiveRisk)
	assert.True(t, policy.Calls[0].RequiresApproval)
}

func TestShellDestructivePatterns(t *testing.T) {
	for _, cmd := range []string{
		"rm -rf /",
		"sudo rm -fr / --no-preserve-root",
		"rm -r -f ~",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda bs=1M",
		"cat junk > /dev/nvme0n1",
		"shutdown -h now",
		"reboot",
		":(){ :|:& };:",
	} {
		args, _ := json.Marshal(map[string]string{"command": cmd})
		env := mustValidate(t, envelopeJSON(callJSON("c1", "shell.exec", string(args), "LOW", "HUMAN_APPROVAL")))
		policy := EvaluateCommandPolicy(env)
		require.False(t, policy.Allowed, cmd)
		d := policy.Calls[0]
		assert.Equal(t, ClassShellExecution, d.Class, cmd)
		assert.NotEmpty(t, d.BlockedPattern, cmd)
		assert.Contains(t, d.Reason, "blocked destructive pattern", cmd)
	}

	env := mustValidate(t, envelopeJSON(callJSON("c1", "shell.exec", `{"command":"rm -rf /tmp/build"}`, "LOW", "NONE")))
	d := EvaluateCommandPolicy(env).Calls[0]
	assert.Empty(t, d.BlockedPattern)
	assert.False(t, d.Allowed)
	assert.Equal(t, RiskCritical, d.EffectiveRisk)
}

func TestClassFloors(t *testing.T) {
	cases := []struct {
		tool  string
		class CommandClass
		risk  RiskClass
	}{
		{"chat.respond", ClassChatResponse, RiskLow},
		{"fs.read", ClassFilesystemRead, RiskLow},
		{"fs.write", ClassFilesystemMutation, RiskMedium},
		{"git.status", ClassGitRead, RiskLow},
		{"git.push", ClassGitMutation, RiskHigh},
		{"shell.exec", ClassShellExecution, RiskCritical},
		{"web.fetch", ClassUnknownTool, RiskCritical},
	}
	for _, tc := range cases {
		class, floor, _ := Classify(tc.tool)
		assert.Equal(t, tc.class, class, tc.tool)
		assert.Equal(t, tc.risk, floor, tc.tool)
	}
	assert.Equal(t, RiskCritical, MaxRisk(RiskCritical, RiskLow))
	assert.Equal(t, RiskHigh, MaxRisk(RiskMedium, RiskHigh))
}

func TestFirstDenialSurfaced(t *testing.T) {
	env := mustValidate(t, envelopeJSON(
		callJSON("c1", "chat.respond", `{}`, "LOW", "NONE"),
		callJSON("c2", "git.push", `{}`, "LOW", "NONE"),
		callJSON("c3", "database.drop", `{}`, "LOW", "NONE"),
	))
	policy := EvaluateCommandPolicy(env)
	assert.False(t, policy.Allowed)
	assert.True(t, strings.HasPrefix(policy.Reason, "calls[1] (git.push)"), policy.Reason)
	assert.Equal(t, RiskCritical, policy.MaxRisk)
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	a := mustValidate(t, envelopeJSON(callJSON("c1", "chat.respond", `{"text":"hello","n":1}`, "LOW", "NONE")))
	b := mustValidate(t, envelopeJSON(callJSON("c1", "chat.respond", `{ "n":1, "text":"hello" }`, "LOW", "NONE")))
	c := mustValidate(t, envelopeJSON(callJSON("c1", "chat.respond", `{"text":"hellp","n":1}`, "LOW", "NONE")))
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, _ := Fingerprint(b)
	fc, _ := Fingerprint(c)
	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
	assert.True(t, strings.HasPrefix(fa, FingerprintPrefix))
}

func TestApprovalTokenBoundToArgs(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Signer{Secret: []byte("test-secret"), Now: func() time.Time { return clock }}
	env := mustValidate(t, envelopeJSON(callJSON("c1", "chat.respond", `{"text":"hello"}`, "LOW", "HUMAN_APPROVAL")))
	fp, err := Fingerprint(env)
	require.NoError(t, err)
	issued, err := s.Issue(IssueRequest{ApproverUserID: "u-1", ApproverEmail: "ops@example.com", Fingerprint: fp})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Token, TokenPrefix+"."))

	p, err := s.Verify(issued.Token, fp)
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.ApproverUserID)

	auth, err := s.Authorize(env, issued.Token)
	require.NoError(t, err)
	assert.True(t, auth.Allowed)

	mutated := mustValidate(t, envelopeJSON(callJSON("c1", "chat.respond", `{"text":"hellO"}`, "LOW", "HUMAN_APPROVAL")))
	auth, err = s.Authorize(mutated, issued.Token)
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	assert.Equal(t, CodeFingerprintMismatch, auth.Code)
}

func TestApprovalTokenExpiry(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Signer{Secret: []byte("k"), Now: func() time.Time { return issuedAt }}
	issued, err := s.Issue(IssueRequest{ApproverUserID: "u-1", Fingerprint: "blake3:abc", TTL: 30 * time.Second})
	require.NoError(t, err)

	_, err = s.VerifyAt(issued.Token, "blake3:abc", issuedAt)
	require.NoError(t, err)
	_, err = s.VerifyAt(issued.Token, "blake3:abc", issuedAt.Add(30*time.Second))
	require.NoError(t, err)
	_, err = s.VerifyAt(issued.Token, "blake3:abc", issuedAt.Add(31*time.Second))
	assert.Equal(t, CodeExpired, CodeOf(err))
}

func TestApprovalTokenErrorCodes(t *testing.T) {
	s := Signer{Secret: []byte("k")}
	issued, err := s.Issue(IssueRequest{ApproverUserID: "u-1", Fingerprint: "fp"})
	require.NoError(t, err)
	parts := strings.Split(issued.Token, ".")

	_, err = Signer{}.Verify(issued.Token, "fp")
	assert.Equal(t, CodeSecretNotConfigured, CodeOf(err))
	_, err = s.Verify("garbage", "fp")
	assert.Equal(t, CodeFormatInvalid, CodeOf(err))
	_, err = s.Verify("other."+parts[1]+"."+parts[2], "fp")
	assert.Equal(t, CodeFormatInvalid, CodeOf(err))
	_, err = s.Verify(TokenPrefix+".!!!."+parts[2], "fp")
	assert.Equal(t, CodeDecodeFailed, CodeOf(err))
	_, err = Signer{Secret: []byte("other")}.Verify(issued.Token, "fp")
	assert.Equal(t, CodeSignatureInvalid, CodeOf(err))
	_, err = s.Verify(issued.Token, "fp2")
	assert.Equal(t, CodeFingerprintMismatch, CodeOf(err))

	_, err = s.Issue(IssueRequest{Fingerprint: "fp"})
	assert.Equal(t, CodeApproverRequired, CodeOf(err))

	forged := Signer{Secret: []byte("k")}
	body := `{"v":1,"tokenId":"t"}`
	encoded := base64URL(body)
	token := TokenPrefix + "." + encoded + "." + base64URLBytes(forged.sign(encoded))
	_, err = s.Verify(token, "fp")
	assert.Equal(t, CodePayloadInvalid, CodeOf(err))
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, DefaultTokenTTL, ClampTTL(0))
	assert.Equal(t, MinTokenTTL, ClampTTL(time.Second))
	assert.Equal(t, MaxTokenTTL, ClampTTL(24*time.Hour))
	assert.Equal(t, 90*time.Second, ClampTTL(90*time.Second))
}
