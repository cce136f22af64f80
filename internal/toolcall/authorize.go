package toolcall

import "fmt"

// Authorization is the combined policy and approval outcome for an envelope.
type Authorization struct {
	Allowed     bool             `json:"allowed"`
	Reason      string           `json:"reason"`
	Fingerprint string           `json:"fingerprint"`
	Policy      PolicyResult     `json:"policy"`
	Approval    *ApprovalPayload `json:"approval,omitempty"`
	// Code is the token error code when approval verification failed.
	Code string `json:"code,omitempty"`
}

// Authorize applies the command policy to env and, when any call requires
// approval, verifies token against the envelope fingerprint.
func (s Signer) Authorize(env Envelope, token string) (Authorization, error) {
	fp, err := Fingerprint(env)
	if err != nil {
		return Authorization{}, fmt.Errorf("fingerprint envelope: %w", err)
	}
	out := Authorization{Fingerprint: fp, Policy: EvaluateCommandPolicy(env)}
	if !out.Policy.Allowed {
		out.Reason = out.Policy.Reason
		return out, nil
	}
	if !out.Policy.RequiresApproval {
		out.Allowed = true
		out.Reason = out.Policy.Reason
		return out, nil
	}
	if token == "" {
		out.Reason = "approval token required"
		out.Code = CodeFormatInvalid
		return out, nil
	}
	payload, err := s.Verify(token, fp)
	if err != nil {
		out.Reason = err.Error()
		out.Code = CodeOf(err)
		return out, nil
	}
	out.Allowed = true
	out.Approval = &payload
	out.Reason = fmt.Sprintf("approved by %s", payload.ApproverUserID)
	return out, nil
}
