package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/engine"
	"switchboard/internal/engine/auth"
	"switchboard/internal/metrics"
	"switchboard/internal/toolcall"
)

// envelopeFromBody validates the raw request body, or the raw value of key
// inside it, as a tool-call envelope. Raw bytes are used so unknown fields and
// number formatting survive into the fingerprint.
func envelopeFromBody(ctx context.Context, key string) (toolcall.Envelope, string, error) {
	raw := bodyBytes(ctx)
	if key != "" {
		inner, ok := rawBodyMap(ctx)[key]
		if !ok {
			return toolcall.Envelope{}, "", newAPIError(http.StatusBadRequest, "bad_request", key+" is required", nil)
		}
		raw = inner
	}
	env, err := toolcall.ValidateEnvelope(raw)
	if err != nil {
		return env, "", handleError(err)
	}
	fp, err := toolcall.Fingerprint(env)
	if err != nil {
		return env, "", handleError(err)
	}
	return env, fp, nil
}

func registerToolcalls(api huma.API, e engine.Engine, signer toolcall.Signer, m *metrics.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-toolcall",
		Method:      http.MethodPost,
		Path:        "/toolcalls/validate",
		Summary:     "Validate a tool-call envelope",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermToolcallCheck); err != nil {
			return nil, err
		}
		env, fp, err := envelopeFromBody(ctx, "")
		if err != nil {
			return nil, err
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: EnvelopeResponse{Valid: true, Fingerprint: fp, Envelope: env}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toolcall-policy",
		Method:      http.MethodPost,
		Path:        "/toolcalls/policy",
		Summary:     "Evaluate command policy for an envelope",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermToolcallCheck); err != nil {
			return nil, err
		}
		env, fp, err := envelopeFromBody(ctx, "")
		if err != nil {
			return nil, err
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: PolicyResponse{Fingerprint: fp, Policy: toolcall.EvaluateCommandPolicy(env)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-approval",
		Method:      http.MethodPost,
		Path:        "/toolcalls/approvals",
		Summary:     "Issue an approval token bound to the envelope fingerprint",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body IssueApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermToolcallApprove); err != nil {
			return nil, err
		}
		p, _ := principal(ctx)
		_, fp, err := envelopeFromBody(ctx, "envelope")
		if err != nil {
			return nil, err
		}
		issued, err := signer.Issue(toolcall.IssueRequest{
			ApproverUserID: p.ActorID,
			ApproverEmail:  p.Email,
			Fingerprint:    fp,
			TTL:            approvalTTL(e, input.Body.TTLSeconds),
		})
		m.Approval("issue", toolcall.CodeOf(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: ApprovalResponse{IssuedToken: issued, Fingerprint: fp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-approval",
		Method:      http.MethodPost,
		Path:        "/toolcalls/approvals/verify",
		Summary:     "Apply policy and verify the approval token for an envelope",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body VerifyApprovalRequest `json:"body"`
	}) (*struct {
		Body toolcall.Authorization `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermToolcallCheck); err != nil {
			return nil, err
		}
		env, _, err := envelopeFromBody(ctx, "envelope")
		if err != nil {
			return nil, err
		}
		out, err := signer.Authorize(env, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		if out.Policy.RequiresApproval {
			m.Approval("verify", out.Code)
		}
		return &struct {
			Body toolcall.Authorization `json:"body"`
		}{Body: out}, nil
	})
}
