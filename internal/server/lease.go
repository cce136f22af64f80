package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/engine/auth"
)

func registerLease(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lease-snapshot",
		Method:      http.MethodGet,
		Path:        "/lease",
		Summary:     "Read orchestrator lease and health",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.LeaseSnapshot `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermIntrospect); err != nil {
			return nil, err
		}
		snap, err := e.LeaseSnapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LeaseSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lease-acquire",
		Method:      http.MethodPost,
		Path:        "/lease/acquire",
		Summary:     "Acquire or renew the orchestrator lease",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *LeaseAcquireRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.LeaseSnapshot `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermLeaseOperate)
		if err != nil {
			return nil, err
		}
		body := LeaseAcquireRequest{}
		if input.Body != nil {
			body = *input.Body
		}
		snap, err := e.AcquireLease(ctx, engine.LeaseRequest{
			OwnerID:       leaseOwner(body.OwnerID, actor),
			OwnerHost:     body.OwnerHost,
			OwnerPID:      body.OwnerPID,
			OwnerAgentKey: body.OwnerAgentKey,
			TTL:           time.Duration(body.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LeaseSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lease-heartbeat",
		Method:      http.MethodPost,
		Path:        "/lease/heartbeat",
		Summary:     "Extend the lease held by the owner",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *LeaseOwnerRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.LeaseSnapshot `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermLeaseOperate)
		if err != nil {
			return nil, err
		}
		body := LeaseOwnerRequest{}
		if input.Body != nil {
			body = *input.Body
		}
		snap, err := e.HeartbeatLease(ctx, leaseOwner(body.OwnerID, actor), time.Duration(body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LeaseSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lease-release",
		Method:      http.MethodPost,
		Path:        "/lease/release",
		Summary:     "Release the lease held by the owner",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *LeaseOwnerRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.LeaseSnapshot `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermLeaseOperate)
		if err != nil {
			return nil, err
		}
		owner := ""
		if input.Body != nil {
			owner = input.Body.OwnerID
		}
		snap, err := e.ReleaseLease(ctx, leaseOwner(owner, actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LeaseSnapshot `json:"body"`
		}{Body: snap}, nil
	})
}

// leaseOwner lets admins act for another owner; everyone else is the owner.
func leaseOwner(requested string, actor engine.Actor) string {
	requested = strings.TrimSpace(requested)
	if requested != "" && actor.Role == domain.RoleAdminOverride {
		return requested
	}
	return actor.ID
}
