package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/engine/auth"
)

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermIntrospect); err != nil {
			return nil, err
		}
		items, err := e.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{key}",
		Summary:     "Get agent (key is case-insensitive)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermIntrospect); err != nil {
			return nil, err
		}
		a, err := e.GetAgent(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-agent",
		Method:      http.MethodPut,
		Path:        "/agents/{key}",
		Summary:     "Register agent or update its profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Key  string          `path:"key"`
		Body PutAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermAgentManage)
		if err != nil {
			return nil, err
		}
		a, err := e.RegisterAgent(ctx, actor, engine.AgentSpec{
			Key:         input.Key,
			Enabled:     input.Body.Enabled,
			Runtime:     domain.Runtime(input.Body.Runtime),
			ControlRole: domain.ControlRole(input.Body.ControlRole),
			Readiness:   domain.Readiness(input.Body.Readiness),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-readiness",
		Method:      http.MethodPost,
		Path:        "/agents/{key}/readiness",
		Summary:     "Change agent readiness",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string              `path:"key"`
		Body SetReadinessRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actor, err := authenticated(ctx)
		if err != nil {
			return nil, err
		}
		a, err := e.SetAgentReadiness(ctx, actor, input.Key, domain.Readiness(input.Body.Readiness))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{key}/heartbeat",
		Summary:     "Record agent liveness",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermAgentHeartbeat); err != nil {
			return nil, err
		}
		a, err := e.AgentHeartbeat(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-smoke-test",
		Method:      http.MethodPost,
		Path:        "/agents/{key}/smoke-test",
		Summary:     "Mark the agent's smoke test as passed",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermAgentManage)
		if err != nil {
			return nil, err
		}
		a, err := e.MarkSmokeTestPassed(ctx, actor, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}
