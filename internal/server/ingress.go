package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/engine/auth"
	"switchboard/internal/ingress"
)

type ThreadResponse struct {
	Thread   domain.ChatThread    `json:"thread"`
	Messages []domain.ChatMessage `json:"messages"`
}

func registerIngress(api huma.API, p *ingress.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "ingress-email",
		Method:      http.MethodPost,
		Path:        "/ingress/email",
		Summary:     "Accept an inbound email for routing",
		Description: "Responds 202 when enqueued, 403 when the sender is blocked, 422 when dead-lettered and 200 otherwise.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ingress.Email `json:"body"`
	}) (*struct {
		Status int
		Body   ingress.Result `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermTaskEnqueue); err != nil {
			return nil, err
		}
		res, err := p.Process(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   ingress.Result `json:"body"`
		}{Status: ingress.HTTPStatus(res.Status), Body: res}, nil
	})
}

func registerThreads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{id}",
		Summary:     "Get a chat thread and its messages",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermAuditRead); err != nil {
			return nil, err
		}
		t, err := e.Repo.GetThread(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		msgs, err := e.Repo.ListMessages(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if msgs == nil {
			msgs = []domain.ChatMessage{}
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: ThreadResponse{Thread: t, Messages: msgs}}, nil
	})
}

func registerIntrospection(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "introspection",
		Method:      http.MethodGet,
		Path:        "/introspection",
		Summary:     "Read-only snapshot of lease, context lock, tasks, failures and workers",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermIntrospect); err != nil {
			return nil, err
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: e.Introspect(ctx)}, nil
	})
}
