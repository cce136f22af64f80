package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/engine/auth"
	"switchboard/internal/repo"
)

func registerFailures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-failure",
		Method:        http.MethodPost,
		Path:          "/failures",
		Summary:       "Record a failure and get its remediation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RecordFailureRequest `json:"body"`
	}) (*struct {
		Body domain.FailureEvent `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermFailureRecord)
		if err != nil {
			return nil, err
		}
		f, err := e.RecordFailure(ctx, actor, engine.FailureInput{
			Class:      domain.FailureClass(input.Body.FailureClass),
			ProjectID:  input.Body.ProjectID,
			TaskID:     input.Body.TaskID,
			ThreadID:   input.Body.ThreadID,
			LeaseID:    input.Body.LeaseID,
			ContextRef: input.Body.ContextRef,
			Detail:     input.Body.Detail,
			Metadata:   input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FailureEvent `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-failures",
		Method:      http.MethodGet,
		Path:        "/failures",
		Summary:     "List recent failure events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Class string `query:"failure_class"`
		Since string `query:"since" doc:"Only events created at or after this timestamp"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.FailureEvent `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermAuditRead); err != nil {
			return nil, err
		}
		f := repo.FailureFilters{Since: input.Since, Limit: normalizeLimit(input.Limit)}
		if input.Class != "" {
			f.Classes = []domain.FailureClass{domain.FailureClass(input.Class)}
		}
		items, err := e.ListFailures(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.FailureEvent{}
		}
		return &struct {
			Body []domain.FailureEvent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "manual-fallback",
		Method:        http.MethodPost,
		Path:          "/failures/manual-fallback",
		Summary:       "Create a MANUAL_REQUIRED fallback task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ManualFallbackRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermFailureRecord)
		if err != nil {
			return nil, err
		}
		t, err := e.EnqueueManualFallbackTask(ctx, actor.ID, engine.ManualFallbackRequest{
			Class:        domain.FailureClass(input.Body.FailureClass),
			AgentKey:     input.Body.AgentKey,
			Title:        input.Body.Title,
			Prompt:       input.Body.Prompt,
			Package:      rawBodyMap(ctx)["package"],
			SourceTaskID: input.Body.SourceTaskID,
			ThreadID:     input.Body.ThreadID,
			Detail:       input.Body.Detail,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List lifecycle audit events in sequence order",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"Return events after this id"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermAuditRead); err != nil {
			return nil, err
		}
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			AfterID:    after,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.LifecycleAuditEvent{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}
