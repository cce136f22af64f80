package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/engine/auth"
	"switchboard/internal/lifecycle"
	"switchboard/internal/repo"
)

// Task transitions only authenticate at the boundary; the lifecycle policy
// decides and audits every attempt, denials included.
type taskAction struct {
	name    string
	summary string
	run     func(ctx context.Context, e engine.Engine, actor engine.Actor, id, reason string) (domain.Task, error)
}

var taskActions = []taskAction{
	{"claim", "Claim a queued task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, _ string) (domain.Task, error) {
		return e.ClaimTask(ctx, a, id)
	}},
	{"complete", "Complete a running task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, _ string) (domain.Task, error) {
		return e.CompleteTask(ctx, a, id)
	}},
	{"retry", "Requeue a running task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
		return e.RetryTask(ctx, a, id, reason)
	}},
	{"dead-letter", "Dead-letter a running task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
		return e.DeadLetterTask(ctx, a, id, reason)
	}},
	{"fail", "Record an execution failure", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
		if strings.TrimSpace(reason) == "" {
			reason = "execution failed"
		}
		return e.FailTask(ctx, a, id, reason)
	}},
	{"force-manual", "Force a task to MANUAL_REQUIRED", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
		return e.ForceManualRequired(ctx, a, id, reason)
	}},
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue task through the judgement gate",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueTaskRequest `json:"body"`
	}) (*struct {
		Body engine.EnqueueResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, err := authenticated(ctx)
		if err != nil {
			return nil, err
		}
		req := engine.EnqueueRequest{
			AgentKey:    input.Body.AgentKey,
			Title:       input.Body.Title,
			IssueNumber: input.Body.IssueNumber,
			ThreadID:    input.Body.ThreadID,
		}
		if raw, ok := rawBodyMap(ctx)["payload"]; ok && len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &req.Payload); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
		}
		if req.Payload.Source == "" {
			req.Payload.Source = domain.SourceAPI
		}
		if input.Body.Handoff {
			req.Action = lifecycle.ActionRouteHandoffTask
		}
		res, err := e.EnqueueTask(ctx, actor, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EnqueueResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"QUEUED,RUNNING,DONE,MANUAL_REQUIRED,DEAD_LETTER"`
		AgentKey string `query:"agent_key"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermIntrospect); err != nil {
			return nil, err
		}
		cursorAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:          input.Status,
			AgentKey:        input.AgentKey,
			Limit:           limit + 1,
			CursorCreatedAt: cursorAt,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []domain.Task{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := require(ctx, auth.PermIntrospect); err != nil {
			return nil, err
		}
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-stale-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/recover-stale",
		Summary:     "Requeue tasks stuck in RUNNING",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecoverStaleResponse `json:"body"`
	}, error) {
		actor, err := authenticated(ctx)
		if err != nil {
			return nil, err
		}
		recovered, err := e.RecoverStaleRunning(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if recovered == nil {
			recovered = []domain.Task{}
		}
		return &struct {
			Body RecoverStaleResponse `json:"body"`
		}{Body: RecoverStaleResponse{Recovered: recovered}}, nil
	})

	for _, ta := range taskActions {
		huma.Register(api, huma.Operation{
			OperationID: ta.name + "-task",
			Method:      http.MethodPost,
			Path:        "/tasks/{id}/" + ta.name,
			Summary:     ta.summary,
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID   string             `path:"id"`
			Body *TaskActionRequest `json:"body,omitempty" required:"false"`
		}) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			actor, err := authenticated(ctx)
			if err != nil {
				return nil, err
			}
			reason := ""
			if input.Body != nil {
				reason = input.Body.Reason
			}
			t, err := ta.run(ctx, e, actor, input.ID, reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dispatch",
		Summary:     "Claim a task and start a worker for it",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		actor, err := require(ctx, auth.PermTaskOperate)
		if err != nil {
			return nil, err
		}
		t, w, err := e.DispatchTask(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{Task: t, Worker: w}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "stop-worker",
		Method:        http.MethodPost,
		Path:          "/workers/{id}/stop",
		Summary:       "Ask the executor to stop a worker",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := require(ctx, auth.PermTaskOperate); err != nil {
			return nil, err
		}
		if err := e.StopWorker(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
