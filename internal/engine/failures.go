package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/failure"
	"switchboard/internal/lifecycle"
	"switchboard/internal/repo"
)

const ActionRecordFailure = "RECORD_FAILURE"

type FailureInput struct {
	Class      domain.FailureClass
	ProjectID  string
	TaskID     string
	ThreadID   string
	LeaseID    string
	ContextRef string
	Detail     string
	Metadata   map[string]any
}

// RecordFailure appends a failure event and its audit row. Task state is
// never changed here; the returned decision tells the caller what to do.
func (e Engine) RecordFailure(ctx context.Context, actor Actor, in FailureInput) (domain.FailureEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FailureEvent{}, err
	}
	defer tx.Rollback()
	f, err := e.recordFailureTx(ctx, tx, actor, in)
	if err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

func (e Engine) recordFailureTx(ctx context.Context, tx repo.DBTX, actor Actor, in FailureInput) (domain.FailureEvent, error) {
	d, err := failure.Decide(in.Class)
	if err != nil {
		return domain.FailureEvent{}, err
	}
	f := domain.FailureEvent{
		ID:             uuid.NewString(),
		FailureClass:   d.Class,
		Severity:       d.Severity,
		FallbackAction: d.FallbackAction,
		Remediation:    d.Remediation,
		ProjectID:      strPtr(in.ProjectID),
		TaskID:         strPtr(in.TaskID),
		ThreadID:       strPtr(in.ThreadID),
		LeaseID:        strPtr(in.LeaseID),
		ContextRef:     strPtr(in.ContextRef),
		Detail:         in.Detail,
		Metadata:       in.Metadata,
	}
	// Insert the failure row first so the transaction starts with a write.
	if f, err = e.Events.AppendFailure(ctx, tx, f); err != nil {
		return f, err
	}
	reason := fmt.Sprintf("%s recorded (%s, fallback %s)", d.Class, d.Severity, d.FallbackAction)
	if in.Detail != "" {
		reason += ": " + in.Detail
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, events.Entry{
		EntityType: events.EntityFailure,
		EntityID:   f.ID,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     ActionRecordFailure,
		To:         events.State(d.FallbackAction),
		Allowed:    true,
		Reason:     reason,
		Metadata:   map[string]any{"failure_class": string(d.Class), "severity": string(d.Severity), "task_id": in.TaskID},
	}); err != nil {
		return f, err
	}
	e.Metrics.Failure(string(d.Class))
	e.log().Warn("failure recorded", "class", d.Class, "severity", d.Severity, "fallback", d.FallbackAction, "task", in.TaskID)
	return f, nil
}

type ManualFallbackRequest struct {
	Class        domain.FailureClass
	AgentKey     string
	Title        string
	Prompt       string
	Package      json.RawMessage
	SourceTaskID string
	ThreadID     string
	Detail       string
}

// EnqueueManualFallbackTask creates a MANUAL_REQUIRED task for a human to
// pick up after a failure. The task is created already finished and carries
// a snapshot of the originating prompt and package. Validation, task and
// audit row commit together or not at all.
func (e Engine) EnqueueManualFallbackTask(ctx context.Context, actorID string, req ManualFallbackRequest) (domain.Task, error) {
	d, err := failure.Decide(req.Class)
	if err != nil {
		return domain.Task{}, err
	}
	if len(req.Package) > 0 && !json.Valid(req.Package) {
		return domain.Task{}, errors.New("fallback package must be valid JSON")
	}
	actor := Actor{Role: domain.RoleHumanOperator, ID: actorID}
	agentKey := strings.TrimSpace(req.AgentKey)
	var source *domain.Task
	if req.SourceTaskID != "" {
		t, err := e.Repo.GetTask(ctx, nil, req.SourceTaskID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("source task %s: %w", req.SourceTaskID, err)
		}
		source = &t
		if agentKey == "" {
			agentKey = t.AgentKey
		}
	}
	if agentKey == "" {
		agentKey = e.Config.Ingress.IntakeAgentKey
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = fmt.Sprintf("Manual follow-up: %s", d.Class)
		if source != nil {
			title = fmt.Sprintf("Manual follow-up for %q: %s", source.Title, d.Class)
		}
	}
	threadID := strPtr(req.ThreadID)
	if threadID == nil && source != nil {
		threadID = source.ThreadID
	}

	taskID := uuid.NewString()
	entry := events.Entry{
		EntityType: events.EntityTask,
		EntityID:   taskID,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     string(lifecycle.ActionEnqueueTask),
		To:         events.State(domain.TaskManualRequired),
		Metadata: map[string]any{
			"failure_class":   string(d.Class),
			"fallback_action": string(d.FallbackAction),
			"source_task_id":  req.SourceTaskID,
		},
	}
	decision := lifecycle.EvaluateTaskTransition(actor.Role, lifecycle.ActionEnqueueTask, lifecycle.None, domain.TaskManualRequired)
	entry.Reason = decision.Reason
	if !decision.Allowed {
		return domain.Task{}, e.deny(ctx, entry)
	}
	entry.Allowed = true

	now := e.nowString()
	errMsg := fmt.Sprintf("manual fallback after %s: %s", d.Class, d.Remediation)
	if req.Detail != "" {
		errMsg = fmt.Sprintf("manual fallback after %s (%s): %s", d.Class, req.Detail, d.Remediation)
	}
	t := domain.Task{
		ID:          taskID,
		AgentKey:    agentKey,
		Title:       title,
		Status:      domain.TaskManualRequired,
		ThreadID:    threadID,
		CreatedByID: strPtr(actorID),
		Error:       &errMsg,
		CreatedAt:   now,
		UpdatedAt:   now,
		FinishedAt:  &now,
		Payload: domain.TaskPayload{
			Source: domain.SourceFallback,
			Fallback: &domain.FallbackSnapshot{
				FailureClass: d.Class,
				Prompt:       req.Prompt,
				Package:      req.Package,
				SourceTaskID: req.SourceTaskID,
			},
		},
	}
	if source != nil {
		t.IssueNumber = source.IssueNumber
		if t.Payload.Fallback.Prompt == "" {
			t.Payload.Fallback.Prompt = source.Title
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert fallback task: %w", err)
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, entry); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition(events.EntityTask, string(lifecycle.ActionEnqueueTask), true)
	e.log().Info("manual fallback task created", "task", t.ID, "class", d.Class, "source", req.SourceTaskID)
	return t, nil
}

// ListFailures lists failure events newest first. Since accepts any RFC3339
// timestamp and is rewritten to the stored layout before comparison.
func (e Engine) ListFailures(ctx context.Context, f repo.FailureFilters) ([]domain.FailureEvent, error) {
	if f.Since != "" {
		since, err := domain.ParseTime(f.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since %q: expected an RFC3339 timestamp", f.Since)
		}
		f.Since = domain.FormatTime(since)
	}
	return e.Repo.ListFailures(ctx, f)
}
