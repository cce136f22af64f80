package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/judgement"
	"switchboard/internal/lifecycle"
	"switchboard/internal/repo"
)

// EnqueueRequest proposes a new task.
type EnqueueRequest struct {
	AgentKey    string
	Title       string
	Payload     domain.TaskPayload
	IssueNumber *int
	ThreadID    *string
	// Action is ENQUEUE_TASK (default) or ROUTE_HANDOFF_TASK.
	Action lifecycle.Action
}

type EnqueueResult struct {
	Task      domain.Task      `json:"task"`
	Judgement judgement.Result `json:"judgement"`
}

// enqueuePlan is an admission decision taken before any write.
type enqueuePlan struct {
	req      EnqueueRequest
	agent    *domain.Agent
	gate     judgement.Result
	decision lifecycle.Decision
}

func (e Engine) planEnqueue(ctx context.Context, actor Actor, req EnqueueRequest) (enqueuePlan, error) {
	if req.Action == "" {
		req.Action = lifecycle.ActionEnqueueTask
	}
	req.AgentKey = strings.TrimSpace(req.AgentKey)
	p := enqueuePlan{req: req}
	if req.AgentKey != "" {
		a, err := e.Repo.GetAgent(ctx, nil, req.AgentKey)
		switch {
		case err == nil:
			p.agent = &a
			p.req.AgentKey = a.Key
		case !errors.Is(err, repo.ErrNotFound):
			return p, fmt.Errorf("load agent %s: %w", req.AgentKey, err)
		}
	}
	p.gate = judgement.Evaluate(judgement.Proposal{AgentKey: req.AgentKey, Title: req.Title, Agent: p.agent})
	p.decision = lifecycle.EvaluateTaskTransition(actor.Role, req.Action, lifecycle.None, p.gate.Status)
	if p.decision.Allowed {
		reason, err := e.checkLease(ctx, actor)
		if err != nil {
			return p, err
		}
		if reason != "" {
			p.decision = lifecycle.Decision{Reason: reason}
		}
	}
	return p, nil
}

func (p enqueuePlan) entry(actor Actor, taskID string) events.Entry {
	return events.Entry{
		EntityType: events.EntityTask,
		EntityID:   taskID,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     string(p.req.Action),
		To:         events.State(p.gate.Status),
		Allowed:    p.decision.Allowed,
		Reason:     p.decision.Reason,
		Metadata: map[string]any{
			"agent_key":          p.req.AgentKey,
			"judgement_decision": p.gate.Decision,
			"judgement_policy":   p.gate.PolicyID,
			"judgement_reason":   p.gate.Reason,
		},
	}
}

// EnqueueTask runs the admission gate and creates the task in the status the
// gate selects (QUEUED or MANUAL_REQUIRED).
func (e Engine) EnqueueTask(ctx context.Context, actor Actor, req EnqueueRequest) (EnqueueResult, error) {
	p, err := e.planEnqueue(ctx, actor, req)
	if err != nil {
		return EnqueueResult{}, err
	}
	taskID := uuid.NewString()
	if !p.decision.Allowed {
		return EnqueueResult{Judgement: p.gate}, e.deny(ctx, p.entry(actor, taskID))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, err
	}
	defer tx.Rollback()
	t, err := e.insertPlannedTask(ctx, tx, actor, p, taskID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, err
	}
	e.afterEnqueue(p, t)
	return EnqueueResult{Task: t, Judgement: p.gate}, nil
}

func (e Engine) insertPlannedTask(ctx context.Context, tx repo.DBTX, actor Actor, p enqueuePlan, taskID string) (domain.Task, error) {
	now := e.nowString()
	t := domain.Task{
		ID:          taskID,
		AgentKey:    p.req.AgentKey,
		Title:       strings.TrimSpace(p.req.Title),
		Status:      p.gate.Status,
		Payload:     p.req.Payload,
		IssueNumber: p.req.IssueNumber,
		ThreadID:    p.req.ThreadID,
		CreatedByID: strPtr(actor.ID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.Payload.Judgement = p.gate.Record()
	if p.gate.Allowed {
		t.Error = p.gate.InfoError
	} else {
		t.Error = strPtr(fmt.Sprintf("%s: %s", p.gate.PolicyID, p.gate.Reason))
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, p.entry(actor, t.ID)); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) afterEnqueue(p enqueuePlan, t domain.Task) {
	e.Metrics.GateDecision(p.gate.Decision, p.gate.PolicyID)
	e.Metrics.Transition(events.EntityTask, string(p.req.Action), true)
	e.log().Info("task enqueued", "task", t.ID, "agent", t.AgentKey, "status", t.Status, "decision", p.gate.Decision)
}

// transition is one lifecycle move of an existing task.
type transition struct {
	action lifecycle.Action
	to     domain.TaskStatus
	reason string
	// mutate adjusts the task before it is written.
	mutate func(t *domain.Task, now string)
	// after runs inside the write transaction once the task row is updated.
	after func(ctx context.Context, tx repo.DBTX, t domain.Task) error
}

func (e Engine) transitionTask(ctx context.Context, actor Actor, id string, tr transition) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return t, err
	}
	from := t.Status
	decision := lifecycle.EvaluateTaskTransition(actor.Role, tr.action, from, tr.to)
	if decision.Allowed {
		reason, err := e.checkLease(ctx, actor)
		if err != nil {
			return t, err
		}
		if reason != "" {
			decision = lifecycle.Decision{Reason: reason}
		}
	}
	entry := events.Entry{
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     string(tr.action),
		From:       events.State(from),
		To:         events.State(tr.to),
		Reason:     decision.Reason,
	}
	if tr.reason != "" {
		entry.Metadata = map[string]any{"note": tr.reason}
	}
	if !decision.Allowed {
		return t, e.deny(ctx, entry)
	}
	entry.Allowed = true

	now := e.nowString()
	t.Status = tr.to
	t.UpdatedAt = now
	if tr.mutate != nil {
		tr.mutate(&t, now)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskState(ctx, tx, t, from); err != nil {
		return t, err
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, entry); err != nil {
		return t, err
	}
	if tr.after != nil {
		if err := tr.after(ctx, tx, t); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.Metrics.Transition(events.EntityTask, string(tr.action), true)
	e.log().Info("task transition", "task", t.ID, "action", tr.action, "from", from, "to", tr.to)
	return t, nil
}

// ClaimTask moves a queued task to RUNNING and counts the attempt.
func (e Engine) ClaimTask(ctx context.Context, actor Actor, id string) (domain.Task, error) {
	return e.transitionTask(ctx, actor, id, transition{
		action: lifecycle.ActionClaimTask,
		to:     domain.TaskRunning,
		mutate: func(t *domain.Task, now string) {
			t.Attempts++
			t.StartedAt = &now
			t.FinishedAt = nil
		},
	})
}

func (e Engine) CompleteTask(ctx context.Context, actor Actor, id string) (domain.Task, error) {
	return e.transitionTask(ctx, actor, id, transition{
		action: lifecycle.ActionCompleteTask,
		to:     domain.TaskDone,
		mutate: func(t *domain.Task, now string) {
			t.FinishedAt = &now
			t.Error = nil
		},
	})
}

// RetryTask returns a running task to the queue, keeping reason as its error.
func (e Engine) RetryTask(ctx context.Context, actor Actor, id, reason string) (domain.Task, error) {
	return e.transitionTask(ctx, actor, id, transition{
		action: lifecycle.ActionRetryTask,
		to:     domain.TaskQueued,
		reason: reason,
		mutate: func(t *domain.Task, now string) {
			t.StartedAt = nil
			if reason != "" {
				t.Error = &reason
			}
		},
	})
}

func (e Engine) DeadLetterTask(ctx context.Context, actor Actor, id, reason string) (domain.Task, error) {
	return e.transitionTask(ctx, actor, id, transition{
		action: lifecycle.ActionDeadLetterTask,
		to:     domain.TaskDeadLetter,
		reason: reason,
		mutate: func(t *domain.Task, now string) {
			t.FinishedAt = &now
			if reason != "" {
				t.Error = &reason
			}
		},
	})
}

// ForceManualRequired is the admin override that hands a queued or running
// task to a human.
func (e Engine) ForceManualRequired(ctx context.Context, actor Actor, id, reason string) (domain.Task, error) {
	if reason == "" {
		reason = "forced to MANUAL_REQUIRED by admin override"
	}
	return e.transitionTask(ctx, actor, id, transition{
		action: lifecycle.ActionForceManualRequired,
		to:     domain.TaskManualRequired,
		reason: reason,
		mutate: func(t *domain.Task, now string) {
			t.Error = &reason
		},
	})
}

// FailTask records an execution failure of a running task. The task is
// retried while attempts remain; otherwise it is dead-lettered and an
// EXECUTION_RETRY_EXHAUSTED failure is recorded with it.
func (e Engine) FailTask(ctx context.Context, actor Actor, id, errMsg string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return t, err
	}
	if errMsg == "" {
		errMsg = "execution failed"
	}
	if t.Attempts < e.Config.Tasks.MaxAttempts {
		return e.RetryTask(ctx, actor, id, fmt.Sprintf("attempt %d/%d failed: %s", t.Attempts, e.Config.Tasks.MaxAttempts, errMsg))
	}
	reason := fmt.Sprintf("retry exhausted after %d attempts: %s", t.Attempts, errMsg)
	return e.transitionTask(ctx, actor, id, transition{
		action: lifecycle.ActionDeadLetterTask,
		to:     domain.TaskDeadLetter,
		reason: reason,
		mutate: func(t *domain.Task, now string) {
			t.FinishedAt = &now
			t.Error = &reason
		},
		after: func(ctx context.Context, tx repo.DBTX, t domain.Task) error {
			_, err := e.recordFailureTx(ctx, tx, actor, FailureInput{
				Class:    domain.FailureExecutionRetryExhausted,
				TaskID:   t.ID,
				ThreadID: derefString(t.ThreadID),
				Detail:   reason,
				Metadata: map[string]any{"attempts": t.Attempts},
			})
			return err
		},
	})
}

// RecoverStaleRunning requeues every task that has been RUNNING longer than
// the stale threshold and records a STALE_RUNNING_DETECTED failure for each.
// Tasks that change concurrently are skipped.
func (e Engine) RecoverStaleRunning(ctx context.Context, actor Actor) ([]domain.Task, error) {
	cutoff := domain.FormatTime(e.now().Add(-e.Config.StaleRunningThreshold()))
	stale, err := e.Repo.ListRunningStartedBefore(ctx, nil, cutoff, 0)
	if err != nil {
		return nil, err
	}
	var recovered []domain.Task
	for _, s := range stale {
		startedAt := s.UpdatedAt
		if s.StartedAt != nil {
			startedAt = *s.StartedAt
		}
		note := fmt.Sprintf("running since %s exceeded stale threshold of %s", startedAt, e.Config.StaleRunningThreshold())
		t, err := e.transitionTask(ctx, actor, s.ID, transition{
			action: lifecycle.ActionRecoverStaleRunning,
			to:     domain.TaskQueued,
			reason: note,
			mutate: func(t *domain.Task, now string) {
				t.StartedAt = nil
				t.Error = &note
			},
			after: func(ctx context.Context, tx repo.DBTX, t domain.Task) error {
				_, err := e.recordFailureTx(ctx, tx, actor, FailureInput{
					Class:    domain.FailureStaleRunningDetected,
					TaskID:   t.ID,
					ThreadID: derefString(t.ThreadID),
					Detail:   note,
				})
				return err
			},
		})
		if err != nil {
			var denied *PolicyDeniedError
			if errors.As(err, &denied) {
				return recovered, err
			}
			if errors.Is(err, repo.ErrConflict) {
				e.log().Warn("stale task changed during recovery", "task", s.ID)
				continue
			}
			return recovered, err
		}
		recovered = append(recovered, t)
	}
	return recovered, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
