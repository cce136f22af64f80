package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/judgement"
	"switchboard/internal/lifecycle"
	"switchboard/internal/repo"
)

const emailChannel = "email"

// EmailDelivery is an authorized inbound email ready to become a task.
type EmailDelivery struct {
	EventID     string
	MessageID   string
	SenderEmail string
	SenderName  string
	Subject     string
	Body        string
	// AgentKey is the resolved target; empty routes to the intake agent.
	AgentKey    string
	Title       string
	IssueNumber *int
	Metadata    map[string]any
}

type DeliveryResult struct {
	ThreadID  string           `json:"thread_id"`
	Task      domain.Task      `json:"task"`
	Judgement judgement.Result `json:"judgement"`
	// Reused is set when the event already produced a task.
	Reused bool `json:"reused"`
}

// DeliverEmail documents the email in a new chat thread and enqueues its task
// through the admission gate. Thread, message, task and audit row are
// written in one transaction. A task already created for the same event is
// returned instead of creating another one.
func (e Engine) DeliverEmail(ctx context.Context, d EmailDelivery) (DeliveryResult, error) {
	if d.EventID == "" {
		return DeliveryResult{}, errors.New("delivery requires an event id")
	}
	existing, err := e.Repo.FindTaskByInboundEvent(ctx, nil, d.EventID)
	if err == nil {
		return DeliveryResult{ThreadID: derefString(existing.ThreadID), Task: existing, Reused: true}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return DeliveryResult{}, fmt.Errorf("lookup task for inbound %s: %w", d.EventID, err)
	}

	actor := Actor{Role: domain.RoleHumanOperator, ID: "email:" + strings.ToLower(d.SenderEmail)}
	agentKey := strings.TrimSpace(d.AgentKey)
	if agentKey == "" {
		if err := e.ensureIntake(ctx, actor); err != nil {
			return DeliveryResult{}, err
		}
		agentKey = e.Config.Ingress.IntakeAgentKey
	}
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = triageTitle(d)
	}

	threadID := uuid.NewString()
	p, err := e.planEnqueue(ctx, actor, EnqueueRequest{
		AgentKey:    agentKey,
		Title:       title,
		IssueNumber: d.IssueNumber,
		ThreadID:    &threadID,
		Action:      lifecycle.ActionEnqueueTask,
		Payload: domain.TaskPayload{
			Source:  domain.SourceEmail,
			Command: title,
			Email: &domain.EmailRef{
				EventID:     d.EventID,
				MessageID:   d.MessageID,
				SenderEmail: d.SenderEmail,
				Subject:     d.Subject,
			},
		},
	})
	if err != nil {
		return DeliveryResult{}, err
	}
	taskID := uuid.NewString()
	if !p.decision.Allowed {
		return DeliveryResult{Judgement: p.gate}, e.deny(ctx, p.entry(actor, taskID))
	}

	now := e.nowString()
	threadTitle := d.Subject
	if strings.TrimSpace(threadTitle) == "" {
		threadTitle = "Email from " + d.SenderEmail
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeliveryResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertThread(ctx, tx, domain.ChatThread{ID: threadID, Title: threadTitle, Channel: emailChannel, CreatedAt: now}); err != nil {
		return DeliveryResult{}, fmt.Errorf("insert thread: %w", err)
	}
	meta := map[string]any{"inbound_event_id": d.EventID, "subject": d.Subject}
	if d.MessageID != "" {
		meta["message_id"] = d.MessageID
	}
	for k, v := range d.Metadata {
		if _, ok := meta[k]; !ok {
			meta[k] = v
		}
	}
	author := d.SenderEmail
	if d.SenderName != "" {
		author = fmt.Sprintf("%s <%s>", d.SenderName, d.SenderEmail)
	}
	if err := e.Repo.InsertMessage(ctx, tx, domain.ChatMessage{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Author:    author,
		Body:      d.Body,
		Metadata:  meta,
		CreatedAt: now,
	}); err != nil {
		return DeliveryResult{}, fmt.Errorf("insert message: %w", err)
	}
	t, err := e.insertPlannedTask(ctx, tx, actor, p, taskID)
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeliveryResult{}, err
	}
	e.afterEnqueue(p, t)
	return DeliveryResult{ThreadID: threadID, Task: t, Judgement: p.gate}, nil
}

func (e Engine) ensureIntake(ctx context.Context, actor Actor) error {
	if _, err := e.Repo.GetAgent(ctx, nil, e.Config.Ingress.IntakeAgentKey); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.ensureIntakeAgent(ctx, tx, actor); err != nil {
		return err
	}
	return tx.Commit()
}

func triageTitle(d EmailDelivery) string {
	if s := strings.TrimSpace(d.Subject); s != "" {
		return "Triage email: " + s
	}
	return "Triage email from " + d.SenderEmail
}
