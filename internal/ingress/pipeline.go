// Package ingress turns inbound emails into tasks. Processing is idempotent
// per external message id and retries transient delivery failures with a
// capped exponential backoff before dead-lettering.
package ingress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/events"
	"switchboard/internal/metrics"
	"switchboard/internal/repo"
)

const ChannelEmail = "email"

// ErrUnsupportedChannel is a client input error; it is never retried.
var ErrUnsupportedChannel = errors.New("unsupported ingress channel")

// Failure codes stored on inbound events.
const (
	CodeTransient       = "TRANSIENT_ERROR"
	CodeProcessing      = "PROCESSING_ERROR"
	CodeRetryExhausted  = "RETRY_EXHAUSTED"
	CodeSenderForbidden = "SENDER_NOT_AUTHORIZED"
	CodeCancelled       = "RETRY_CANCELLED"
)

// Audit actions on inbound_email entities.
const (
	ActionAuthorize  = "INGRESS_AUTHORIZE_SENDER"
	ActionRetry      = "INGRESS_SCHEDULE_RETRY"
	ActionEnqueue    = "INGRESS_ENQUEUE"
	ActionDeadLetter = "INGRESS_DEAD_LETTER"
)

type Sender struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Email is the normalized inbound document.
type Email struct {
	Channel     string         `json:"channel"`
	MessageID   string         `json:"message_id,omitempty"`
	From        Sender         `json:"from"`
	Subject     string         `json:"subject,omitempty"`
	Text        string         `json:"text,omitempty"`
	IssueNumber *int           `json:"issue_number,omitempty"`
	AgentKey    string         `json:"agent_key,omitempty"`
	Command     string         `json:"command,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Result struct {
	Accepted bool                 `json:"accepted"`
	Status   domain.InboundStatus `json:"status"`
	EventID  string               `json:"event_id"`
	ThreadID string               `json:"thread_id,omitempty"`
	TaskID   string               `json:"task_id,omitempty"`
	Reason   string               `json:"reason"`
}

// HTTPStatus maps a processing outcome to the response code.
func HTTPStatus(s domain.InboundStatus) int {
	switch s {
	case domain.InboundEnqueued:
		return http.StatusAccepted
	case domain.InboundBlocked:
		return http.StatusForbidden
	case domain.InboundDeadLetter:
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

// Deliverer creates the thread and task for an authorized email.
type Deliverer interface {
	DeliverEmail(ctx context.Context, d engine.EmailDelivery) (engine.DeliveryResult, error)
}

type Pipeline struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Deliverer Deliverer
	Config    *config.Config
	Now       func() time.Time
	// Sleep waits between attempts. It returns early with ctx's error.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// New wires a pipeline that delivers through eng.
func New(eng engine.Engine) *Pipeline {
	return &Pipeline{
		DB:        eng.DB,
		Repo:      eng.Repo,
		Events:    eng.Events,
		Deliverer: eng,
		Config:    eng.Config,
		Now:       eng.Now,
		Logger:    eng.Logger,
		Metrics:   eng.Metrics,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newBackOff returns the retry schedule min(base*2^(n-1), maxDelay) without
// jitter and without an elapsed-time limit.
func newBackOff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryDelay is the wait after failed attempt n (1-based).
func RetryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	b := newBackOff(base, maxDelay)
	d := base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Process runs one inbound email through authorization, target resolution
// and delivery. Retries sleep in the calling goroutine.
func (p *Pipeline) Process(ctx context.Context, in Email) (Result, error) {
	if in.Channel != ChannelEmail {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedChannel, in.Channel)
	}
	sender := normalizeSender(in.From)
	msgID := strings.TrimSpace(in.MessageID)

	if msgID != "" {
		prior, err := p.Repo.GetInboundByMessageID(ctx, nil, msgID)
		switch {
		case err == nil && prior.Status == domain.InboundEnqueued:
			p.log().Info("duplicate inbound email", "event", prior.ID, "message_id", msgID)
			return resultOf(prior, "duplicate message already enqueued"), nil
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return Result{}, fmt.Errorf("lookup inbound %s: %w", msgID, err)
		}
	}

	now := domain.FormatTime(p.now())
	ev, err := p.Repo.UpsertInbound(ctx, nil, domain.InboundEmailEvent{
		ID:                uuid.NewString(),
		ExternalMessageID: strPtr(msgID),
		Channel:           ChannelEmail,
		SenderEmail:       sender.Email,
		SenderName:        sender.Name,
		Subject:           in.Subject,
		BodyText:          in.Text,
		Status:            domain.InboundReceived,
		MaxAttempts:       p.Config.Ingress.MaxAttempts,
		Metadata:          in.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("store inbound email: %w", err)
	}

	ok, reason := p.authorize(sender.Email)
	ev.Authorized = ok
	ev.AuthorizationNote = reason
	if !ok {
		ev.Status = domain.InboundBlocked
		ev.LastFailureCode = strPtr(CodeSenderForbidden)
		ev.LastFailureMessage = strPtr(reason)
		if err := p.persist(ctx, &ev, ActionAuthorize, false, reason); err != nil {
			return Result{}, err
		}
		return resultOf(ev, reason), nil
	}

	target := resolveTarget(in)
	delivery := engine.EmailDelivery{
		EventID:     ev.ID,
		MessageID:   msgID,
		SenderEmail: sender.Email,
		SenderName:  sender.Name,
		Subject:     in.Subject,
		Body:        in.Text,
		AgentKey:    target.AgentKey,
		Title:       target.Title,
		IssueNumber: in.IssueNumber,
		Metadata:    map[string]any{"target_source": target.Source},
	}
	for k, v := range in.Metadata {
		delivery.Metadata[k] = v
	}

	schedule := newBackOff(p.Config.RetryBase(), p.Config.RetryMax())
	maxAttempts := ev.MaxAttempts
	for attempt := 1; ; attempt++ {
		ev.AttemptCount = attempt
		res, derr := p.Deliverer.DeliverEmail(ctx, delivery)
		if derr == nil {
			ev.Status = domain.InboundEnqueued
			ev.NextAttemptAt = nil
			ev.ThreadID = strPtr(res.ThreadID)
			ev.TaskID = strPtr(res.Task.ID)
			note := fmt.Sprintf("enqueued task %s for %s (%s)", res.Task.ID, res.Task.AgentKey, res.Task.Status)
			if err := p.persist(ctx, &ev, ActionEnqueue, true, note); err != nil {
				return Result{}, err
			}
			return resultOf(ev, note), nil
		}

		retryable := IsTransient(derr)
		if retryable && attempt < maxAttempts {
			delay := schedule.NextBackOff()
			next := domain.FormatTime(p.now().Add(delay))
			ev.Status = domain.InboundRetryScheduled
			ev.NextAttemptAt = &next
			ev.LastFailureCode = strPtr(CodeTransient)
			ev.LastFailureMessage = strPtr(derr.Error())
			note := fmt.Sprintf("attempt %d/%d failed, retrying in %s: %v", attempt, maxAttempts, delay, derr)
			if err := p.persist(ctx, &ev, ActionRetry, true, note); err != nil {
				return Result{}, err
			}
			p.Metrics.IngressRetry()
			p.log().Warn("inbound delivery retry", "event", ev.ID, "attempt", attempt, "delay", delay, "err", derr)
			if err := p.sleep(ctx, delay); err != nil {
				return p.cancelRetry(ctx, &ev, attempt, err)
			}
			continue
		}

		code := CodeProcessing
		if retryable {
			code = CodeRetryExhausted
		}
		ev.Status = domain.InboundDeadLetter
		ev.NextAttemptAt = nil
		ev.LastFailureCode = strPtr(code)
		ev.LastFailureMessage = strPtr(derr.Error())
		note := fmt.Sprintf("%s after %d attempt(s): %v", code, attempt, derr)
		if err := p.persist(ctx, &ev, ActionDeadLetter, false, note); err != nil {
			return Result{}, err
		}
		p.log().Error("inbound email dead-lettered", "event", ev.ID, "code", code, "err", derr)
		return resultOf(ev, note), nil
	}
}

// cancelRetry dead-letters an event whose backoff wait was interrupted so it
// does not stay RETRY_SCHEDULED with nobody left to retry it.
func (p *Pipeline) cancelRetry(ctx context.Context, ev *domain.InboundEmailEvent, attempt int, cause error) (Result, error) {
	ev.Status = domain.InboundDeadLetter
	ev.NextAttemptAt = nil
	ev.LastFailureCode = strPtr(CodeCancelled)
	ev.LastFailureMessage = strPtr(cause.Error())
	note := fmt.Sprintf("%s after %d attempt(s): %v", CodeCancelled, attempt, cause)
	if err := p.persist(context.WithoutCancel(ctx), ev, ActionDeadLetter, false, note); err != nil {
		return Result{}, errors.Join(cause, err)
	}
	p.log().Warn("inbound retry cancelled", "event", ev.ID, "attempt", attempt, "err", cause)
	return resultOf(*ev, note), cause
}

// persist writes the event state and its audit row together.
func (p *Pipeline) persist(ctx context.Context, ev *domain.InboundEmailEvent, action string, allowed bool, reason string) error {
	ev.UpdatedAt = domain.FormatTime(p.now())
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpdateInbound(ctx, tx, *ev); err != nil {
		return fmt.Errorf("update inbound %s: %w", ev.ID, err)
	}
	if _, err := p.Events.AppendLifecycle(ctx, tx, events.Entry{
		EntityType: events.EntityInbound,
		EntityID:   ev.ID,
		ActorRole:  domain.RoleOrchestrator,
		ActorID:    "ingress",
		Action:     action,
		To:         events.State(ev.Status),
		Allowed:    allowed,
		Reason:     reason,
		Metadata:   map[string]any{"sender": ev.SenderEmail, "attempt": ev.AttemptCount},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Metrics.Ingress(ev.Channel, string(ev.Status))
	return nil
}

// authorize applies the deny list, then the allow list when trusted senders
// are required. Allow and deny entries may be full addresses or "@domain".
func (p *Pipeline) authorize(email string) (bool, string) {
	if email == "" {
		return false, "sender email is required"
	}
	if matchSender(p.Config.Ingress.BlockedSenders, email) {
		return false, fmt.Sprintf("sender %s is blocked", email)
	}
	if matchSender(p.Config.Ingress.TrustedSenders, email) {
		return true, "sender is trusted"
	}
	if p.Config.RequireTrusted() {
		return false, fmt.Sprintf("sender %s is not in the trusted sender list", email)
	}
	return true, "trusted senders not required"
}

func matchSender(list []string, email string) bool {
	domainPart := ""
	if i := strings.LastIndex(email, "@"); i >= 0 {
		domainPart = email[i:]
	}
	for _, entry := range list {
		if entry == email || (strings.HasPrefix(entry, "@") && entry == domainPart) {
			return true
		}
	}
	return false
}

func normalizeSender(s Sender) Sender {
	raw := strings.TrimSpace(s.Email)
	name := strings.TrimSpace(s.Name)
	if addr, err := mail.ParseAddress(raw); err == nil {
		raw = addr.Address
		if name == "" {
			name = addr.Name
		}
	}
	return Sender{Email: strings.ToLower(raw), Name: name}
}

var transientPattern = regexp.MustCompile(`(?i)(timeout|timed out|etimedout|econnreset|econnrefused|eai_again|network|temporar|connection reset|connection refused|socket hang up|unavailable|database is locked|busy)`)

// IsTransient reports whether a delivery error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var denied *engine.PolicyDeniedError
	if errors.As(err, &denied) {
		return false
	}
	return transientPattern.MatchString(err.Error())
}

func resultOf(ev domain.InboundEmailEvent, reason string) Result {
	return Result{
		Accepted: ev.Status == domain.InboundEnqueued,
		Status:   ev.Status,
		EventID:  ev.ID,
		ThreadID: derefString(ev.ThreadID),
		TaskID:   derefString(ev.TaskID),
		Reason:   reason,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
