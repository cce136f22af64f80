package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/repo"
)

// Entity types recorded in the lifecycle audit trail.
const (
	EntityTask    = "task"
	EntityAgent   = "agent"
	EntityLease   = "lease"
	EntityFailure = "failure"
	EntityInbound = "inbound_email"
)

// Writer appends audit rows. Both methods must be called with the transaction
// that performs the audited write so the row commits or rolls back with it.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Entry is one attempted transition.
type Entry struct {
	EntityType string
	EntityID   string
	ActorRole  domain.ActorRole
	ActorID    string
	Action     string
	From       *string
	To         *string
	Allowed    bool
	Reason     string
	Metadata   map[string]any
}

func (w Writer) now() string {
	if w.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(w.Now())
}

func (w Writer) AppendLifecycle(ctx context.Context, tx repo.DBTX, e Entry) (domain.LifecycleAuditEvent, error) {
	if tx == nil {
		return domain.LifecycleAuditEvent{}, fmt.Errorf("audit append requires a transaction")
	}
	if e.Reason == "" {
		return domain.LifecycleAuditEvent{}, fmt.Errorf("audit reason required for %s %s", e.EntityType, e.Action)
	}
	ev := domain.LifecycleAuditEvent{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorRole:  e.ActorRole,
		ActorID:    e.ActorID,
		Action:     e.Action,
		FromState:  e.From,
		ToState:    e.To,
		Allowed:    e.Allowed,
		Reason:     e.Reason,
		Metadata:   e.Metadata,
		CreatedAt:  w.now(),
	}
	id, err := w.Repo.InsertAudit(ctx, tx, ev)
	if err != nil {
		return ev, fmt.Errorf("append audit: %w", err)
	}
	ev.ID = id
	return ev, nil
}

// AppendFailure stores f, filling ID and CreatedAt when empty.
func (w Writer) AppendFailure(ctx context.Context, tx repo.DBTX, f domain.FailureEvent) (domain.FailureEvent, error) {
	if tx == nil {
		return f, fmt.Errorf("failure append requires a transaction")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt == "" {
		f.CreatedAt = w.now()
	}
	if err := w.Repo.InsertFailure(ctx, tx, f); err != nil {
		return f, fmt.Errorf("append failure event: %w", err)
	}
	return f, nil
}

// State converts a status into the nullable form used by audit rows.
func State[S ~string](s S) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}
