package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/metrics"
	"switchboard/internal/repo"
)

var (
	// ErrLeaseHeld is returned when a live lease belongs to another owner.
	ErrLeaseHeld = errors.New("orchestrator lease held by another owner")
	// ErrLeaseNotHeld is returned when the caller does not hold a live lease.
	ErrLeaseNotHeld = errors.New("orchestrator lease not held")
)

// PolicyDeniedError reports a transition refused by lifecycle policy. The
// denial has already been written to the audit trail as AuditID.
type PolicyDeniedError struct {
	Action  string
	Reason  string
	AuditID int64
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Reason)
}

// Actor is the identity a transition is performed under.
type Actor struct {
	Role domain.ActorRole
	ID   string
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Executor Executor
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

// WithClock returns a copy of e whose engine and audit writer read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) nowString() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// deny writes a denied audit row in its own transaction and returns the
// matching PolicyDeniedError.
func (e Engine) deny(ctx context.Context, entry events.Entry) error {
	entry.Allowed = false
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ev, err := e.Events.AppendLifecycle(ctx, tx, entry)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.Transition(entry.EntityType, entry.Action, false)
	e.log().Info("transition denied", "entity", entry.EntityType, "id", entry.EntityID, "action", entry.Action,
		"role", entry.ActorRole, "reason", entry.Reason)
	return &PolicyDeniedError{Action: entry.Action, Reason: entry.Reason, AuditID: ev.ID}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
