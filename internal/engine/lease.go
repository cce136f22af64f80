package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/repo"
)

// Lease audit actions.
const (
	ActionLeaseAcquire   = "LEASE_ACQUIRE"
	ActionLeaseHeartbeat = "LEASE_HEARTBEAT"
	ActionLeaseRelease   = "LEASE_RELEASE"
)

const minExpiringWindow = 5 * time.Second

var leaseHealthStates = []string{
	string(domain.LeaseUnheld), string(domain.LeaseStale), string(domain.LeaseExpiring), string(domain.LeaseHealthy),
}

// ClassifyLease derives health from wall-clock time alone. ttl is the
// configured lease TTL, used for the EXPIRING window of max(ttl/4, 5s).
func ClassifyLease(l domain.OrchestratorLease, now time.Time, ttl time.Duration) (domain.LeaseHealth, bool, *int64) {
	if l.OwnerID == nil || *l.OwnerID == "" || l.ExpiresAt == nil {
		return domain.LeaseUnheld, false, nil
	}
	expires, err := domain.ParseTime(*l.ExpiresAt)
	if err != nil {
		return domain.LeaseUnheld, false, nil
	}
	ms := expires.Sub(now).Milliseconds()
	window := ttl / 4
	if window < minExpiringWindow {
		window = minExpiringWindow
	}
	switch {
	case ms <= 0:
		return domain.LeaseStale, false, &ms
	case ms <= window.Milliseconds():
		return domain.LeaseExpiring, true, &ms
	default:
		return domain.LeaseHealthy, true, &ms
	}
}

// LeaseSnapshot lazily creates the lease row, then reads it together with the
// latest lease audit entry and classifies its health.
func (e Engine) LeaseSnapshot(ctx context.Context) (domain.LeaseSnapshot, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LeaseSnapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureLease(ctx, tx, domain.FormatTime(now)); err != nil {
		return domain.LeaseSnapshot{}, fmt.Errorf("ensure lease: %w", err)
	}
	snap, err := e.readLease(ctx, tx, now)
	if err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, err
	}
	e.Metrics.LeaseHealth(string(snap.Health), leaseHealthStates...)
	return snap, nil
}

// PeekLease reads the lease without creating it. It never writes.
func (e Engine) PeekLease(ctx context.Context) (domain.LeaseSnapshot, error) {
	now := e.now()
	snap, err := e.readLease(ctx, e.DB, now)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.LeaseSnapshot{
			Lease:  domain.OrchestratorLease{ID: domain.OrchestratorLeaseID},
			Health: domain.LeaseUnheld,
			ReadAt: domain.FormatTime(now),
		}, nil
	}
	return snap, err
}

func (e Engine) readLease(ctx context.Context, q repo.DBTX, now time.Time) (domain.LeaseSnapshot, error) {
	l, err := e.Repo.GetLease(ctx, q)
	if err != nil {
		return domain.LeaseSnapshot{}, err
	}
	health, held, ttlMs := ClassifyLease(l, now, e.Config.LeaseTTL())
	snap := domain.LeaseSnapshot{Lease: l, Health: health, Held: held, TTLMs: ttlMs, ReadAt: domain.FormatTime(now)}
	latest, err := e.Repo.LatestAudit(ctx, q, events.EntityLease)
	if err == nil {
		snap.LatestAudit = &latest
	} else if !errors.Is(err, repo.ErrNotFound) {
		return snap, fmt.Errorf("latest lease audit: %w", err)
	}
	return snap, nil
}

type LeaseRequest struct {
	OwnerID       string
	OwnerHost     string
	OwnerPID      *int
	OwnerAgentKey string
	// TTL defaults to the configured lease TTL and is clamped to [5s, 300s].
	TTL time.Duration
}

func (e Engine) leaseTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.Config.LeaseTTL()
	}
	return config.ClampLeaseTTL(requested)
}

// AcquireLease takes or renews orchestrator authority for req.OwnerID.
func (e Engine) AcquireLease(ctx context.Context, req LeaseRequest) (domain.LeaseSnapshot, error) {
	if req.OwnerID == "" {
		return domain.LeaseSnapshot{}, errors.New("owner_id is required")
	}
	now := e.now()
	ttl := e.leaseTTL(req.TTL)
	expires := domain.FormatTime(now.Add(ttl))
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LeaseSnapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureLease(ctx, tx, domain.FormatTime(now)); err != nil {
		return domain.LeaseSnapshot{}, fmt.Errorf("ensure lease: %w", err)
	}
	ok, err := e.Repo.ClaimLease(ctx, tx, repo.LeaseClaim{
		OwnerID:       req.OwnerID,
		OwnerHost:     req.OwnerHost,
		OwnerPID:      req.OwnerPID,
		OwnerAgentKey: req.OwnerAgentKey,
		Now:           domain.FormatTime(now),
		ExpiresAt:     expires,
	})
	if err != nil {
		return domain.LeaseSnapshot{}, fmt.Errorf("claim lease: %w", err)
	}
	entry := events.Entry{
		EntityType: events.EntityLease,
		EntityID:   domain.OrchestratorLeaseID,
		ActorRole:  domain.RoleOrchestrator,
		ActorID:    req.OwnerID,
		Action:     ActionLeaseAcquire,
		Allowed:    ok,
		Metadata:   map[string]any{"owner_id": req.OwnerID, "ttl_ms": ttl.Milliseconds(), "expires_at": expires},
	}
	if ok {
		entry.Reason = fmt.Sprintf("lease granted to %s until %s", req.OwnerID, expires)
	} else {
		current, err := e.Repo.GetLease(ctx, tx)
		if err != nil {
			return domain.LeaseSnapshot{}, err
		}
		holder := ""
		if current.OwnerID != nil {
			holder = *current.OwnerID
		}
		entry.Reason = fmt.Sprintf("lease held by %s", holder)
		entry.Metadata["holder"] = holder
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, entry); err != nil {
		return domain.LeaseSnapshot{}, err
	}
	snap, err := e.readLease(ctx, tx, now)
	if err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, err
	}
	e.Metrics.Transition(events.EntityLease, ActionLeaseAcquire, ok)
	e.Metrics.LeaseHealth(string(snap.Health), leaseHealthStates...)
	if !ok {
		return snap, fmt.Errorf("%w: %s", ErrLeaseHeld, entry.Reason)
	}
	e.log().Info("lease acquired", "owner", req.OwnerID, "expires_at", expires)
	return snap, nil
}

// HeartbeatLease extends the live lease held by ownerID.
func (e Engine) HeartbeatLease(ctx context.Context, ownerID string, ttl time.Duration) (domain.LeaseSnapshot, error) {
	return e.leaseWrite(ctx, ownerID, ActionLeaseHeartbeat, func(tx repo.DBTX, now time.Time) (bool, map[string]any, error) {
		expires := domain.FormatTime(now.Add(e.leaseTTL(ttl)))
		ok, err := e.Repo.HeartbeatLease(ctx, tx, ownerID, domain.FormatTime(now), expires)
		return ok, map[string]any{"owner_id": ownerID, "expires_at": expires}, err
	})
}

// ReleaseLease gives up the lease if ownerID holds it.
func (e Engine) ReleaseLease(ctx context.Context, ownerID string) (domain.LeaseSnapshot, error) {
	return e.leaseWrite(ctx, ownerID, ActionLeaseRelease, func(tx repo.DBTX, now time.Time) (bool, map[string]any, error) {
		ok, err := e.Repo.ReleaseLease(ctx, tx, ownerID, domain.FormatTime(now))
		return ok, map[string]any{"owner_id": ownerID}, err
	})
}

func (e Engine) leaseWrite(ctx context.Context, ownerID, action string, write func(repo.DBTX, time.Time) (bool, map[string]any, error)) (domain.LeaseSnapshot, error) {
	if ownerID == "" {
		return domain.LeaseSnapshot{}, errors.New("owner_id is required")
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LeaseSnapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureLease(ctx, tx, domain.FormatTime(now)); err != nil {
		return domain.LeaseSnapshot{}, fmt.Errorf("ensure lease: %w", err)
	}
	ok, meta, err := write(tx, now)
	if err != nil {
		return domain.LeaseSnapshot{}, fmt.Errorf("%s: %w", action, err)
	}
	reason := fmt.Sprintf("%s by %s", action, ownerID)
	if !ok {
		reason = fmt.Sprintf("%s rejected: %s does not hold a live lease", action, ownerID)
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, events.Entry{
		EntityType: events.EntityLease,
		EntityID:   domain.OrchestratorLeaseID,
		ActorRole:  domain.RoleOrchestrator,
		ActorID:    ownerID,
		Action:     action,
		Allowed:    ok,
		Reason:     reason,
		Metadata:   meta,
	}); err != nil {
		return domain.LeaseSnapshot{}, err
	}
	snap, err := e.readLease(ctx, tx, now)
	if err != nil {
		return snap, err
	}
	if err := tx.Commit(); err != nil {
		return snap, err
	}
	e.Metrics.Transition(events.EntityLease, action, ok)
	e.Metrics.LeaseHealth(string(snap.Health), leaseHealthStates...)
	if !ok {
		return snap, fmt.Errorf("%w: %s", ErrLeaseNotHeld, ownerID)
	}
	return snap, nil
}

// checkLease returns a denial reason when lease enforcement is on and an
// orchestrator actor does not hold a live lease.
func (e Engine) checkLease(ctx context.Context, actor Actor) (string, error) {
	if !e.Config.Lease.Enforce || actor.Role != domain.RoleOrchestrator {
		return "", nil
	}
	snap, err := e.PeekLease(ctx)
	if err != nil {
		return "", err
	}
	if !snap.Held {
		return fmt.Sprintf("orchestrator lease is %s; acquire it before acting", snap.Health), nil
	}
	if snap.Lease.OwnerID == nil || *snap.Lease.OwnerID != actor.ID {
		return fmt.Sprintf("orchestrator lease is held by another owner, not %s", actor.ID), nil
	}
	return "", nil
}
