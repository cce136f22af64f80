package repo

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
)

const leaseColumns = `id,owner_id,owner_host,owner_pid,owner_agent_key,acquired_at,expires_at,last_heartbeat_at,heartbeat_count,updated_at`

// EnsureLease lazily creates the singleton lease row.
func (r Repo) EnsureLease(ctx context.Context, tx DBTX, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO orchestrator_lease(id,heartbeat_count,updated_at) VALUES (?,0,?)`,
		domain.OrchestratorLeaseID, now)
	return err
}

func (r Repo) GetLease(ctx context.Context, tx DBTX) (domain.OrchestratorLease, error) {
	var l domain.OrchestratorLease
	var ownerID, host, agentKey, acquired, expires, heartbeat sql.NullString
	var pid sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM orchestrator_lease WHERE id=?`, domain.OrchestratorLeaseID).
		Scan(&l.ID, &ownerID, &host, &pid, &agentKey, &acquired, &expires, &heartbeat, &l.HeartbeatCount, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.OwnerID = stringPtr(ownerID)
	l.OwnerHost = stringPtr(host)
	l.OwnerPID = intPtr(pid)
	l.OwnerAgentKey = stringPtr(agentKey)
	l.AcquiredAt = stringPtr(acquired)
	l.ExpiresAt = stringPtr(expires)
	l.LastHeartbeatAt = stringPtr(heartbeat)
	return l, nil
}

// LeaseClaim describes an acquire attempt.
type LeaseClaim struct {
	OwnerID       string
	OwnerHost     string
	OwnerPID      *int
	OwnerAgentKey string
	Now           string
	ExpiresAt     string
}

// ClaimLease takes the lease when it is free, expired, or already held by the
// same owner. It returns false when a live foreign owner holds it.
func (r Repo) ClaimLease(ctx context.Context, tx DBTX, c LeaseClaim) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE orchestrator_lease SET
  acquired_at = CASE WHEN owner_id = ? AND expires_at > ? THEN acquired_at ELSE ? END,
  owner_id=?, owner_host=?, owner_pid=?, owner_agent_key=?, expires_at=?, last_heartbeat_at=?, updated_at=?
WHERE id=? AND (owner_id IS NULL OR owner_id=? OR expires_at IS NULL OR expires_at <= ?)`,
		c.OwnerID, c.Now, c.Now,
		c.OwnerID, nullable(c.OwnerHost), nullableIntPtr(c.OwnerPID), nullable(c.OwnerAgentKey), c.ExpiresAt, c.Now, c.Now,
		domain.OrchestratorLeaseID, c.OwnerID, c.Now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HeartbeatLease extends a live lease held by ownerID and increments the
// heartbeat counter. It returns false if ownerID does not hold a live lease.
func (r Repo) HeartbeatLease(ctx context.Context, tx DBTX, ownerID, now, expiresAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE orchestrator_lease SET expires_at=?, last_heartbeat_at=?, heartbeat_count=heartbeat_count+1, updated_at=?
WHERE id=? AND owner_id=? AND expires_at > ?`,
		expiresAt, now, now, domain.OrchestratorLeaseID, ownerID, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease clears ownership if ownerID holds the lease.
func (r Repo) ReleaseLease(ctx context.Context, tx DBTX, ownerID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE orchestrator_lease SET owner_id=NULL, owner_host=NULL, owner_pid=NULL, owner_agent_key=NULL,
  acquired_at=NULL, expires_at=NULL, updated_at=? WHERE id=? AND owner_id=?`,
		now, domain.OrchestratorLeaseID, ownerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
