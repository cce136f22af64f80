package repo

import (
	"context"
	"database/sql"

	"switchboard/internal/domain"
)

const agentColumns = `key,enabled,runtime,readiness,control_role,last_heartbeat_at,smoke_test_passed_at,created_at,updated_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var enabled int
	var heartbeat, smoke sql.NullString
	err := row.Scan(&a.Key, &enabled, &a.Runtime, &a.Readiness, &a.ControlRole, &heartbeat, &smoke, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Enabled = enabled != 0
	a.LastHeartbeatAt = stringPtr(heartbeat)
	a.SmokeTestPassedAt = stringPtr(smoke)
	return a, nil
}

// GetAgent looks an agent up by key, case-insensitively.
func (r Repo) GetAgent(ctx context.Context, tx DBTX, key string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE key=? COLLATE NOCASE`, key))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertAgent creates a if no agent with the same key exists and reports
// whether a row was written.
func (r Repo) InsertAgent(ctx context.Context, tx DBTX, a domain.Agent) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.Key, boolInt(a.Enabled), a.Runtime, a.Readiness, a.ControlRole,
		nullableStringPtr(a.LastHeartbeatAt), nullableStringPtr(a.SmokeTestPassedAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateAgentProfile rewrites the operator-controlled columns except readiness,
// which only moves through the readiness transition path.
func (r Repo) UpdateAgentProfile(ctx context.Context, tx DBTX, a domain.Agent) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET enabled=?, runtime=?, control_role=?, updated_at=? WHERE key=? COLLATE NOCASE`,
		boolInt(a.Enabled), a.Runtime, a.ControlRole, a.UpdatedAt, a.Key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAgentReadiness(ctx context.Context, tx DBTX, key string, readiness domain.Readiness, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET readiness=?, updated_at=? WHERE key=? COLLATE NOCASE`, readiness, now, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchAgentHeartbeat(ctx context.Context, tx DBTX, key, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET last_heartbeat_at=?, updated_at=? WHERE key=? COLLATE NOCASE`, now, now, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkAgentSmokeTest(ctx context.Context, tx DBTX, key, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET smoke_test_passed_at=?, updated_at=? WHERE key=? COLLATE NOCASE`, now, now, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
