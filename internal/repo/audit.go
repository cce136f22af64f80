package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"switchboard/internal/domain"
)

const auditColumns = `id,entity_type,entity_id,actor_role,actor_id,action,from_state,to_state,allowed,reason,metadata_json,created_at`

func scanAudit(row scanner) (domain.LifecycleAuditEvent, error) {
	var ev domain.LifecycleAuditEvent
	var actorID, from, to, meta sql.NullString
	var allowed int
	err := row.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.ActorRole, &actorID, &ev.Action, &from, &to, &allowed, &ev.Reason, &meta, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.ActorID = actorID.String
	ev.FromState = stringPtr(from)
	ev.ToState = stringPtr(to)
	ev.Allowed = allowed != 0
	if ev.Metadata, err = unmarshalMetadata(meta); err != nil {
		return ev, fmt.Errorf("decode audit %d metadata: %w", ev.ID, err)
	}
	return ev, nil
}

// InsertAudit appends ev and returns its sequence id.
func (r Repo) InsertAudit(ctx context.Context, tx DBTX, ev domain.LifecycleAuditEvent) (int64, error) {
	meta, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode audit metadata: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO lifecycle_audit_events(entity_type,entity_id,actor_role,actor_id,action,from_state,to_state,allowed,reason,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.EntityType, ev.EntityID, ev.ActorRole, nullable(ev.ActorID), ev.Action, nullableStringPtr(ev.FromState), nullableStringPtr(ev.ToState),
		boolInt(ev.Allowed), ev.Reason, meta, ev.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestAudit returns the newest audit row for an entity type.
func (r Repo) LatestAudit(ctx context.Context, tx DBTX, entityType string) (domain.LifecycleAuditEvent, error) {
	return scanAudit(r.q(tx).QueryRowContext(ctx, `SELECT `+auditColumns+` FROM lifecycle_audit_events WHERE entity_type=? ORDER BY id DESC LIMIT 1`, entityType))
}

type AuditFilters struct {
	EntityType string
	EntityID   string
	AfterID    int64
	Limit      int
	// Newest reverses the order to newest first.
	Newest bool
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.LifecycleAuditEvent, error) {
	var clauses []string
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.AfterID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "ASC"
	if f.Newest {
		order = "DESC"
	}
	query := `SELECT ` + auditColumns + ` FROM lifecycle_audit_events ` + where + ` ORDER BY id ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LifecycleAuditEvent
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
