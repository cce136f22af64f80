package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"switchboard/internal/domain"
)

const failureColumns = `id,failure_class,severity,fallback_action,remediation,project_id,task_id,thread_id,lease_id,context_ref,detail,metadata_json,created_at`

func scanFailure(row scanner) (domain.FailureEvent, error) {
	var f domain.FailureEvent
	var project, task, thread, lease, ctxRef, detail, meta sql.NullString
	err := row.Scan(&f.ID, &f.FailureClass, &f.Severity, &f.FallbackAction, &f.Remediation, &project, &task, &thread, &lease, &ctxRef, &detail, &meta, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.ProjectID = stringPtr(project)
	f.TaskID = stringPtr(task)
	f.ThreadID = stringPtr(thread)
	f.LeaseID = stringPtr(lease)
	f.ContextRef = stringPtr(ctxRef)
	f.Detail = detail.String
	if f.Metadata, err = unmarshalMetadata(meta); err != nil {
		return f, fmt.Errorf("decode failure %s metadata: %w", f.ID, err)
	}
	return f, nil
}

func (r Repo) InsertFailure(ctx context.Context, tx DBTX, f domain.FailureEvent) error {
	meta, err := marshalMetadata(f.Metadata)
	if err != nil {
		return fmt.Errorf("encode failure metadata: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO failure_events(`+failureColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.FailureClass, f.Severity, f.FallbackAction, f.Remediation,
		nullableStringPtr(f.ProjectID), nullableStringPtr(f.TaskID), nullableStringPtr(f.ThreadID), nullableStringPtr(f.LeaseID),
		nullableStringPtr(f.ContextRef), nullable(f.Detail), meta, f.CreatedAt)
	return err
}

type FailureFilters struct {
	Classes []domain.FailureClass
	Since   string
	Limit   int
}

// ListFailures returns failure events newest first.
func (r Repo) ListFailures(ctx context.Context, f FailureFilters) ([]domain.FailureEvent, error) {
	var clauses []string
	var args []any
	if len(f.Classes) > 0 {
		marks := make([]string, len(f.Classes))
		for i, c := range f.Classes {
			marks[i] = "?"
			args = append(args, c)
		}
		clauses = append(clauses, "failure_class IN ("+strings.Join(marks, ",")+")")
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + failureColumns + ` FROM failure_events ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FailureEvent
	for rows.Next() {
		ev, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CountFailuresByClass counts failure events created at or after since.
func (r Repo) CountFailuresByClass(ctx context.Context, since string) (map[domain.FailureClass]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT failure_class, COUNT(*) FROM failure_events WHERE created_at >= ? GROUP BY failure_class`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.FailureClass]int{}
	for rows.Next() {
		var class domain.FailureClass
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		res[class] = n
	}
	return res, rows.Err()
}
