package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"switchboard/internal/domain"
)

const taskColumns = `id,agent_key,title,status,payload_json,issue_number,thread_id,created_by_id,error,attempts,created_at,updated_at,started_at,finished_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var payload string
	var issue sql.NullInt64
	var threadID, createdBy, errText, startedAt, finishedAt sql.NullString
	err := row.Scan(&t.ID, &t.AgentKey, &t.Title, &t.Status, &payload, &issue, &threadID, &createdBy, &errText,
		&t.Attempts, &t.CreatedAt, &t.UpdatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			return t, fmt.Errorf("decode payload of task %s: %w", t.ID, err)
		}
	}
	t.IssueNumber = intPtr(issue)
	t.ThreadID = stringPtr(threadID)
	t.CreatedByID = stringPtr(createdBy)
	t.Error = stringPtr(errText)
	t.StartedAt = stringPtr(startedAt)
	t.FinishedAt = stringPtr(finishedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx DBTX, t domain.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentKey, t.Title, t.Status, string(payload), nullableIntPtr(t.IssueNumber), nullableStringPtr(t.ThreadID),
		nullableStringPtr(t.CreatedByID), nullableStringPtr(t.Error), t.Attempts, t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt))
	return err
}

// UpdateTaskState writes the mutable lifecycle columns of t. The update is
// conditional on the row still being in expected, so two writers racing on one
// task cannot both win.
func (r Repo) UpdateTaskState(ctx context.Context, tx DBTX, t domain.Task, expected domain.TaskStatus) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, payload_json=?, error=?, attempts=?, updated_at=?, started_at=?, finished_at=? WHERE id=? AND status=?`,
		t.Status, string(payload), nullableStringPtr(t.Error), t.Attempts, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt), t.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is no longer %s: %w", t.ID, expected, ErrConflict)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx DBTX, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status          string
	AgentKey        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AgentKey != "" {
		clauses = append(clauses, "agent_key=?")
		args = append(args, f.AgentKey)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, r.DB, query, args...)
}

// ListRunningStartedBefore returns RUNNING tasks whose started_at (or
// updated_at when never started) is at or before cutoff, oldest first.
func (r Repo) ListRunningStartedBefore(ctx context.Context, tx DBTX, cutoff string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status='RUNNING' AND COALESCE(started_at, updated_at) <= ? ORDER BY COALESCE(started_at, updated_at) ASC, id ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryTasks(ctx, r.q(tx), query, args...)
}

func (r Repo) queryTasks(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskStats is the aggregate task view used by introspection.
type TaskStats struct {
	Counts             map[domain.TaskStatus]int
	OldestRunningStart *string
	StaleRunning       int
}

func (r Repo) TaskStats(ctx context.Context, staleCutoff string) (TaskStats, error) {
	stats := TaskStats{Counts: map[domain.TaskStatus]int{}}
	for _, s := range domain.TaskStatuses {
		stats.Counts[s] = 0
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	var oldest sql.NullString
	if err := r.DB.QueryRowContext(ctx, `SELECT MIN(COALESCE(started_at, updated_at)) FROM tasks WHERE status='RUNNING'`).Scan(&oldest); err != nil {
		return stats, err
	}
	stats.OldestRunningStart = stringPtr(oldest)
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status='RUNNING' AND COALESCE(started_at, updated_at) <= ?`, staleCutoff).Scan(&stats.StaleRunning); err != nil {
		return stats, err
	}
	return stats, nil
}
