package repo

import (
	"context"
	"database/sql"
	"fmt"

	"switchboard/internal/domain"
)

const inboundColumns = `id,external_message_id,channel,sender_email,sender_name,subject,body_text,authorized,authorization_reason,status,attempt_count,max_attempts,next_attempt_at,last_failure_code,last_failure_message,thread_id,task_id,metadata_json,created_at,updated_at`

func scanInbound(row scanner) (domain.InboundEmailEvent, error) {
	var ev domain.InboundEmailEvent
	var msgID, name, subject, body, reason, next, code, msg, thread, task, meta sql.NullString
	var authorized int
	err := row.Scan(&ev.ID, &msgID, &ev.Channel, &ev.SenderEmail, &name, &subject, &body, &authorized, &reason, &ev.Status,
		&ev.AttemptCount, &ev.MaxAttempts, &next, &code, &msg, &thread, &task, &meta, &ev.CreatedAt, &ev.UpdatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.ExternalMessageID = stringPtr(msgID)
	ev.SenderName = name.String
	ev.Subject = subject.String
	ev.BodyText = body.String
	ev.Authorized = authorized != 0
	ev.AuthorizationNote = reason.String
	ev.NextAttemptAt = stringPtr(next)
	ev.LastFailureCode = stringPtr(code)
	ev.LastFailureMessage = stringPtr(msg)
	ev.ThreadID = stringPtr(thread)
	ev.TaskID = stringPtr(task)
	if ev.Metadata, err = unmarshalMetadata(meta); err != nil {
		return ev, fmt.Errorf("decode inbound %s metadata: %w", ev.ID, err)
	}
	return ev, nil
}

func (r Repo) GetInbound(ctx context.Context, tx DBTX, id string) (domain.InboundEmailEvent, error) {
	return scanInbound(r.q(tx).QueryRowContext(ctx, `SELECT `+inboundColumns+` FROM inbound_email_events WHERE id=?`, id))
}

func (r Repo) GetInboundByMessageID(ctx context.Context, tx DBTX, messageID string) (domain.InboundEmailEvent, error) {
	return scanInbound(r.q(tx).QueryRowContext(ctx, `SELECT `+inboundColumns+` FROM inbound_email_events WHERE external_message_id=?`, messageID))
}

// UpsertInbound inserts ev, or when ev carries an external message id that is
// already stored, resets that row to ev's RECEIVED state while keeping its id
// and creation time. It returns the stored row.
func (r Repo) UpsertInbound(ctx context.Context, tx DBTX, ev domain.InboundEmailEvent) (domain.InboundEmailEvent, error) {
	meta, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return ev, fmt.Errorf("encode inbound metadata: %w", err)
	}
	q := r.q(tx)
	_, err = q.ExecContext(ctx, `INSERT INTO inbound_email_events(`+inboundColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(external_message_id) DO UPDATE SET
  channel=excluded.channel, sender_email=excluded.sender_email, sender_name=excluded.sender_name,
  subject=excluded.subject, body_text=excluded.body_text, authorized=excluded.authorized,
  authorization_reason=excluded.authorization_reason, status=excluded.status, attempt_count=excluded.attempt_count,
  max_attempts=excluded.max_attempts, next_attempt_at=NULL, last_failure_code=NULL, last_failure_message=NULL,
  metadata_json=excluded.metadata_json, updated_at=excluded.updated_at`,
		ev.ID, nullableStringPtr(ev.ExternalMessageID), ev.Channel, ev.SenderEmail, nullable(ev.SenderName), nullable(ev.Subject),
		nullable(ev.BodyText), boolInt(ev.Authorized), nullable(ev.AuthorizationNote), ev.Status, ev.AttemptCount, ev.MaxAttempts,
		nullableStringPtr(ev.NextAttemptAt), nullableStringPtr(ev.LastFailureCode), nullableStringPtr(ev.LastFailureMessage),
		nullableStringPtr(ev.ThreadID), nullableStringPtr(ev.TaskID), meta, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return ev, err
	}
	if ev.ExternalMessageID != nil && *ev.ExternalMessageID != "" {
		return r.GetInboundByMessageID(ctx, q, *ev.ExternalMessageID)
	}
	return r.GetInbound(ctx, q, ev.ID)
}

// UpdateInbound persists the processing state of ev.
func (r Repo) UpdateInbound(ctx context.Context, tx DBTX, ev domain.InboundEmailEvent) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE inbound_email_events SET authorized=?, authorization_reason=?, status=?, attempt_count=?,
  next_attempt_at=?, last_failure_code=?, last_failure_message=?, thread_id=?, task_id=?, updated_at=? WHERE id=?`,
		boolInt(ev.Authorized), nullable(ev.AuthorizationNote), ev.Status, ev.AttemptCount,
		nullableStringPtr(ev.NextAttemptAt), nullableStringPtr(ev.LastFailureCode), nullableStringPtr(ev.LastFailureMessage),
		nullableStringPtr(ev.ThreadID), nullableStringPtr(ev.TaskID), ev.UpdatedAt, ev.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindTaskByInboundEvent returns the task already created for an inbound
// event, if any.
func (r Repo) FindTaskByInboundEvent(ctx context.Context, tx DBTX, eventID string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE json_extract(payload_json,'$.email.event_id')=? ORDER BY created_at LIMIT 1`, eventID))
}
