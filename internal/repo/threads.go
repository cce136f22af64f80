package repo

import (
	"context"
	"database/sql"
	"fmt"

	"switchboard/internal/domain"
)

func (r Repo) InsertThread(ctx context.Context, tx DBTX, t domain.ChatThread) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO chat_threads(id,title,channel,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Title, t.Channel, t.CreatedAt)
	return err
}

func (r Repo) GetThread(ctx context.Context, tx DBTX, id string) (domain.ChatThread, error) {
	var t domain.ChatThread
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,title,channel,created_at FROM chat_threads WHERE id=?`, id).
		Scan(&t.ID, &t.Title, &t.Channel, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertMessage(ctx context.Context, tx DBTX, m domain.ChatMessage) error {
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO chat_messages(id,thread_id,author,body,metadata_json,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ThreadID, m.Author, m.Body, meta, m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, threadID string) ([]domain.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,thread_id,author,body,metadata_json,created_at FROM chat_messages WHERE thread_id=? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Author, &m.Body, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
