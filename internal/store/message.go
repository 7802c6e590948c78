package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageCols = `id, chat_id, msg_id, type, content, media_ref, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner, extra ...any) (Message, error) {
	var m Message
	dest := append([]any{&m.ID, &m.ChatID, &m.MsgID, &m.Type, &m.Content, &m.MediaRef, &m.CreatedAt}, extra...)
	err := s.Scan(dest...)
	return m, err
}

// UpsertMessages inserts or updates messages in one transaction. Rows are
// idempotent on (chat_id, msg_id); unchanged rows are left untouched.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (chat_id, msg_id, type, content, media_ref, created_at, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, msg_id) DO UPDATE SET
				type = excluded.type,
				content = excluded.content,
				media_ref = excluded.media_ref
			WHERE messages.content != excluded.content
			   OR messages.type != excluded.type
			   OR messages.media_ref != excluded.media_ref`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, m := range msgs {
			if _, err := stmt.ExecContext(ctx, m.ChatID, m.MsgID, m.Type, m.Content, m.MediaRef, m.CreatedAt, now); err != nil {
				return fmt.Errorf("upsert message %d/%d: %w", m.ChatID, m.MsgID, err)
			}
		}
		return nil
	})
}

// GetMessage returns one message or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, chatID, msgID int64) (Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns messages for a chat using keyset pagination by msg_id,
// newest first. beforeID <= 0 starts at the newest message.
func (db *DB) ListMessages(ctx context.Context, chatID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageCols + ` FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if beforeID > 0 {
		q += ` AND msg_id < ?`
		args = append(args, beforeID)
	}
	q += ` ORDER BY msg_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of archived messages in a chat.
func (db *DB) CountMessages(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}
