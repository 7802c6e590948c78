package store

import (
	"context"
	"database/sql"
)

// GetSyncCursor returns the cursor of a chat, or nil if the chat was never synced.
func (db *DB) GetSyncCursor(ctx context.Context, chatID int64) (*SyncCursor, error) {
	var c SyncCursor
	err := db.QueryRowContext(ctx, `
		SELECT chat_id, last_message_id, last_sync_time, oldest_message_id, history_complete
		FROM sync_cursors WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.LastMessageID, &c.LastSyncTime, &c.OldestMessageID, &c.HistoryComplete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetSyncCursor records a sync of chatID up to lastMessageID. The stored id
// never decreases: a smaller value is clamped to the current one. It returns
// the cursor as stored.
func (db *DB) SetSyncCursor(ctx context.Context, chatID, lastMessageID, lastSyncTime int64) (SyncCursor, error) {
	var c SyncCursor
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursors (chat_id, last_message_id, last_sync_time)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				last_message_id = MAX(sync_cursors.last_message_id, excluded.last_message_id),
				last_sync_time = MAX(sync_cursors.last_sync_time, excluded.last_sync_time)`,
			chatID, lastMessageID, lastSyncTime)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			SELECT chat_id, last_message_id, last_sync_time, oldest_message_id, history_complete
			FROM sync_cursors WHERE chat_id = ?`, chatID).
			Scan(&c.ChatID, &c.LastMessageID, &c.LastSyncTime, &c.OldestMessageID, &c.HistoryComplete)
	})
	return c, err
}

// MarkBackfill records the oldest id reached by a backward walk. The stored
// oldest id only decreases and a complete history stays complete.
func (db *DB) MarkBackfill(ctx context.Context, chatID, oldestID int64, complete bool) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_cursors (chat_id, oldest_message_id, history_complete)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			oldest_message_id = CASE
				WHEN sync_cursors.oldest_message_id = 0 THEN excluded.oldest_message_id
				WHEN excluded.oldest_message_id = 0 THEN sync_cursors.oldest_message_id
				ELSE MIN(sync_cursors.oldest_message_id, excluded.oldest_message_id)
			END,
			history_complete = MAX(sync_cursors.history_complete, excluded.history_complete)`,
		chatID, oldestID, complete)
	return err
}

// ClearSyncCursor deletes the cursor of a chat.
func (db *DB) ClearSyncCursor(ctx context.Context, chatID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_cursors WHERE chat_id = ?`, chatID)
	return err
}

// ListSyncCursors returns every stored cursor ordered by chat id.
func (db *DB) ListSyncCursors(ctx context.Context) ([]SyncCursor, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, last_message_id, last_sync_time, oldest_message_id, history_complete
		FROM sync_cursors ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SyncCursor
	for rows.Next() {
		var c SyncCursor
		if err := rows.Scan(&c.ChatID, &c.LastMessageID, &c.LastSyncTime, &c.OldestMessageID, &c.HistoryComplete); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
