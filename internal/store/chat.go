package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat inserts or updates a chat record. Empty title and kind keep the
// stored values.
func (db *DB) UpsertChat(ctx context.Context, c Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, title, kind, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			title = COALESCE(NULLIF(excluded.title, ''), chats.title),
			kind = COALESCE(NULLIF(excluded.kind, ''), chats.kind),
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.Kind, now)
	return err
}

// EnsureChat creates a bare chat row if none exists.
func (db *DB) EnsureChat(ctx context.Context, chatID int64) error {
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO chats (chat_id, updated_at) VALUES (?, ?)`,
		chatID, time.Now().UnixMilli())
	return err
}

// ListChats returns all chats with their archived message counts, most
// recently updated first.
func (db *DB) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.chat_id, c.title, c.kind, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.chat_id)
		FROM chats c
		ORDER BY c.updated_at DESC, c.chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.Kind, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat, or nil if it does not exist.
func (db *DB) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var c Chat
	err := db.QueryRowContext(ctx, `
		SELECT c.chat_id, c.title, c.kind, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.chat_id)
		FROM chats c WHERE c.chat_id = ?`, chatID).
		Scan(&c.ID, &c.Title, &c.Kind, &c.UpdatedAt, &c.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RemoveChat deletes a chat with its messages, embeddings, sync cursor and
// folder memberships. It reports whether the chat existed.
func (db *DB) RemoveChat(ctx context.Context, chatID int64) (bool, error) {
	var existed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM embeddings WHERE chat_id = ?`,
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM sync_cursors WHERE chat_id = ?`,
			`DELETE FROM chat_folders WHERE chat_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
				return fmt.Errorf("remove chat %d: %w", chatID, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("remove chat %d: %w", chatID, err)
		}
		n, _ := res.RowsAffected()
		existed = n > 0
		return nil
	})
	return existed, err
}

// AddToFolder adds chats to a named folder. Existing memberships are kept.
func (db *DB) AddToFolder(ctx context.Context, folder string, chatIDs ...int64) error {
	if folder == "" {
		return fmt.Errorf("add to folder: empty folder name")
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range chatIDs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chat_folders (folder, chat_id) VALUES (?, ?)`, folder, id); err != nil {
				return fmt.Errorf("add chat %d to %q: %w", id, folder, err)
			}
		}
		return nil
	})
}

// FolderChatIDs returns the chats in a folder, or ErrNotFound for an unknown
// or empty folder.
func (db *DB) FolderChatIDs(ctx context.Context, folder string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT chat_id FROM chat_folders WHERE folder = ? ORDER BY chat_id`, folder)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("folder %q: %w", folder, ErrNotFound)
	}
	return ids, nil
}
