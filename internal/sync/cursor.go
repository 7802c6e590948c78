package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/store"
)

// CursorStore owns the per-chat sync cursors. The stored last message id
// never moves backward.
type CursorStore struct {
	db     *store.DB
	logger *zap.Logger
}

// NewCursorStore creates a cursor store over db.
func NewCursorStore(db *store.DB, logger *zap.Logger) *CursorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CursorStore{db: db, logger: logger}
}

// Get returns the cursor of a chat, or nil if it was never synced.
func (c *CursorStore) Get(ctx context.Context, chatID int64) (*store.SyncCursor, error) {
	return c.db.GetSyncCursor(ctx, chatID)
}

// Set advances the cursor. A regressive lastMessageID is clamped to the
// stored value and logged.
func (c *CursorStore) Set(ctx context.Context, chatID, lastMessageID int64, syncTime time.Time) error {
	stored, err := c.db.SetSyncCursor(ctx, chatID, lastMessageID, syncTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("set cursor for chat %d: %w", chatID, err)
	}
	if lastMessageID > 0 && stored.LastMessageID > lastMessageID {
		c.logger.Warn("clamped regressive cursor update",
			zap.Int64("chat_id", chatID),
			zap.Int64("requested", lastMessageID),
			zap.Int64("stored", stored.LastMessageID))
	}
	return nil
}

// MarkBackfill records how far back the history of a chat has been walked.
func (c *CursorStore) MarkBackfill(ctx context.Context, chatID, oldestID int64, complete bool) error {
	return c.db.MarkBackfill(ctx, chatID, oldestID, complete)
}

// Clear deletes the cursor of a chat.
func (c *CursorStore) Clear(ctx context.Context, chatID int64) error {
	return c.db.ClearSyncCursor(ctx, chatID)
}

// List returns all cursors.
func (c *CursorStore) List(ctx context.Context) ([]store.SyncCursor, error) {
	return c.db.ListSyncCursors(ctx)
}

// deferredCursors holds cursor advances back until the messages they cover
// have been written.
type deferredCursors struct {
	inner interface {
		Get(ctx context.Context, chatID int64) (*store.SyncCursor, error)
		Set(ctx context.Context, chatID, lastMessageID int64, syncTime time.Time) error
		MarkBackfill(ctx context.Context, chatID, oldestID int64, complete bool) error
	}

	mu       gosync.Mutex
	chatID   int64
	last     int64
	at       time.Time
	hasLast  bool
	oldest   int64
	complete bool
	hasFill  bool
}

func (d *deferredCursors) Get(ctx context.Context, chatID int64) (*store.SyncCursor, error) {
	return d.inner.Get(ctx, chatID)
}

func (d *deferredCursors) Set(_ context.Context, chatID, lastMessageID int64, syncTime time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chatID = chatID
	d.last = max(d.last, lastMessageID)
	d.at = syncTime
	d.hasLast = true
	return nil
}

func (d *deferredCursors) MarkBackfill(_ context.Context, chatID, oldestID int64, complete bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chatID = chatID
	if d.oldest == 0 || (oldestID > 0 && oldestID < d.oldest) {
		d.oldest = oldestID
	}
	d.complete = d.complete || complete
	d.hasFill = true
	return nil
}

// flush writes the pending advances.
func (d *deferredCursors) flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasLast {
		if err := d.inner.Set(ctx, d.chatID, d.last, d.at); err != nil {
			return err
		}
		d.hasLast = false
	}
	if d.hasFill {
		if err := d.inner.MarkBackfill(ctx, d.chatID, d.oldest, d.complete); err != nil {
			return err
		}
		d.hasFill = false
	}
	return nil
}
