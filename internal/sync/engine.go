// Package sync archives fetched chat history into the store.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/fetch"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/store"
)

// DefaultWriteBatch is the number of messages written per transaction.
const DefaultWriteBatch = 200

// ChatInfo resolves chat metadata from the remote side.
type ChatInfo interface {
	ChatInfo(ctx context.Context, chatID int64) (store.Chat, error)
}

// Engine handles idempotent ingestion of fetched history into the store.
type Engine struct {
	db         *store.DB
	fetch      *fetch.Engine
	cursors    *CursorStore
	info       ChatInfo
	bus        *bus.Bus
	logger     *zap.Logger
	writeBatch int
}

// Option configures an Engine.
type Option func(*Engine)

// WithChatInfo sets the resolver used to name newly synced chats.
func WithChatInfo(ci ChatInfo) Option { return func(e *Engine) { e.info = ci } }

// WithWriteBatch sets the number of messages per write transaction.
func WithWriteBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.writeBatch = n
		}
	}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, fe *fetch.Engine, cursors *CursorStore, b *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:         db,
		fetch:      fe,
		cursors:    cursors,
		bus:        b,
		logger:     logger,
		writeBatch: DefaultWriteBatch,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result summarizes one chat sync.
type Result struct {
	ChatID   int64
	Stored   int
	Stats    fetch.Stats
	Duration time.Duration
}

// SyncChat fetches a chat with opts and stores every yielded message. The
// sync cursor only advances past messages that are already written. On error
// the messages fetched so far are still written and the partial Result is
// returned with the error.
func (e *Engine) SyncChat(ctx context.Context, opts fetch.Options, tr *progress.Tracker) (Result, error) {
	start := time.Now()
	res := Result{ChatID: opts.ChatID}
	log := e.logger.With(zap.Int64("chat_id", opts.ChatID), zap.String("job_id", tr.JobID()))

	if err := e.ensureChat(ctx, opts.ChatID); err != nil {
		return res, err
	}

	deferred := &deferredCursors{inner: e.cursors}
	run := e.fetch.WithCursors(deferred).Fetch(ctx, opts)

	buf := make([]store.Message, 0, e.writeBatch)
	flush := func(ctx context.Context) error {
		if len(buf) > 0 {
			if err := e.db.UpsertMessages(ctx, buf); err != nil {
				return fmt.Errorf("store messages: %w", err)
			}
			res.Stored += len(buf)
			if e.bus != nil {
				e.bus.Publish(bus.Event{
					Kind: bus.KindMessagesStored,
					Payload: bus.MessagesStored{
						ChatID:    opts.ChatID,
						Count:     len(buf),
						HighestID: buf[0].MsgID,
					},
				})
			}
			buf = buf[:0]
		}
		if err := deferred.flush(ctx); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		st := run.Stats()
		tr.Progress(estimatePercent(st, opts.Limit), fmt.Sprintf("stored %d messages", res.Stored), map[string]any{
			"chat_id": opts.ChatID,
			"stored":  res.Stored,
			"pages":   st.Pages,
			"offset":  st.Offset,
		})
		return nil
	}

	for m, err := range run.Messages() {
		if err != nil {
			if ferr := flush(context.WithoutCancel(ctx)); ferr != nil {
				log.Error("failed to store messages after fetch error", zap.Error(ferr))
			}
			res.Stats = run.Stats()
			res.Duration = time.Since(start)
			return res, err
		}
		buf = append(buf, m)
		if len(buf) >= e.writeBatch {
			if err := flush(ctx); err != nil {
				res.Stats = run.Stats()
				res.Duration = time.Since(start)
				return res, err
			}
		}
	}
	if err := flush(ctx); err != nil {
		res.Stats = run.Stats()
		res.Duration = time.Since(start)
		return res, err
	}

	res.Stats = run.Stats()
	res.Duration = time.Since(start)
	log.Info("chat synced",
		zap.Int("stored", res.Stored),
		zap.Int("pages", res.Stats.Pages),
		zap.Int64("highest_id", res.Stats.HighestID),
		zap.Duration("took", res.Duration))
	return res, nil
}

func (e *Engine) ensureChat(ctx context.Context, chatID int64) error {
	if e.info != nil {
		c, err := e.info.ChatInfo(ctx, chatID)
		if err == nil {
			c.ID = chatID
			if err := e.db.UpsertChat(ctx, c); err != nil {
				return fmt.Errorf("upsert chat: %w", err)
			}
			return nil
		}
		e.logger.Debug("chat info unavailable", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if err := e.db.EnsureChat(ctx, chatID); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	return nil
}

// estimatePercent guesses progress from the limit or, without one, from how
// far the walk has descended through the id range.
func estimatePercent(st fetch.Stats, limit int) int {
	if st.Exhausted {
		return 100
	}
	if limit > 0 {
		return progress.Percent(st.Yielded, limit)
	}
	floor := max(st.MinID, 1)
	span := st.HighestID - floor
	if span <= 0 || st.Yielded == 0 {
		return 0
	}
	return min(progress.Percent(int(st.HighestID-st.LowestID), int(span)), 99)
}
