package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/fetch"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/retry"
	"github.com/matheus3301/chatvault/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// history serves ids 1..n newest first and can fail a given call.
type history struct {
	n      int64
	calls  int
	failAt int
	err    error
}

func (h *history) GetHistoryPage(_ context.Context, req remote.PageRequest) ([]remote.Message, error) {
	h.calls++
	if h.failAt == h.calls {
		return nil, h.err
	}
	top := h.n
	if req.OffsetID > 0 {
		top = req.OffsetID - 1
	}
	var out []remote.Message
	for id := top; id >= 1 && len(out) < req.Limit; id-- {
		if req.MinID > 0 && id <= req.MinID {
			break
		}
		out = append(out, remote.Message{
			ID:   id,
			Date: time.Unix(1_700_000_000+id*60, 0),
			Type: remote.TypeText,
			Text: fmt.Sprintf("message %d", id),
		})
	}
	return out, nil
}

type titles map[int64]string

func (t titles) ChatInfo(_ context.Context, id int64) (store.Chat, error) {
	if s, ok := t[id]; ok {
		return store.Chat{Title: s, Kind: "group"}, nil
	}
	return store.Chat{}, errors.New("unknown chat")
}

func newEngine(t *testing.T, db *store.DB, h *history, b *bus.Bus, opts ...Option) *Engine {
	t.Helper()
	cursors := NewCursorStore(db, zap.NewNop())
	fe := fetch.NewEngine(h, nil, cursors, fetch.Config{
		PageSize: 40,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return NewEngine(db, fe, cursors, b, zap.NewNop(), opts...)
}

func TestSyncChatStoresHistory(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	stored, unsub := b.Subscribe(64, bus.KindMessagesStored)
	defer unsub()

	var events []progress.Event
	tr := progress.NewTracker("job-1", progress.JobSync, progress.ReporterFunc(func(e progress.Event) {
		events = append(events, e)
	}))

	e := newEngine(t, db, &history{n: 130}, b, WithWriteBatch(50), WithChatInfo(titles{9: "Friends"}))
	res, err := e.SyncChat(context.Background(), fetch.Options{ChatID: 9}, tr)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 130 || !res.Stats.Exhausted {
		t.Errorf("result = %+v, want 130 stored and exhausted", res)
	}

	n, _ := db.CountMessages(context.Background(), 9)
	if n != 130 {
		t.Errorf("stored %d messages, want 130", n)
	}
	cur, _ := db.GetSyncCursor(context.Background(), 9)
	if cur == nil || cur.LastMessageID != 130 || cur.OldestMessageID != 1 || !cur.HistoryComplete {
		t.Errorf("cursor = %+v, want last 130, oldest 1, complete", cur)
	}
	chat, _ := db.GetChat(context.Background(), 9)
	if chat == nil || chat.Title != "Friends" {
		t.Errorf("chat = %+v, want title Friends", chat)
	}

	total := 0
	for len(stored) > 0 {
		total += (<-stored).Payload.(bus.MessagesStored).Count
	}
	if total != 130 {
		t.Errorf("MessagesStored counts sum to %d, want 130", total)
	}
	if len(events) == 0 || events[len(events)-1].Percent != 100 {
		t.Errorf("last progress = %+v, want 100%%", events)
	}
}

func TestSyncChatRateLimitKeepsFetched(t *testing.T) {
	db := testDB(t)
	h := &history{n: 200, failAt: 3, err: &remote.RateLimitedError{Wait: 30 * time.Second}}
	e := newEngine(t, db, h, nil, WithWriteBatch(7))

	res, err := e.SyncChat(context.Background(), fetch.Options{ChatID: 1}, nil)
	if _, ok := remote.AsRateLimited(err); !ok {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if res.Stored != 80 {
		t.Errorf("stored = %d, want 80 (two pages)", res.Stored)
	}
	if res.Stats.Offset != 121 {
		t.Errorf("resume offset = %d, want 121", res.Stats.Offset)
	}
	cur, _ := db.GetSyncCursor(context.Background(), 1)
	if cur == nil || cur.LastMessageID != 200 || cur.OldestMessageID != 121 || cur.HistoryComplete {
		t.Errorf("cursor = %+v, want last 200, oldest 121, incomplete", cur)
	}

	// Resume below the oldest id reached.
	h.failAt = 0
	res, err = e.SyncChat(context.Background(), fetch.Options{ChatID: 1, OffsetID: cur.OldestMessageID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 120 {
		t.Errorf("resumed stored = %d, want 120", res.Stored)
	}
	cur, _ = db.GetSyncCursor(context.Background(), 1)
	if !cur.HistoryComplete || cur.OldestMessageID != 1 || cur.LastMessageID != 200 {
		t.Errorf("cursor after resume = %+v", cur)
	}
}

func TestSyncChatIncremental(t *testing.T) {
	db := testDB(t)
	h := &history{n: 50}
	e := newEngine(t, db, h, nil)

	if _, err := e.SyncChat(context.Background(), fetch.Options{ChatID: 3}, nil); err != nil {
		t.Fatal(err)
	}
	h.n = 65
	res, err := e.SyncChat(context.Background(), fetch.Options{ChatID: 3, Incremental: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 15 {
		t.Errorf("incremental stored = %d, want 15", res.Stored)
	}
	msgs, _ := db.ListMessages(context.Background(), 3, 0, 100)
	if len(msgs) != 65 {
		t.Errorf("total messages = %d, want 65", len(msgs))
	}
	cur, _ := db.GetSyncCursor(context.Background(), 3)
	if cur.LastMessageID != 65 {
		t.Errorf("cursor = %d, want 65", cur.LastMessageID)
	}
}

func TestCursorStoreClamps(t *testing.T) {
	db := testDB(t)
	c := NewCursorStore(db, nil)
	ctx := context.Background()

	for _, id := range []int64{10, 30, 20} {
		if err := c.Set(ctx, 1, id, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	cur, err := c.Get(ctx, 1)
	if err != nil || cur.LastMessageID != 30 {
		t.Fatalf("cursor = %+v, %v; want 30", cur, err)
	}
	if err := c.Clear(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if cur, _ := c.Get(ctx, 1); cur != nil {
		t.Errorf("cursor after clear = %+v", cur)
	}
}

func TestEstimatePercent(t *testing.T) {
	tests := []struct {
		st    fetch.Stats
		limit int
		want  int
	}{
		{fetch.Stats{Exhausted: true}, 0, 100},
		{fetch.Stats{Yielded: 25}, 100, 25},
		{fetch.Stats{Yielded: 10, HighestID: 101, LowestID: 51}, 0, 50},
		{fetch.Stats{}, 0, 0},
	}
	for _, tt := range tests {
		if got := estimatePercent(tt.st, tt.limit); got != tt.want {
			t.Errorf("estimatePercent(%+v, %d) = %d, want %d", tt.st, tt.limit, got, tt.want)
		}
	}
}
