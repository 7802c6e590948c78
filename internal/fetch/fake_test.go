package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/store"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeRemote serves one chat whose ids run 1..n, newest first.
type fakeRemote struct {
	mu           sync.Mutex
	msgs         []remote.Message
	requests     []remote.PageRequest
	fail         map[int]error
	calls        int
	overlap      bool
	ignoreOffset bool
	log          []string

	openErr  error
	opened   int
	finishes []bool
	handles  []int64
}

func newChat(n int) *fakeRemote {
	f := &fakeRemote{fail: map[int]error{}}
	for id := n; id >= 1; id-- {
		f.msgs = append(f.msgs, remote.Message{
			ID:   int64(id),
			Date: base.Add(time.Duration(id) * time.Minute),
			Type: remote.TypeText,
			Text: fmt.Sprintf("message %d", id),
		})
	}
	return f
}

func (f *fakeRemote) setType(id int64, t remote.MessageType) {
	for i := range f.msgs {
		if f.msgs[i].ID == id {
			f.msgs[i].Type = t
		}
	}
}

func (f *fakeRemote) record(s string) {
	f.mu.Lock()
	f.log = append(f.log, s)
	f.mu.Unlock()
}

func (f *fakeRemote) page(req remote.PageRequest) ([]remote.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if err, ok := f.fail[f.calls]; ok {
		return nil, err
	}
	var out []remote.Message
	for _, m := range f.msgs {
		if req.OffsetID > 0 && !f.ignoreOffset {
			if f.overlap && m.ID > req.OffsetID {
				continue
			}
			if !f.overlap && m.ID >= req.OffsetID {
				continue
			}
		}
		if req.MinID > 0 && m.ID <= req.MinID {
			continue
		}
		if req.MaxID > 0 && m.ID >= req.MaxID {
			continue
		}
		out = append(out, m)
		if len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRemote) GetHistoryPage(_ context.Context, req remote.PageRequest) ([]remote.Message, error) {
	return f.page(req)
}

func (f *fakeRemote) OpenTakeout(_ context.Context, quota int64) (remote.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return remote.Handle{}, f.openErr
	}
	f.opened++
	return remote.Handle{ID: 900 + int64(f.opened), FileSizeQuota: quota}, nil
}

func (f *fakeRemote) TakeoutQuery(_ context.Context, h remote.Handle, req remote.PageRequest) ([]remote.Message, error) {
	f.mu.Lock()
	f.handles = append(f.handles, h.ID)
	f.mu.Unlock()
	return f.page(req)
}

func (f *fakeRemote) FinishTakeout(_ context.Context, _ remote.Handle, success bool) error {
	f.mu.Lock()
	f.finishes = append(f.finishes, success)
	f.log = append(f.log, "finish")
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) requestLimits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, r := range f.requests {
		out = append(out, r.Limit)
	}
	return out
}

// memCursors is an in-memory Cursors with the same clamping as the store.
type memCursors struct {
	mu sync.Mutex
	m  map[int64]*store.SyncCursor
}

func newMemCursors() *memCursors { return &memCursors{m: map[int64]*store.SyncCursor{}} }

func (c *memCursors) Get(_ context.Context, chatID int64) (*store.SyncCursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[chatID]; ok {
		cp := *cur
		return &cp, nil
	}
	return nil, nil
}

func (c *memCursors) Set(_ context.Context, chatID, last int64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.m[chatID]
	if !ok {
		cur = &store.SyncCursor{ChatID: chatID}
		c.m[chatID] = cur
	}
	cur.LastMessageID = max(cur.LastMessageID, last)
	cur.LastSyncTime = at.UnixMilli()
	return nil
}

func (c *memCursors) MarkBackfill(_ context.Context, chatID, oldest int64, complete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.m[chatID]
	if !ok {
		cur = &store.SyncCursor{ChatID: chatID}
		c.m[chatID] = cur
	}
	if cur.OldestMessageID == 0 || (oldest > 0 && oldest < cur.OldestMessageID) {
		cur.OldestMessageID = oldest
	}
	cur.HistoryComplete = cur.HistoryComplete || complete
	return nil
}

func (c *memCursors) last(chatID int64) int64 {
	cur, _ := c.Get(context.Background(), chatID)
	if cur == nil {
		return 0
	}
	return cur.LastMessageID
}

// collect drains a run, returning the yielded ids and the terminal error.
func collect(r *Run) ([]int64, error) {
	var ids []int64
	for m, err := range r.Messages() {
		if err != nil {
			return ids, err
		}
		ids = append(ids, m.MsgID)
	}
	return ids, nil
}
