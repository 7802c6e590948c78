package store

import "time"

// Chat is a conversation known to the archive.
type Chat struct {
	ID           int64
	Title        string
	Kind         string // user, group, channel
	UpdatedAt    int64
	MessageCount int
}

// Message is an archived message, unique on (ChatID, MsgID).
type Message struct {
	ID        int64 // local rowid
	ChatID    int64
	MsgID     int64 // platform-assigned id, monotonic within a chat
	Type      string
	Content   string
	MediaRef  string
	CreatedAt int64 // unix millis
}

// Time returns CreatedAt as a time.Time.
func (m Message) Time() time.Time { return time.UnixMilli(m.CreatedAt) }

// Key identifies a message across chats.
type Key struct {
	ChatID int64
	MsgID  int64
}

// Key returns the message identity.
func (m Message) Key() Key { return Key{ChatID: m.ChatID, MsgID: m.MsgID} }

// Embedding is one vector of a message. Several dimensions may coexist.
type Embedding struct {
	ChatID    int64
	MsgID     int64
	Dimension int
	Model     string
	Vector    []float32
}

// SyncCursor is the per-chat sync high-water mark.
type SyncCursor struct {
	ChatID          int64
	LastMessageID   int64
	LastSyncTime    int64 // unix millis
	OldestMessageID int64 // lowest id reached walking backward, 0 if unknown
	HistoryComplete bool
}

// ScoredMessage is a search hit with a relevance score, higher is better.
type ScoredMessage struct {
	Message Message
	Score   float64
}

// Scope restricts a search to a set of chats. An empty scope searches all.
type Scope struct {
	ChatIDs []int64
}

// JobRun is the persisted record of a background job.
type JobRun struct {
	ID         string
	Kind       string
	Params     string // JSON
	Status     string
	Result     string
	Total      int
	Processed  int
	Failed     int
	Error      string
	StartedAt  int64
	FinishedAt int64
}
