// Package remote defines the narrow interfaces the archive pipeline uses to
// talk to a remote messaging platform.
package remote

import (
	"context"
	"time"
)

// MessageType is the platform-reported kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypePhoto    MessageType = "photo"
	TypeDocument MessageType = "document"
	TypeVideo    MessageType = "video"
	TypeSticker  MessageType = "sticker"
	TypeOther    MessageType = "other"
	// TypeEmpty marks a tombstone left behind by a deleted message.
	TypeEmpty MessageType = "empty"
)

// ParseMessageType maps a name to a MessageType. Unknown names map to TypeOther.
func ParseMessageType(s string) MessageType {
	switch t := MessageType(s); t {
	case TypeText, TypePhoto, TypeDocument, TypeVideo, TypeSticker, TypeEmpty:
		return t
	default:
		return TypeOther
	}
}

// Message is a single message as returned by the platform.
type Message struct {
	ID       int64
	Date     time.Time
	Type     MessageType
	Text     string
	MediaRef string
}

// PageRequest asks for one page of a chat's history, newest first, strictly
// older than OffsetID (0 = newest). MinID and MaxID are exclusive bounds on
// the ids returned; zero means unbounded.
type PageRequest struct {
	ChatID   int64
	OffsetID int64
	Limit    int
	MinID    int64
	MaxID    int64
}

// Handle identifies an open takeout session.
type Handle struct {
	ID            int64
	FileSizeQuota int64
	CreatedAt     time.Time
}

// HistoryProvider pages through chat history.
type HistoryProvider interface {
	GetHistoryPage(ctx context.Context, req PageRequest) ([]Message, error)
}

// TakeoutProvider drives the bulk-export protocol. Every TakeoutQuery must be
// issued under the handle returned by OpenTakeout.
type TakeoutProvider interface {
	OpenTakeout(ctx context.Context, fileSizeQuota int64) (Handle, error)
	TakeoutQuery(ctx context.Context, h Handle, req PageRequest) ([]Message, error)
	FinishTakeout(ctx context.Context, h Handle, success bool) error
}

// Provider is the full remote surface.
type Provider interface {
	HistoryProvider
	TakeoutProvider
}
