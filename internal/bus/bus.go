package bus

import (
	"slices"
	"sync"
	"time"
)

// Kind identifies the type of an event. The set is closed.
type Kind uint8

const (
	KindStatusChanged Kind = iota + 1
	KindTakeoutState
	KindJobProgress
	KindMessagesStored
	KindEmbeddingsStored
)

var kindNames = map[Kind]string{
	KindStatusChanged:    "status.changed",
	KindTakeoutState:     "takeout.state",
	KindJobProgress:      "job.progress",
	KindMessagesStored:   "messages.stored",
	KindEmbeddingsStored: "embeddings.stored",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// MessagesStored is the payload for KindMessagesStored.
type MessagesStored struct {
	ChatID    int64
	Count     int
	HighestID int64
}

// EmbeddingsStored is the payload for KindEmbeddingsStored.
type EmbeddingsStored struct {
	ChatID    int64
	Count     int
	Dimension int
}

// Bus is an in-process publish/subscribe event bus with kind filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	kinds []Kind
	ch    chan Event
}

func (s *subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to every subscriber interested in its kind.
// A zero Timestamp is filled in with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events of the given kinds, or all
// events when no kinds are given. bufSize controls the channel buffer.
// Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(bufSize int, kinds ...Kind) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{kinds: kinds, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
