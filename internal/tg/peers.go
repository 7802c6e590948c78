package tg

import (
	"strings"
	gosync "sync"

	"github.com/gotd/td/tg"

	"github.com/matheus3301/chatvault/internal/store"
)

// peerCache remembers access hashes and titles seen in API responses.
type peerCache struct {
	mu    gosync.RWMutex
	input map[int64]tg.InputPeerClass
	chats map[int64]store.Chat
}

func newPeerCache() *peerCache {
	return &peerCache{
		input: make(map[int64]tg.InputPeerClass),
		chats: make(map[int64]store.Chat),
	}
}

func (c *peerCache) lookup(id int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.input[id]
	return p, ok
}

func (c *peerCache) chat(id int64) (store.Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.chats[id]
	return ch, ok
}

func (c *peerCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.input)
}

func (c *peerCache) addUsers(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		kind := "user"
		if user.Bot {
			kind = "bot"
		}
		title := strings.TrimSpace(user.FirstName + " " + user.LastName)
		if title == "" {
			title = user.Username
		}
		c.input[user.ID] = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
		c.chats[user.ID] = store.Chat{ID: user.ID, Title: title, Kind: kind}
	}
}

func (c *peerCache) addChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Chat:
			id := -v.ID
			c.input[id] = &tg.InputPeerChat{ChatID: v.ID}
			c.chats[id] = store.Chat{ID: id, Title: v.Title, Kind: "group"}
		case *tg.ChatForbidden:
			id := -v.ID
			c.input[id] = &tg.InputPeerChat{ChatID: v.ID}
			c.chats[id] = store.Chat{ID: id, Title: v.Title, Kind: "group"}
		case *tg.Channel:
			id := channelMarker - v.ID
			kind := "channel"
			if v.Megagroup {
				kind = "supergroup"
			}
			c.input[id] = &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
			c.chats[id] = store.Chat{ID: id, Title: v.Title, Kind: kind}
		case *tg.ChannelForbidden:
			id := channelMarker - v.ID
			c.input[id] = &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
			c.chats[id] = store.Chat{ID: id, Title: v.Title, Kind: "channel"}
		}
	}
}
