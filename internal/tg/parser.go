package tg

import (
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"github.com/matheus3301/chatvault/internal/remote"
)

// channelMarker offsets channel ids into the negative range so users, basic
// groups and channels share one id space.
const channelMarker = -1000000000000

// MarkedID returns the archive chat id of a peer.
func MarkedID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return -v.ChatID
	case *tg.PeerChannel:
		return channelMarker - v.ChannelID
	}
	return 0
}

// ParseMessage normalizes a history entry. Service messages keep their action
// name as the media reference; deleted messages come back as TypeEmpty.
func ParseMessage(m tg.MessageClass) (remote.Message, bool) {
	switch v := m.(type) {
	case *tg.Message:
		typ, ref := detectMedia(v.Media)
		return remote.Message{
			ID:       int64(v.ID),
			Date:     time.Unix(int64(v.Date), 0),
			Type:     typ,
			Text:     v.Message,
			MediaRef: ref,
		}, true
	case *tg.MessageService:
		ref := ""
		if v.Action != nil {
			ref = "action:" + v.Action.TypeName()
		}
		return remote.Message{
			ID:       int64(v.ID),
			Date:     time.Unix(int64(v.Date), 0),
			Type:     remote.TypeOther,
			MediaRef: ref,
		}, true
	case *tg.MessageEmpty:
		return remote.Message{ID: int64(v.ID), Type: remote.TypeEmpty}, true
	}
	return remote.Message{}, false
}

// ParseMessages converts a page, dropping entries of unknown shape.
func ParseMessages(in []tg.MessageClass) []remote.Message {
	out := make([]remote.Message, 0, len(in))
	for _, m := range in {
		if rm, ok := ParseMessage(m); ok {
			out = append(out, rm)
		}
	}
	return out
}

func detectMedia(media tg.MessageMediaClass) (remote.MessageType, string) {
	switch v := media.(type) {
	case nil:
		return remote.TypeText, ""
	case *tg.MessageMediaWebPage:
		return remote.TypeText, ""
	case *tg.MessageMediaPhoto:
		if p, ok := v.Photo.(*tg.Photo); ok {
			return remote.TypePhoto, ref("photo", p.ID)
		}
		return remote.TypePhoto, ""
	case *tg.MessageMediaDocument:
		d, ok := v.Document.(*tg.Document)
		if !ok {
			return remote.TypeDocument, ""
		}
		switch documentKind(d) {
		case remote.TypeSticker:
			return remote.TypeSticker, ref("sticker", d.ID)
		case remote.TypeVideo:
			return remote.TypeVideo, ref("video", d.ID)
		}
		return remote.TypeDocument, ref("document", d.ID)
	default:
		return remote.TypeOther, media.TypeName()
	}
}

func documentKind(d *tg.Document) remote.MessageType {
	kind := remote.TypeDocument
	for _, attr := range d.Attributes {
		switch attr.(type) {
		case *tg.DocumentAttributeSticker:
			return remote.TypeSticker
		case *tg.DocumentAttributeVideo:
			kind = remote.TypeVideo
		}
	}
	return kind
}

func ref(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}
