// Package tg adapts the Telegram MTProto client to the archive's remote
// interfaces.
package tg

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/store"
)

const dialogPageSize = 100

// Config holds the client credentials and pacing.
type Config struct {
	AppID             int
	AppHash           string
	SessionPath       string
	RequestsPerSecond float64
}

const (
	stateConnecting int32 = iota
	stateReady
	stateUnauthorized
)

// Adapter wraps the gotd client and implements remote.Provider.
type Adapter struct {
	client  *telegram.Client
	invoker tg.Invoker
	api     *tg.Client
	peers   *peerCache
	logger  *zap.Logger
	state   atomic.Int32
}

// NewAdapter creates an adapter. Nothing is dialed until Run.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		Logger:         logger.Named("telegram"),
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
	})
	return newAdapter(client, client, cfg.RequestsPerSecond, logger)
}

func newAdapter(client *telegram.Client, next tg.Invoker, rps float64, logger *zap.Logger) *Adapter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	inv := pacedInvoker{next: next, limiter: rate.NewLimiter(limit, 1)}
	return &Adapter{
		client:  client,
		invoker: inv,
		api:     tg.NewClient(inv),
		peers:   newPeerCache(),
		logger:  logger,
	}
}

// Run connects and blocks until ctx is done. onConnected is called once the
// authorization status is known.
func (a *Adapter) Run(ctx context.Context, onConnected func(authorized bool)) error {
	a.logger.Info("connecting to Telegram")
	err := a.client.Run(ctx, func(ctx context.Context) error {
		st, err := a.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !st.Authorized {
			a.state.Store(stateUnauthorized)
			a.logger.Warn("Telegram session is not authorized")
			onConnected(false)
			<-ctx.Done()
			return ctx.Err()
		}

		if err := a.loadDialogs(ctx); err != nil {
			a.logger.Warn("load dialogs", zap.Error(err))
		}
		a.state.Store(stateReady)
		a.logger.Info("Telegram connected", zap.Int("peers", a.peers.size()))
		onConnected(true)

		<-ctx.Done()
		return ctx.Err()
	})
	a.state.Store(stateConnecting)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Adapter) checkReady(method string) error {
	switch a.state.Load() {
	case stateReady:
		return nil
	case stateUnauthorized:
		return fmt.Errorf("%s: %w", method, remote.ErrAuthExpired)
	}
	return classify(errNotConnected, method)
}

// GetHistoryPage fetches one page of a chat's history.
func (a *Adapter) GetHistoryPage(ctx context.Context, req remote.PageRequest) ([]remote.Message, error) {
	const method = "messages.getHistory"
	if err := a.checkReady(method); err != nil {
		return nil, err
	}
	return a.history(ctx, a.api, method, req)
}

// OpenTakeout starts a takeout session covering every chat type.
func (a *Adapter) OpenTakeout(ctx context.Context, fileSizeQuota int64) (remote.Handle, error) {
	const method = "account.initTakeoutSession"
	if err := a.checkReady(method); err != nil {
		return remote.Handle{}, err
	}
	t, err := a.api.AccountInitTakeoutSession(ctx, &tg.AccountInitTakeoutSessionRequest{
		MessageUsers:      true,
		MessageChats:      true,
		MessageMegagroups: true,
		MessageChannels:   true,
		Files:             fileSizeQuota > 0,
		FileMaxSize:       fileSizeQuota,
	})
	if err != nil {
		return remote.Handle{}, classify(err, method)
	}
	a.logger.Info("takeout session opened", zap.Int64("takeout_id", t.ID))
	return remote.Handle{ID: t.ID, FileSizeQuota: fileSizeQuota, CreatedAt: time.Now()}, nil
}

// TakeoutQuery fetches one history page wrapped in the takeout session.
func (a *Adapter) TakeoutQuery(ctx context.Context, h remote.Handle, req remote.PageRequest) ([]remote.Message, error) {
	const method = "invokeWithTakeout(messages.getHistory)"
	if err := a.checkReady(method); err != nil {
		return nil, err
	}
	return a.history(ctx, a.takeoutAPI(h), method, req)
}

// FinishTakeout ends a takeout session.
func (a *Adapter) FinishTakeout(ctx context.Context, h remote.Handle, success bool) error {
	const method = "account.finishTakeoutSession"
	if _, err := a.takeoutAPI(h).AccountFinishTakeoutSession(ctx, &tg.AccountFinishTakeoutSessionRequest{
		Success: success,
	}); err != nil {
		return classify(err, method)
	}
	a.logger.Info("takeout session finished", zap.Int64("takeout_id", h.ID), zap.Bool("success", success))
	return nil
}

// ChatInfo returns the title and kind of a chat from the dialog cache.
func (a *Adapter) ChatInfo(ctx context.Context, chatID int64) (store.Chat, error) {
	if ch, ok := a.peers.chat(chatID); ok {
		return ch, nil
	}
	if err := a.checkReady("messages.getDialogs"); err != nil {
		return store.Chat{}, err
	}
	if err := a.loadDialogs(ctx); err != nil {
		return store.Chat{}, err
	}
	if ch, ok := a.peers.chat(chatID); ok {
		return ch, nil
	}
	return store.Chat{}, fmt.Errorf("%w: %d", ErrUnknownChat, chatID)
}

func (a *Adapter) takeoutAPI(h remote.Handle) *tg.Client {
	return tg.NewClient(takeoutInvoker{id: h.ID, next: a.invoker})
}

func (a *Adapter) history(ctx context.Context, api *tg.Client, method string, req remote.PageRequest) ([]remote.Message, error) {
	peer, err := a.inputPeer(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(req.OffsetID),
		Limit:    req.Limit,
		MinID:    int(req.MinID),
		MaxID:    int(req.MaxID),
	})
	if err != nil {
		return nil, classify(err, method)
	}

	var msgs []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesMessages:
		a.peers.addUsers(v.Users)
		a.peers.addChats(v.Chats)
		msgs = v.Messages
	case *tg.MessagesMessagesSlice:
		a.peers.addUsers(v.Users)
		a.peers.addChats(v.Chats)
		msgs = v.Messages
	case *tg.MessagesChannelMessages:
		a.peers.addUsers(v.Users)
		a.peers.addChats(v.Chats)
		msgs = v.Messages
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	}
	return ParseMessages(msgs), nil
}

func (a *Adapter) inputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	if p, ok := a.peers.lookup(chatID); ok {
		return p, nil
	}
	// New chats show up after a dialog reload.
	if err := a.loadDialogs(ctx); err != nil {
		return nil, err
	}
	if p, ok := a.peers.lookup(chatID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownChat, chatID)
}

// loadDialogs walks the dialog list and caches every peer it mentions.
func (a *Adapter) loadDialogs(ctx context.Context) error {
	const method = "messages.getDialogs"
	req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: dialogPageSize}
	for {
		res, err := a.api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return classify(err, method)
		}

		var (
			dialogs []tg.DialogClass
			msgs    []tg.MessageClass
			more    bool
		)
		switch v := res.(type) {
		case *tg.MessagesDialogs:
			a.peers.addUsers(v.Users)
			a.peers.addChats(v.Chats)
			dialogs, msgs = v.Dialogs, v.Messages
		case *tg.MessagesDialogsSlice:
			a.peers.addUsers(v.Users)
			a.peers.addChats(v.Chats)
			dialogs, msgs = v.Dialogs, v.Messages
			more = len(v.Dialogs) == dialogPageSize
		}
		if !more {
			return nil
		}

		last, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !ok {
			return nil
		}
		offsetPeer, ok := a.peers.lookup(MarkedID(last.Peer))
		if !ok {
			return nil
		}
		req.OffsetPeer = offsetPeer
		req.OffsetID = last.TopMessage
		req.OffsetDate = messageDate(msgs, last.TopMessage)
	}
}

func messageDate(msgs []tg.MessageClass, id int) int {
	for _, m := range msgs {
		switch v := m.(type) {
		case *tg.Message:
			if v.ID == id {
				return v.Date
			}
		case *tg.MessageService:
			if v.ID == id {
				return v.Date
			}
		}
	}
	return 0
}

// pacedInvoker spaces out API calls.
type pacedInvoker struct {
	next    tg.Invoker
	limiter *rate.Limiter
}

func (p pacedInvoker) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.next.Invoke(ctx, input, output)
}

// takeoutInvoker wraps every call in invokeWithTakeout.
type takeoutInvoker struct {
	id   int64
	next tg.Invoker
}

func (t takeoutInvoker) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	return t.next.Invoke(ctx, &tg.InvokeWithTakeoutRequest{
		TakeoutID: t.id,
		Query:     encodeOnly{input},
	}, output)
}

// encodeOnly lets an outgoing request fill a bin.Object slot.
type encodeOnly struct{ bin.Encoder }

func (encodeOnly) Decode(*bin.Buffer) error {
	return errors.New("telegram: wrapped query cannot be decoded")
}
