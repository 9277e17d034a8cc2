package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/harborline/opchat/model"
	"github.com/harborline/opchat/presence"
	"github.com/harborline/opchat/storage/memory"
)

const (
	defaultHistoryLimit   = 100
	presenceSweepInterval = time.Second

	reconnectMaxRetries = 5
)

// ErrConnectionLost is what the console surfaces when the live channel
// drops: the transcript stays readable but may be stale.
var ErrConnectionLost = errors.New("connection lost, messages may not update live")

var errRoomGone = errors.New("room is no longer active")

type (
	// Connection is the duplex room channel as the coordinator consumes it.
	Connection interface {
		Open(ctx context.Context, roomID string, id model.Identity) error
		Send(ev model.Event) error
		OnEvent(func(model.Event))
		OnClose(func(error))
		Close()
	}

	HistoryFetcher interface {
		Fetch(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error)
	}

	Config struct {
		Logger  *zerolog.Logger
		History HistoryFetcher
		// Connect builds a fresh channel; one is consumed per room
		// activation (and per reconnect attempt).
		Connect func() Connection
		// Reconnect enables redial with exponential backoff after a
		// transport loss. Off by default: the console's original behavior
		// is a manual refresh.
		Reconnect    bool
		HistoryLimit int
	}
)

// room bundles the per-room state. Everything is discarded wholesale when
// the room is deactivated; id and identity never change after creation.
type room struct {
	id       string
	identity model.Identity
	store    *memory.MessageStore
	tracker  *presence.Tracker
	ctx      context.Context
	cancel   context.CancelFunc

	// conn is guarded by the Service mutex (reconnect swaps it).
	conn Connection
}

// Service is the sync coordinator: it seeds the transcript from history,
// routes live events into the store and the typing tracker, and carries
// outbound intents to the channel. At most one room is active at a time.
type Service struct {
	logger       zerolog.Logger
	history      HistoryFetcher
	connect      func() Connection
	reconnect    bool
	historyLimit int

	mx      *sync.Mutex
	active  *room
	connErr error
	updates chan struct{}
}

func NewService(cfg Config) *Service {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Service{
		logger:       cfg.Logger.With().Str("component", "sync").Logger(),
		history:      cfg.History,
		connect:      cfg.Connect,
		reconnect:    cfg.Reconnect,
		historyLimit: limit,
		mx:           &sync.Mutex{},
		updates:      make(chan struct{}, 1),
	}
}

// Updates delivers a coalesced signal whenever the transcript, presence set
// or connection state changed. The view layer re-reads Snapshot,
// ActiveUsers and ConnError on each tick.
func (svc *Service) Updates() <-chan struct{} {
	return svc.updates
}

func (svc *Service) notify() {
	select {
	case svc.updates <- struct{}{}:
	default:
	}
}

// ActivateRoom makes roomID the single active room. Any previously active
// room is fully closed first: channel closed, transcript and presence
// discarded. Activating the room that is already active is a no-op.
func (svc *Service) ActivateRoom(ctx context.Context, roomID string, id model.Identity) {
	svc.mx.Lock()
	if svc.active != nil && svc.active.id == roomID {
		svc.mx.Unlock()
		return
	}
	svc.closeActiveLocked()

	rctx, cancel := context.WithCancel(ctx)
	rm := &room{
		id:       roomID,
		identity: id,
		store:    memory.NewMessageStore(&svc.logger),
		tracker:  presence.NewTracker(&svc.logger),
		ctx:      rctx,
		cancel:   cancel,
		conn:     svc.connect(),
	}
	svc.active = rm
	svc.connErr = nil
	conn := rm.conn
	svc.mx.Unlock()

	conn.OnEvent(func(ev model.Event) { svc.route(rm, ev) })
	conn.OnClose(func(err error) { svc.channelClosed(rm, err) })

	// History load and channel open run concurrently. Whichever loses a
	// race against a later room switch finds its room stale and gives up.
	go svc.loadHistory(rm)
	go svc.openChannel(rm, conn)
	go svc.sweepPresence(rm)

	svc.logger.Debug().Str("roomID", roomID).Msg("room activated")
	svc.notify()
}

// Deactivate closes the active room, if any. Safe to call repeatedly.
func (svc *Service) Deactivate() {
	svc.mx.Lock()
	svc.closeActiveLocked()
	svc.connErr = nil
	svc.mx.Unlock()
	svc.notify()
}

func (svc *Service) closeActiveLocked() {
	if svc.active == nil {
		return
	}
	rm := svc.active
	svc.active = nil
	rm.cancel()
	rm.conn.Close()
	svc.logger.Debug().Str("roomID", rm.id).Msg("room deactivated")
}

func (svc *Service) isActive(rm *room) bool {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return svc.active == rm
}

// SendMessage emits a text message. Fire-and-forget: the sender sees their
// own message once the server echoes it back. Empty content and a channel
// that is not open both reject silently.
func (svc *Service) SendMessage(content string, visibility model.Visibility) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	svc.mx.Lock()
	var conn Connection
	if svc.active != nil {
		conn = svc.active.conn
	}
	svc.mx.Unlock()

	if conn == nil {
		svc.logger.Debug().Msg("send without active room dropped")
		return
	}
	public := visibility.Public()
	ev := model.MessageEvent{
		Content:  content,
		Kind:     model.KindText,
		IsPublic: &public,
	}
	if err := conn.Send(ev); err != nil {
		// No outbound queue: a send while the channel is down is dropped.
		svc.logger.Debug().Err(err).Msg("outbound message dropped")
	}
}

// NotifyTyping emits a typing signal. Callers debounce before signaling
// true; see TypingDebouncer.
func (svc *Service) NotifyTyping(isTyping bool) {
	svc.mx.Lock()
	var conn Connection
	if svc.active != nil {
		conn = svc.active.conn
	}
	svc.mx.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Send(model.TypingEvent{Typing: isTyping}); err != nil {
		svc.logger.Debug().Err(err).Msg("outbound typing signal dropped")
	}
}

// Snapshot returns the active room's transcript, nil when no room is
// active.
func (svc *Service) Snapshot() []model.Message {
	svc.mx.Lock()
	rm := svc.active
	svc.mx.Unlock()
	if rm == nil {
		return nil
	}
	return rm.store.Snapshot()
}

// ActiveUsers returns who is currently typing in the active room.
func (svc *Service) ActiveUsers() []string {
	svc.mx.Lock()
	rm := svc.active
	svc.mx.Unlock()
	if rm == nil {
		return nil
	}
	return rm.tracker.ActiveUsers()
}

// ActiveRoom returns the active room id, empty when none.
func (svc *Service) ActiveRoom() string {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	if svc.active == nil {
		return ""
	}
	return svc.active.id
}

// ConnError reports the live-channel failure, nil while the channel is
// healthy or no room is active.
func (svc *Service) ConnError() error {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return svc.connErr
}

func (svc *Service) loadHistory(rm *room) {
	msgs, err := svc.history.Fetch(rm.ctx, rm.id, svc.historyLimit, 0)
	if err != nil {
		svc.logger.Error().Err(err).Str("roomID", rm.id).Msg("history load failed")
		return
	}
	if !svc.isActive(rm) {
		// The result landed after a room switch; applying it would revive
		// a discarded transcript.
		svc.logger.Debug().Str("roomID", rm.id).Msg("discarding stale history response")
		return
	}
	rm.store.Seed(msgs)
	svc.notify()
}

func (svc *Service) openChannel(rm *room, conn Connection) {
	if err := conn.Open(rm.ctx, rm.id, rm.identity); err != nil {
		svc.logger.Error().Err(err).Str("roomID", rm.id).Msg("failed to open room channel")
		svc.setConnError(rm, err)
	}
}

func (svc *Service) setConnError(rm *room, err error) {
	svc.mx.Lock()
	if svc.active == rm {
		svc.connErr = errors.Join(ErrConnectionLost, err)
	}
	svc.mx.Unlock()
	svc.notify()
}

// route dispatches one inbound event into the room state. The switch is
// exhaustive over the closed event set.
func (svc *Service) route(rm *room, ev model.Event) {
	if !svc.isActive(rm) {
		return
	}
	switch e := ev.(type) {
	case model.MessageEvent:
		kind := e.Kind
		if kind == "" {
			kind = model.KindText
		}
		rm.store.Upsert(model.Message{
			ID:         e.Ident(),
			SenderID:   e.SenderEmail,
			SenderName: e.SenderName,
			Content:    e.Content,
			Kind:       kind,
			CreatedAt:  time.Now(),
			// The author has read their own message.
			ReadBy:      []string{e.SenderEmail},
			Public:      e.Public(),
			Attachments: e.Attachments,
		})
	case model.TypingEvent:
		if e.Typing {
			rm.tracker.OnStart(e.UserName)
		} else {
			rm.tracker.OnStop(e.UserName)
		}
	case model.ReadReceiptEvent:
		rm.store.MarkRead(e.MessageID, e.UserEmail)
	default:
		svc.logger.Error().Str("type", ev.EventType()).Msg("unroutable event")
		return
	}
	svc.notify()
}

func (svc *Service) channelClosed(rm *room, err error) {
	if err == nil || !svc.isActive(rm) {
		return
	}
	svc.logger.Warn().Err(err).Str("roomID", rm.id).Msg("room channel lost")
	svc.setConnError(rm, err)
	if svc.reconnect {
		go svc.redial(rm)
	}
}

// redial replaces the lost channel with backoff, then re-seeds from history
// to repair whatever the room missed while offline.
func (svc *Service) redial(rm *room) {
	op := func() error {
		if !svc.isActive(rm) {
			return backoff.Permanent(errRoomGone)
		}
		conn := svc.connect()
		conn.OnEvent(func(ev model.Event) { svc.route(rm, ev) })
		conn.OnClose(func(cerr error) { svc.channelClosed(rm, cerr) })
		if err := conn.Open(rm.ctx, rm.id, rm.identity); err != nil {
			return err
		}

		svc.mx.Lock()
		if svc.active != rm {
			svc.mx.Unlock()
			conn.Close()
			return backoff.Permanent(errRoomGone)
		}
		rm.conn = conn
		svc.connErr = nil
		svc.mx.Unlock()
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), reconnectMaxRetries),
		rm.ctx)
	if err := backoff.Retry(op, bo); err != nil {
		svc.logger.Error().Err(err).Str("roomID", rm.id).Msg("giving up on reconnect")
		return
	}

	svc.logger.Info().Str("roomID", rm.id).Msg("room channel restored")
	go svc.loadHistory(rm)
	svc.notify()
}

// sweepPresence keeps the view fresh while typing entries expire without a
// stop signal. It dies with the room context.
func (svc *Service) sweepPresence(rm *room) {
	ticker := time.NewTicker(presenceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			if rm.tracker.Prune() {
				svc.notify()
			}
		}
	}
}
