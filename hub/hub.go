package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harborline/opchat/model"
	"github.com/harborline/opchat/storage/memory"
)

const defaultFwdTimeout = time.Second

// Hub fans room events out to connected participants and keeps each room's
// transcript for the history endpoint. Messages get their server id here;
// the sender receives its own message back as the delivery confirmation.
type Hub struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]*roomState
}

type roomState struct {
	wires map[string]model.Wire // keyed by participant email
	store *memory.MessageStore
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "hub").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]*roomState),
	}
}

func (h *Hub) Connect(ctx context.Context, roomID string, id model.Identity, wire model.Wire) error {
	h.mx.Lock()
	st, ok := h.rooms[roomID]
	if !ok {
		st = &roomState{
			wires: make(map[string]model.Wire),
			store: memory.NewMessageStore(&h.logger),
		}
		h.rooms[roomID] = st
	}
	st.wires[id.Email] = wire
	h.mx.Unlock()

	h.logger.Debug().
		Str("roomID", roomID).
		Str("email", id.Email).
		Msg("participant connected")

	go h.forwardEvents(ctx, roomID, id, wire.RX)
	return nil
}

func (h *Hub) Disconnect(roomID, email string) error {
	h.mx.Lock()
	// The transcript outlives the session so a rejoining participant can
	// still page history.
	if st, ok := h.rooms[roomID]; ok {
		delete(st.wires, email)
	}
	h.mx.Unlock()

	h.logger.Debug().
		Str("roomID", roomID).
		Str("email", email).
		Msg("participant disconnected")
	return nil
}

// History returns a page of the room transcript, oldest first.
func (h *Hub) History(roomID string, limit, offset int) []model.Message {
	h.mx.RLock()
	st := h.rooms[roomID]
	h.mx.RUnlock()
	if st == nil {
		return []model.Message{}
	}

	msgs := st.store.Snapshot()
	if offset >= len(msgs) {
		return []model.Message{}
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs
}

func (h *Hub) forwardEvents(ctx context.Context, roomID string, sender model.Identity, rx <-chan model.Event) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case ev := <-rx:
			h.dispatch(ctx, roomID, sender, ev)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, roomID string, sender model.Identity, ev model.Event) {
	switch e := ev.(type) {
	case model.MessageEvent:
		if strings.TrimSpace(e.Content) == "" {
			h.logger.Debug().Str("roomID", roomID).Msg("empty message dropped")
			return
		}
		public := e.Public()
		kind := e.Kind
		if kind == "" {
			kind = model.KindText
		}
		msg := model.Message{
			ID:          uuid.NewString(),
			SenderID:    sender.Email,
			SenderName:  sender.Name,
			Content:     e.Content,
			Kind:        kind,
			CreatedAt:   time.Now().UTC(),
			ReadBy:      []string{sender.Email},
			Public:      public,
			Attachments: e.Attachments,
		}
		if st := h.room(roomID); st != nil {
			st.store.Upsert(msg)
		}
		h.broadcast(ctx, roomID, "", model.MessageEvent{
			MessageID:   msg.ID,
			SenderEmail: msg.SenderID,
			SenderName:  msg.SenderName,
			Content:     msg.Content,
			Kind:        msg.Kind,
			Attachments: msg.Attachments,
			IsPublic:    &public,
		})

	case model.TypingEvent:
		h.broadcast(ctx, roomID, sender.Email, model.TypingEvent{
			UserName: sender.Name,
			Typing:   e.Typing,
		})

	case model.ReadReceiptEvent:
		if e.MessageID == "" {
			return
		}
		if st := h.room(roomID); st != nil {
			st.store.MarkRead(e.MessageID, sender.Email)
		}
		h.broadcast(ctx, roomID, sender.Email, model.ReadReceiptEvent{
			MessageID: e.MessageID,
			UserEmail: sender.Email,
		})

	default:
		h.logger.Error().
			Str("roomID", roomID).
			Str("type", ev.EventType()).
			Msg("undeliverable event")
	}
}

func (h *Hub) room(roomID string) *roomState {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.rooms[roomID]
}

// broadcast forwards the event to every participant except exclude. An
// empty exclude reaches everyone, which is how senders get their echo.
func (h *Hub) broadcast(ctx context.Context, roomID, exclude string, ev model.Event) {
	h.mx.RLock()
	st := h.rooms[roomID]
	var wires map[string]model.Wire
	if st != nil {
		wires = make(map[string]model.Wire, len(st.wires))
		for email, wire := range st.wires {
			wires[email] = wire
		}
	}
	h.mx.RUnlock()

	var sent bool
	for email, wire := range wires {
		if email == exclude {
			continue
		}
		delivered, canceled := send(ctx, ev, wire.TX, &h.logger)
		if canceled {
			return
		}
		if delivered {
			sent = true
		}
	}
	if !sent {
		h.logger.Debug().
			Str("roomID", roomID).
			Str("type", ev.EventType()).
			Msg("broadcast did not reach anyone")
	}
}

func send(ctx context.Context, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("type", ev.EventType()).Msg("dead endpoint")
	case tx <- ev:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
