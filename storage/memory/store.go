package memory

import (
	"sort"
	"sync"

	"github.com/harborline/opchat/model"
	"github.com/rs/zerolog"
)

type entry struct {
	msg    model.Message
	readBy map[string]struct{}
	live   bool
}

func newEntry(m model.Message, live bool) *entry {
	e := &entry{
		msg:    m,
		readBy: make(map[string]struct{}, len(m.ReadBy)),
		live:   live,
	}
	for _, u := range m.ReadBy {
		e.readBy[u] = struct{}{}
	}
	e.msg.ReadBy = nil
	return e
}

func (e *entry) union(users []string) {
	for _, u := range users {
		e.readBy[u] = struct{}{}
	}
}

// MessageStore is the ordered, deduplicated transcript of one room. The
// seeded history block comes first, sorted by creation time; live arrivals
// follow in arrival order. Inserting a known id merges instead of
// duplicating. All methods are safe for concurrent use and none of them
// panics or returns an error to the caller.
type MessageStore struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	order  []*entry
	idx    map[string]*entry
}

func NewMessageStore(logger *zerolog.Logger) *MessageStore {
	return &MessageStore{
		logger: logger.With().Str("component", "message-store").Logger(),
		mx:     &sync.Mutex{},
		idx:    make(map[string]*entry),
	}
}

// Seed replaces the transcript with the given history, sorted by creation
// time ascending. Live entries that arrived before the history response keep
// their arrival order after the seeded block; an id present on both sides
// collapses into the seeded entry with read sets merged.
func (s *MessageStore) Seed(history []model.Message) {
	sorted := make([]model.Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	s.mx.Lock()
	defer s.mx.Unlock()

	order := make([]*entry, 0, len(sorted)+len(s.order))
	idx := make(map[string]*entry, len(sorted)+len(s.order))
	for _, m := range sorted {
		if m.ID == "" || m.SenderID == "" {
			s.logger.Error().Str("id", m.ID).Msg("dropping malformed history message")
			continue
		}
		if e, ok := idx[m.ID]; ok {
			e.union(m.ReadBy)
			continue
		}
		e := newEntry(m, false)
		idx[m.ID] = e
		order = append(order, e)
	}
	for _, e := range s.order {
		if seeded, ok := idx[e.msg.ID]; ok {
			for u := range e.readBy {
				seeded.readBy[u] = struct{}{}
			}
			continue
		}
		if e.live {
			idx[e.msg.ID] = e
			order = append(order, e)
		}
	}
	s.order, s.idx = order, idx
}

// Upsert appends a live message, or merges it into the existing entry when
// the id is already known. A known id means the server confirmed something
// the store already holds, so the existing payload wins and only the read
// set is unioned.
func (s *MessageStore) Upsert(m model.Message) {
	if m.ID == "" || m.SenderID == "" {
		s.logger.Error().Str("id", m.ID).Str("sender", m.SenderID).Msg("dropping malformed message")
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if e, ok := s.idx[m.ID]; ok {
		e.union(m.ReadBy)
		return
	}
	e := newEntry(m, true)
	s.idx[m.ID] = e
	s.order = append(s.order, e)
}

// MarkRead records that userID has seen messageID. A receipt that outran its
// message is dropped, not queued.
func (s *MessageStore) MarkRead(messageID, userID string) {
	if messageID == "" || userID == "" {
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	e, ok := s.idx[messageID]
	if !ok {
		s.logger.Debug().Str("messageID", messageID).Msg("read receipt for unknown message dropped")
		return
	}
	e.readBy[userID] = struct{}{}
}

// Snapshot returns a detached copy of the transcript in display order.
// ReadBy slices are freshly built, so readers never race later mutations.
func (s *MessageStore) Snapshot() []model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()

	out := make([]model.Message, len(s.order))
	for i, e := range s.order {
		m := e.msg
		m.ReadBy = make([]string, 0, len(e.readBy))
		for u := range e.readBy {
			m.ReadBy = append(m.ReadBy, u)
		}
		sort.Strings(m.ReadBy)
		out[i] = m
	}
	return out
}

func (s *MessageStore) Len() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.order)
}
