package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL matches the sender-side typing debounce window, so a lost
// typing:stop leaves at most this much stale presence.
const DefaultTTL = 3 * time.Second

// Tracker holds the set of users currently composing a message in the active
// room, each with an expiry deadline. Expired entries are pruned lazily on
// read; Prune exists for callers that want a periodic sweep.
type Tracker struct {
	logger    zerolog.Logger
	mx        *sync.Mutex
	deadlines map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewTracker(logger *zerolog.Logger) *Tracker {
	return &Tracker{
		logger:    logger.With().Str("component", "typing-tracker").Logger(),
		mx:        &sync.Mutex{},
		deadlines: make(map[string]time.Time),
		ttl:       DefaultTTL,
		now:       time.Now,
	}
}

// OnStart inserts or refreshes the user's deadline unconditionally. A start
// that was reordered after its own stop just arms a fresh deadline, which is
// correct: typing state follows the latest signal received.
func (t *Tracker) OnStart(user string) {
	if user == "" {
		return
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	t.deadlines[user] = t.now().Add(t.ttl)
}

// OnStop removes the user immediately, cancelling the pending expiry.
func (t *Tracker) OnStop(user string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	delete(t.deadlines, user)
}

// ActiveUsers returns the users still within their deadline, sorted.
func (t *Tracker) ActiveUsers() []string {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.pruneLocked()
	out := make([]string, 0, len(t.deadlines))
	for user := range t.deadlines {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Prune drops expired entries and reports whether anything changed.
func (t *Tracker) Prune() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.pruneLocked()
}

func (t *Tracker) pruneLocked() bool {
	now := t.now()
	var changed bool
	for user, deadline := range t.deadlines {
		if now.After(deadline) {
			delete(t.deadlines, user)
			changed = true
			t.logger.Trace().Str("user", user).Msg("typing entry expired")
		}
	}
	return changed
}
