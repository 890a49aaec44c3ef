package chat

import (
	"log/slog"
	"sync"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/metrics"
)

// typingState is the last known typing flag for one (room, user) pair.
type typingState struct {
	mu     sync.Mutex
	typing bool
	dead   bool
}

// Presence tracks who is typing where and broadcasts only real changes.
type Presence struct {
	states  sync.Map // room + "\x00" + user -> *typingState
	router  Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewPresence creates a Presence that notifies rooms through router.
func NewPresence(router Broadcaster, log *slog.Logger, m *metrics.Metrics) *Presence {
	return &Presence{router: router, log: log, metrics: m}
}

func presenceKey(roomID, userID string) string {
	return roomID + "\x00" + userID
}

// SetTyping records the user's typing flag in roomID. It broadcasts a
// TYPING_START or TYPING_END and returns true only when the flag changed.
func (p *Presence) SetTyping(roomID, userID string, typing bool) bool {
	key := presenceKey(roomID, userID)
	for {
		v, _ := p.states.LoadOrStore(key, &typingState{})
		st := v.(*typingState)

		st.mu.Lock()
		if st.dead {
			st.mu.Unlock()
			continue
		}
		changed := st.typing != typing
		if changed {
			st.typing = typing
			p.notify(roomID, userID, typing)
		}
		st.mu.Unlock()
		return changed
	}
}

// Clear ends any typing by userID in roomID and forgets the pair.
func (p *Presence) Clear(roomID, userID string) {
	key := presenceKey(roomID, userID)
	v, ok := p.states.Load(key)
	if !ok {
		return
	}
	st := v.(*typingState)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dead {
		return
	}
	if st.typing {
		st.typing = false
		p.notify(roomID, userID, false)
	}
	st.dead = true
	p.states.CompareAndDelete(key, st)
}

// IsTyping reports the last known typing flag.
func (p *Presence) IsTyping(roomID, userID string) bool {
	v, ok := p.states.Load(presenceKey(roomID, userID))
	if !ok {
		return false
	}
	st := v.(*typingState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.typing && !st.dead
}

// notify is called with the pair's lock held so notifications keep their order.
func (p *Presence) notify(roomID, userID string, typing bool) {
	p.metrics.TypingChanged()
	n := p.router.Broadcast(roomID, domain.NewTypingEvent(roomID, userID, typing))
	p.log.Debug("Typing changed", "room", roomID, "user", userID, "typing", typing, "recipients", n)
}
