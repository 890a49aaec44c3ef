// Package broadcast keeps the live sessions of each room and fans messages out to them.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/metrics"
	"github.com/samber/lo"
)

// Session is one live connection bound to an authenticated user.
type Session interface {
	ID() string
	UserID() string
	// Room returns the room the session last entered, or "".
	Room() string
	// SetRoom records the attached room and returns the previous one.
	SetRoom(roomID string) string
	// Deliver queues payload for writing without blocking. It fails when the
	// session is closed or its outbox is full.
	Deliver(payload []byte) error
	Close(reason error)
}

type roomSessions struct {
	mu       sync.RWMutex
	dead     bool
	sessions map[string]Session

	// fanout serializes broadcasts within the room so every session
	// receives them in issuance order.
	fanout sync.Mutex
}

// Registry maps room ids to their live sessions. Rooms are independent:
// there is no lock shared across rooms.
type Registry struct {
	rooms   sync.Map // roomID -> *roomSessions
	clients sync.Map // sessionID -> Session
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{log: log, metrics: m}
}

func (r *Registry) room(roomID string) *roomSessions {
	if v, ok := r.rooms.Load(roomID); ok {
		return v.(*roomSessions)
	}
	v, _ := r.rooms.LoadOrStore(roomID, &roomSessions{sessions: make(map[string]Session)})
	return v.(*roomSessions)
}

// Register adds s to the room. Registering twice is a no-op.
func (r *Registry) Register(roomID string, s Session) {
	for {
		rs := r.room(roomID)
		rs.mu.Lock()
		if rs.dead {
			// Emptied and dropped concurrently; retry on a fresh entry.
			rs.mu.Unlock()
			continue
		}
		rs.sessions[s.ID()] = s
		rs.mu.Unlock()
		r.log.Debug("Session registered", "room", roomID, "session", s.ID(), "user", s.UserID())
		return
	}
}

// Unregister removes s from the room and reports whether it was present.
// Unknown rooms and sessions are ignored.
func (r *Registry) Unregister(roomID string, s Session) bool {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return false
	}
	rs := v.(*roomSessions)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if cur, ok := rs.sessions[s.ID()]; !ok || cur != s {
		return false
	}
	delete(rs.sessions, s.ID())
	if len(rs.sessions) == 0 {
		rs.dead = true
		r.rooms.CompareAndDelete(roomID, rs)
	}
	r.log.Debug("Session unregistered", "room", roomID, "session", s.ID())
	return true
}

// Broadcast delivers msg to every session currently in the room. Sessions
// that cannot accept it are unregistered and closed; the others are unaffected.
// It returns the number of sessions the message was handed to.
func (r *Registry) Broadcast(roomID string, msg domain.Message) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("Failed to marshal broadcast", "room", roomID, "error", err)
		return 0
	}
	return r.BroadcastRaw(roomID, payload)
}

// BroadcastRaw is Broadcast for an already encoded payload.
func (r *Registry) BroadcastRaw(roomID string, payload []byte) int {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return 0
	}
	rs := v.(*roomSessions)

	rs.fanout.Lock()
	defer rs.fanout.Unlock()

	rs.mu.RLock()
	snapshot := make([]Session, 0, len(rs.sessions))
	for _, s := range rs.sessions {
		snapshot = append(snapshot, s)
	}
	rs.mu.RUnlock()

	r.metrics.Broadcast()

	type failure struct {
		s   Session
		err error
	}
	var failed []failure
	delivered := 0
	for _, s := range snapshot {
		if err := s.Deliver(payload); err != nil {
			failed = append(failed, failure{s, err})
			continue
		}
		delivered++
	}

	for _, f := range failed {
		r.evict(roomID, f.s, f.err)
	}
	return delivered
}

func (r *Registry) evict(roomID string, s Session, cause error) {
	if !r.Unregister(roomID, s) {
		return
	}
	r.metrics.Evicted()
	r.log.Warn("Evicting session after delivery failure",
		"room", roomID, "session", s.ID(), "user", s.UserID(), "error", cause)
	s.Close(fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, cause))
}

// Connect tracks a newly opened session so it receives instance-wide announcements.
func (r *Registry) Connect(s Session) {
	if _, loaded := r.clients.LoadOrStore(s.ID(), s); !loaded {
		r.metrics.SessionOpened()
	}
}

// Disconnect forgets s and removes it from its room. It is safe to call more than once.
func (r *Registry) Disconnect(s Session) {
	if roomID := s.SetRoom(""); roomID != "" {
		r.Unregister(roomID, s)
	}
	if _, loaded := r.clients.LoadAndDelete(s.ID()); loaded {
		r.metrics.SessionClosed()
	}
}

// Announce sends payload to every connected session regardless of room.
func (r *Registry) Announce(v any) int {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error("Failed to marshal announcement", "error", err)
		return 0
	}

	sent := 0
	r.clients.Range(func(_, value any) bool {
		s := value.(Session)
		if err := s.Deliver(payload); err != nil {
			r.log.Debug("Announcement not delivered", "session", s.ID(), "error", err)
			return true
		}
		sent++
		return true
	})
	return sent
}

// CloseAll closes every connected session.
func (r *Registry) CloseAll(reason error) int {
	closed := 0
	r.clients.Range(func(_, value any) bool {
		value.(Session).Close(reason)
		closed++
		return true
	})
	return closed
}

// ClientCount returns the number of connected sessions.
func (r *Registry) ClientCount() int {
	n := 0
	r.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RoomClientCount returns the number of sessions registered to a room.
func (r *Registry) RoomClientCount(roomID string) int {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return 0
	}
	rs := v.(*roomSessions)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.sessions)
}

// Members returns the user ids of the sessions registered to a room.
func (r *Registry) Members(roomID string) []string {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return []string{}
	}
	rs := v.(*roomSessions)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return lo.Uniq(lo.MapToSlice(rs.sessions, func(_ string, s Session) string {
		return s.UserID()
	}))
}
